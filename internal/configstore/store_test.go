package configstore

import (
	"path/filepath"
	"testing"

	"tunnelgate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "servers.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveServerAssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := s.SaveServer(model.ServerRecord{Name: "prod-bastion", Host: "10.0.0.1", SSHPort: 22, Username: "ops"})
	if err != nil {
		t.Fatalf("SaveServer: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("SaveServer did not assign an ID")
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.GetServer(rec.ID)
	if !ok {
		t.Fatalf("server %s missing after reopen", rec.ID)
	}
	if got.Name != "prod-bastion" {
		t.Fatalf("got name %q, want prod-bastion", got.Name)
	}
}

func TestSaveServerUpdateUnknownIDFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveServer(model.ServerRecord{ID: "does-not-exist", Name: "x"})
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("got error %v, want *NotFoundError", err)
	}
}

func TestDeleteServerCascadesProfilesAndOwnedPort(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.SaveServer(model.ServerRecord{Name: "srv"})
	profile, _ := s.SaveProfile(model.QuickProfile{ServerID: rec.ID, DisplayName: "quick"})
	if err := s.SetOwnedPort(rec.ID, 1080); err != nil {
		t.Fatalf("SetOwnedPort: %v", err)
	}

	if err := s.DeleteServer(rec.ID); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if _, ok := s.GetServer(rec.ID); ok {
		t.Fatalf("server still present after delete")
	}
	for _, p := range s.ListProfiles() {
		if p.ID == profile.ID {
			t.Fatalf("profile %s survived server deletion", profile.ID)
		}
	}
	if _, ok := s.OwnedPort(rec.ID); ok {
		t.Fatalf("owned port survived server deletion")
	}
}

func TestFindDuplicateMatchesHostUsernamePort(t *testing.T) {
	s := newTestStore(t)
	rec := model.ServerRecord{Host: "example.com", Username: "alice", SSHPort: 22}
	if _, err := s.SaveServer(rec); err != nil {
		t.Fatalf("SaveServer: %v", err)
	}

	dup, found := s.FindDuplicate(model.ServerRecord{Host: "example.com", Username: "alice", SSHPort: 22})
	if !found {
		t.Fatalf("expected duplicate to be found")
	}
	if dup.Host != "example.com" {
		t.Fatalf("unexpected duplicate match: %+v", dup)
	}

	_, found = s.FindDuplicate(model.ServerRecord{Host: "example.com", Username: "bob", SSHPort: 22})
	if found {
		t.Fatalf("different username should not dedup-match")
	}
}

func TestAPITokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetAPIToken("tok-123"); err != nil {
		t.Fatalf("SetAPIToken: %v", err)
	}
	if err := s.SetAPIAuthEnabled(true); err != nil {
		t.Fatalf("SetAPIAuthEnabled: %v", err)
	}
	token, enabled := s.APIToken()
	if token != "tok-123" || !enabled {
		t.Fatalf("got (%q, %v), want (tok-123, true)", token, enabled)
	}
}

func TestOwnedPortsSnapshotIsIndependent(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetOwnedPort("srv-1", 1080); err != nil {
		t.Fatalf("SetOwnedPort: %v", err)
	}
	snap := s.OwnedPorts()
	snap["srv-1"] = 9999
	if p, _ := s.OwnedPort("srv-1"); p != 1080 {
		t.Fatalf("mutating snapshot leaked into store: got %d, want 1080", p)
	}
}
