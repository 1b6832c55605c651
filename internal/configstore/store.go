// Package configstore persists the server fleet's durable configuration:
// ServerRecord and QuickProfile documents, the admin API token, and which
// ports the daemon currently owns a tunnel on. None of this is secret — see
// internal/secretstore for that — but it must survive a daemon restart and
// never be left half-written, so every mutation is saved through a
// temp-file-plus-rename sequence (the same pattern the teacher's ConfigManager
// uses for its AppConfig document, made atomic the way arkeep's connection
// manager persists its store).
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"tunnelgate/internal/model"
)

// NotFoundError means a lookup by ID found no matching record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s with id %q", e.Kind, e.ID)
}

// document is the on-disk shape of the Config Store's single JSON file.
type document struct {
	Servers        []model.ServerRecord  `json:"servers"`
	Profiles       []model.QuickProfile  `json:"quickProfiles"`
	APIToken       string                `json:"apiToken"`
	APIAuthEnabled bool                  `json:"apiAuthEnabled"`
	OwnedPorts     map[string]int        `json:"ownedPorts"` // serverId -> socksPort
}

// Store is the Config Store (spec C2): the fleet's durable, non-secret
// configuration, guarded by a single RWMutex and saved atomically on every
// mutation.
type Store struct {
	path string

	mu  sync.RWMutex
	doc document
}

// Open loads path if it exists, or starts with an empty document otherwise.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Servers:    make([]model.ServerRecord, 0),
			Profiles:   make([]model.QuickProfile, 0),
			OwnedPorts: make(map[string]int),
		},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read config store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse config store: %w", err)
	}
	if s.doc.OwnedPorts == nil {
		s.doc.OwnedPorts = make(map[string]int)
	}
	return s, nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".servers-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o640); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// ListServers returns a snapshot of all server records.
func (s *Store) ListServers() []model.ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ServerRecord, len(s.doc.Servers))
	copy(out, s.doc.Servers)
	return out
}

// GetServer returns the record for id.
func (s *Store) GetServer(id string) (model.ServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.doc.Servers {
		if r.ID == id {
			return r, true
		}
	}
	return model.ServerRecord{}, false
}

// FindDuplicate returns the first existing record sharing rec's dedup key,
// used by the import path to skip re-adding a server already on file.
func (s *Store) FindDuplicate(rec model.ServerRecord) (model.ServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := rec.DedupKey()
	for _, r := range s.doc.Servers {
		if r.DedupKey() == key {
			return r, true
		}
	}
	return model.ServerRecord{}, false
}

// SaveServer inserts rec (assigning a new ID if empty) or updates the
// existing record with a matching ID.
func (s *Store) SaveServer(rec model.ServerRecord) (model.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
		s.doc.Servers = append(s.doc.Servers, rec)
	} else {
		found := false
		for i, r := range s.doc.Servers {
			if r.ID == rec.ID {
				s.doc.Servers[i] = rec
				found = true
				break
			}
		}
		if !found {
			return model.ServerRecord{}, &NotFoundError{Kind: "server", ID: rec.ID}
		}
	}
	if err := s.save(); err != nil {
		return model.ServerRecord{}, err
	}
	return rec, nil
}

// DeleteServer removes the record and any QuickProfiles and owned-port entry
// tied to it.
func (s *Store) DeleteServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, r := range s.doc.Servers {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return &NotFoundError{Kind: "server", ID: id}
	}
	s.doc.Servers = append(s.doc.Servers[:idx], s.doc.Servers[idx+1:]...)

	remaining := make([]model.QuickProfile, 0, len(s.doc.Profiles))
	for _, p := range s.doc.Profiles {
		if p.ServerID != id {
			remaining = append(remaining, p)
		}
	}
	s.doc.Profiles = remaining
	delete(s.doc.OwnedPorts, id)

	return s.save()
}

// ListProfiles returns a snapshot of all quick-launch profiles.
func (s *Store) ListProfiles() []model.QuickProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.QuickProfile, len(s.doc.Profiles))
	copy(out, s.doc.Profiles)
	return out
}

// SaveProfile inserts or updates a QuickProfile, assigning a new ID when
// empty.
func (s *Store) SaveProfile(p model.QuickProfile) (model.QuickProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
		s.doc.Profiles = append(s.doc.Profiles, p)
	} else {
		found := false
		for i, existing := range s.doc.Profiles {
			if existing.ID == p.ID {
				s.doc.Profiles[i] = p
				found = true
				break
			}
		}
		if !found {
			return model.QuickProfile{}, &NotFoundError{Kind: "quickProfile", ID: p.ID}
		}
	}
	if err := s.save(); err != nil {
		return model.QuickProfile{}, err
	}
	return p, nil
}

// DeleteProfile removes a QuickProfile by ID.
func (s *Store) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.doc.Profiles {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return &NotFoundError{Kind: "quickProfile", ID: id}
	}
	s.doc.Profiles = append(s.doc.Profiles[:idx], s.doc.Profiles[idx+1:]...)
	return s.save()
}

// APIToken returns the persisted admin bearer token and whether auth is
// enabled.
func (s *Store) APIToken() (token string, authEnabled bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.APIToken, s.doc.APIAuthEnabled
}

// SetAPIToken persists a new admin bearer token.
func (s *Store) SetAPIToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.APIToken = token
	return s.save()
}

// SetAPIAuthEnabled toggles whether the control API requires the bearer
// token.
func (s *Store) SetAPIAuthEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.APIAuthEnabled = enabled
	return s.save()
}

// OwnedPort returns the SOCKS5 port this daemon owns for serverID, if any.
func (s *Store) OwnedPort(serverID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.OwnedPorts[serverID]
	return p, ok
}

// OwnedPorts returns a snapshot of the full serverId -> port map, used at
// startup to detect stale bindings left by an unclean shutdown.
func (s *Store) OwnedPorts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.doc.OwnedPorts))
	for k, v := range s.doc.OwnedPorts {
		out[k] = v
	}
	return out
}

// SetOwnedPort records that serverID's tunnel is bound to port.
func (s *Store) SetOwnedPort(serverID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.OwnedPorts[serverID] = port
	return s.save()
}

// ClearOwnedPort removes serverID's owned-port entry.
func (s *Store) ClearOwnedPort(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.OwnedPorts[serverID]; !ok {
		return nil
	}
	delete(s.doc.OwnedPorts, serverID)
	return s.save()
}
