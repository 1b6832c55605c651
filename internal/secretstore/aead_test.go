package secretstore

import (
	"path/filepath"
	"testing"
)

func TestAEADStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")

	store, err := NewAEADStore(path, []byte("test-passphrase"))
	if err != nil {
		t.Fatalf("NewAEADStore: %v", err)
	}

	key := Key(KindPassword, "server-1")
	if err := store.Put(key, []byte("hunter2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(v) != "hunter2" {
		t.Fatalf("Get returned (%q, %v), want (hunter2, true)", v, ok)
	}

	if err := store.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(key); ok {
		t.Fatalf("secret still present after Delete")
	}

	// Deleting an absent key is not an error.
	if err := store.Delete(key); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func TestAEADStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")
	passphrase := []byte("test-passphrase")

	store, err := NewAEADStore(path, passphrase)
	if err != nil {
		t.Fatalf("NewAEADStore: %v", err)
	}
	key := Key(KindPrivateKey, "server-2")
	if err := store.Put(key, []byte("-----BEGIN KEY-----")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := NewAEADStore(path, passphrase)
	if err != nil {
		t.Fatalf("reopen NewAEADStore: %v", err)
	}
	v, ok, err := reopened.Get(key)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !ok || string(v) != "-----BEGIN KEY-----" {
		t.Fatalf("Get after reopen returned (%q, %v)", v, ok)
	}
}

func TestAEADStoreWrongPassphraseFailsDecrypt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")

	store, err := NewAEADStore(path, []byte("correct-passphrase"))
	if err != nil {
		t.Fatalf("NewAEADStore: %v", err)
	}
	key := Key(KindKeyPassphrase, "server-3")
	if err := store.Put(key, []byte("secret-value")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	wrong, err := NewAEADStore(path, []byte("wrong-passphrase"))
	if err != nil {
		t.Fatalf("NewAEADStore with wrong passphrase: %v", err)
	}
	if _, _, err := wrong.Get(key); err == nil {
		t.Fatalf("Get with wrong passphrase succeeded, want decrypt error")
	}
}

func TestLoadOrCreatePassphraseIsStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")

	first, err := LoadOrCreatePassphrase(path)
	if err != nil {
		t.Fatalf("LoadOrCreatePassphrase: %v", err)
	}
	second, err := LoadOrCreatePassphrase(path)
	if err != nil {
		t.Fatalf("LoadOrCreatePassphrase (reload): %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("passphrase changed across reload")
	}
}
