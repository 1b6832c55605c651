package secretstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AEADStore encrypts each secret with ChaCha20-Poly1305 and persists the
// whole keyed map as one JSON document, written through the same
// temp-file-plus-rename sequence the Config Store uses (spec §4.2's
// atomicity guarantee applies equally to secret material).
type AEADStore struct {
	path string
	aead cipher.AEAD

	mu    sync.Mutex
	blobs map[string][]byte // key -> nonce||ciphertext
}

type aeadFile struct {
	Blobs map[string]string `json:"blobs"` // key -> hex(nonce||ciphertext)
}

// NewAEADStore builds an AEADStore whose key is derived from passphrase via
// HKDF-SHA256, persisting ciphertext at path.
func NewAEADStore(path string, passphrase []byte) (*AEADStore, error) {
	salt := []byte("tunnelgate-secretstore-v1")
	kdf := hkdf.New(sha256.New, passphrase, salt, []byte("aead-key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive secret store key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init AEAD cipher: %w", err)
	}

	s := &AEADStore{
		path:  path,
		aead:  aead,
		blobs: map[string][]byte{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AEADStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read secret store file: %w", err)
	}
	var f aeadFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse secret store file: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, encoded := range f.Blobs {
		raw, err := hex.DecodeString(encoded)
		if err != nil {
			continue
		}
		s.blobs[k] = raw
	}
	return nil
}

func (s *AEADStore) persist() error {
	f := aeadFile{Blobs: make(map[string]string, len(s.blobs))}
	for k, v := range s.blobs {
		f.Blobs[k] = hex.EncodeToString(v)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".secret-store-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
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

// Put encrypts value and durably persists it before returning.
func (s *AEADStore) Put(key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, value, nil)

	s.mu.Lock()
	s.blobs[key] = append(nonce, sealed...)
	s.mu.Unlock()

	return s.persist()
}

// Get decrypts and returns the secret for key, or ok=false if absent.
func (s *AEADStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	raw, ok := s.blobs[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	n := s.aead.NonceSize()
	if len(raw) < n {
		return nil, false, fmt.Errorf("corrupt secret blob for %q", key)
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt secret for %q: %w", key, err)
	}
	return plain, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *AEADStore) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.blobs[key]
	delete(s.blobs, key)
	s.mu.Unlock()
	if !existed {
		return nil
	}
	return s.persist()
}

// LoadOrCreatePassphrase reads the fallback encryption passphrase from path,
// generating and persisting a random one (mode 0600) if absent.
func LoadOrCreatePassphrase(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret key file: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	encoded := []byte(hex.EncodeToString(key))
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("persist secret key: %w", err)
	}
	return encoded, nil
}
