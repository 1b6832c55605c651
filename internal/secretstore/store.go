// Package secretstore implements the keyed secret blob store (spec §4.1):
// passwords, private key material, and key passphrases, kept out of the
// Config Store's JSON document entirely.
//
// The primary backend is the OS keyring (zalando/go-keyring), exactly as the
// teacher's sshmanager.SavePassword/DeletePassword use it. When the keyring
// backend is unavailable -- common on headless servers with no login
// keyring daemon -- the Manager demotes to an AEAD-encrypted file backend
// rather than failing. Either way a read failure never surfaces as an error
// to the caller: per spec §4.1/§7 it yields an absent secret and a logged
// warning, so the worker proceeds with empty credentials.
package secretstore

import (
	"errors"
	"log"
	"strings"

	"github.com/zalando/go-keyring"
)

// Store is a keyed blob store: passwords, private keys, and key
// passphrases, one entry per key.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) (value []byte, ok bool, err error)
	Delete(key string) error
}

const serviceName = "tunnelgate"

// Manager tries the OS keyring first and demotes to an AEAD file backend on
// the first classified "backend unavailable" failure, remembering the
// demotion for the process lifetime (spec §4.1 failure mode).
type Manager struct {
	logger   *log.Logger
	fallback Store
	degraded bool
}

// NewManager builds a Manager whose fallback backend is the given AEAD
// Store (see aead.go), used only if the OS keyring proves unavailable.
func NewManager(logger *log.Logger, fallback Store) *Manager {
	return &Manager{logger: logger, fallback: fallback}
}

// Put stores value under key, durably, before returning (spec §4.1).
func (m *Manager) Put(key string, value []byte) error {
	if !m.degraded {
		if err := keyring.Set(serviceName, key, string(value)); err == nil {
			return nil
		} else if !unavailable(err) {
			return err
		}
		m.demote(err)
	}
	return m.fallback.Put(key, value)
}

// Get returns the secret for key, or ok=false if absent. It never returns an
// error: a keyring "backend unavailable" failure demotes to the fallback,
// and any other failed read is logged as a warning and treated as absent,
// per spec §4.1/§7.
func (m *Manager) Get(key string) ([]byte, bool, error) {
	if !m.degraded {
		v, err := keyring.Get(serviceName, key)
		switch {
		case err == nil:
			return []byte(v), true, nil
		case errors.Is(err, keyring.ErrNotFound):
			return nil, false, nil
		case unavailable(err):
			m.demote(err)
		default:
			m.logger.Printf("warning: secret store read failed for %q: %v", key, err)
			return nil, false, nil
		}
	}
	v, ok, err := m.fallback.Get(key)
	if err != nil {
		m.logger.Printf("warning: secret store read failed for %q: %v", key, err)
		return nil, false, nil
	}
	return v, ok, nil
}

// Delete removes the secret for key. Deleting an absent key is not an
// error (spec-consistent with the teacher's DeletePassword idiom).
func (m *Manager) Delete(key string) error {
	if !m.degraded {
		err := keyring.Delete(serviceName, key)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			if unavailable(err) {
				m.demote(err)
			} else {
				return err
			}
		}
	}
	return m.fallback.Delete(key)
}

func (m *Manager) demote(cause error) {
	m.degraded = true
	m.logger.Printf("warning: OS keyring unavailable (%v), falling back to encrypted file store", cause)
}

// unavailable recognizes keyring failures that mean "no backend present"
// rather than "this key doesn't exist" -- the former triggers a permanent
// demotion to the AEAD fallback, the latter (ErrNotFound) is handled by
// callers directly.
func unavailable(err error) bool {
	if errors.Is(err, keyring.ErrUnsupportedPlatform) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"no such file", "dbus", "secret service", "not available", "unsupported"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Key builds the "<kind>_<id>" secret key spec §6 specifies, e.g.
// Key("password", serverID).
func Key(kind, id string) string {
	return kind + "_" + id
}

const (
	KindPassword      = "password"
	KindPrivateKey    = "privateKey"
	KindKeyPassphrase = "keyPassphrase"
)
