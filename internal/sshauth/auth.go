// Package sshauth builds *ssh.ClientConfig values for a ServerRecord and
// classifies the errors ssh.Dial returns into the typed sentinels the
// control API reports to callers (spec C6/§7). The auth-method priority
// order, host-key capture trick, and dial-error keyword classification are
// adapted directly from the teacher's sshmanager.Manager -- generalized from
// a ~/.ssh/config alias onto a persisted ServerRecord, since this daemon has
// no SSH config file to read identities from.
package sshauth

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"

	"tunnelgate/internal/model"
)

// dialTimeout bounds both the host-key capture probe and the real dial.
const dialTimeout = 10 * time.Second

// Credentials carries the secret material BuildClientConfig needs, resolved
// by the caller from internal/secretstore (this package never touches the
// secret store directly, to keep it testable without a keyring).
type Credentials struct {
	Password      string // optional, takes priority when set
	PrivateKeyPEM []byte
	KeyPassphrase string
}

// BuildClientConfig constructs an *ssh.ClientConfig for rec, given resolved
// credentials and the known_hosts file path to verify against.
//
// Auth method priority mirrors the teacher's _getAuthMethods: an explicitly
// supplied password first, then a private key: the in-memory key material
// if any, else (for key-auth records) the file at rec.KeyPath, with a
// leading "~/" expanded to the home directory. If neither yields a usable
// method, PasswordRequiredError is returned so the worker can surface a
// credential prompt instead of a generic dial failure.
func BuildClientConfig(rec model.ServerRecord, creds Credentials, knownHostsPath string) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	keyPEM := creds.PrivateKeyPEM
	if len(keyPEM) == 0 && rec.AuthType == model.AuthKey && rec.KeyPath != "" {
		path := rec.KeyPath
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file for server %s: %w", rec.ID, err)
		}
		keyPEM = data
	}

	if len(keyPEM) > 0 {
		signer, err := parsePrivateKey(keyPEM, creds.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key for server %s: %w", rec.ID, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, &model.PasswordRequiredError{ServerID: rec.ID}
	}

	hostKeyCallback, err := hostKeyCallback(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            rec.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

func parsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}
	return cb.HostKeyCallback(), nil
}

func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// captureHostKeyError interrupts an ssh.Dial the instant the server's host
// key is presented, before any authentication is attempted.
type captureHostKeyError struct {
	key ssh.PublicKey
}

func (e *captureHostKeyError) Error() string { return "host key captured" }

// CaptureHostKey dials rec just far enough to observe its host key, without
// attempting authentication or verifying the key against known_hosts.
func CaptureHostKey(rec model.ServerRecord) (ssh.PublicKey, error) {
	cfg := &ssh.ClientConfig{
		User: rec.Username,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return &captureHostKeyError{key: key}
		},
		Timeout: dialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", rec.Host, rec.SSHPort)
	client, err := ssh.Dial("tcp", addr, cfg)
	if client != nil {
		client.Close()
	}

	var captured *captureHostKeyError
	if errors.As(err, &captured) {
		return captured.key, nil
	}
	return nil, fmt.Errorf("capture host key for %s: %w", addr, err)
}

// TrustHostKey appends key to the known_hosts file for rec's address, in the
// format knownhosts.Line produces (one entry per accepted server).
func TrustHostKey(rec model.ServerRecord, key ssh.PublicKey, knownHostsPath string) error {
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return err
	}
	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts for writing: %w", err)
	}
	defer f.Close()

	addr := fmt.Sprintf("[%s]:%d", rec.Host, rec.SSHPort)
	line := knownhosts.Line([]string{addr}, key)

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > 0 {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write known_hosts entry: %w", err)
	}
	return nil
}

// ClassifyDialError maps an ssh.Dial failure to one of the daemon's typed
// sentinels, using the same keyword heuristics as the teacher's
// VerifyConnection -- the x/crypto/ssh client never distinguishes these
// with typed errors, only strings.
func ClassifyDialError(serverID string, err error, attemptedAuth bool) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "no supported methods remain") {
		return &model.PasswordRequiredError{ServerID: serverID}
	}

	authFailureKeywords := []string{
		"unable to authenticate",
		"permission denied",
		"invalid password",
		"publickey denied",
		"authentication failed",
	}
	for _, kw := range authFailureKeywords {
		if strings.Contains(msg, kw) {
			if attemptedAuth {
				return &model.AuthenticationFailedError{ServerID: serverID}
			}
			return err
		}
	}

	return err
}

// Dial connects to rec over TCP and completes the SSH handshake, returning
// a classified error on failure.
func Dial(rec model.ServerRecord, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := fmt.Sprintf("%s:%d", rec.Host, rec.SSHPort)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, ClassifyDialError(rec.ID, err, len(cfg.Auth) > 0)
	}
	return client, nil
}
