// Package crypto: secure local storage for operational secrets.
//
// Secrets are kept as individually encrypted files under a 0700 directory
// inside the data dir, keyed by a machine-derived key. Any platform secret
// store (keychain, credential manager) satisfies the same get/set/delete
// contract; the file store is the portable implementation.
package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecureStore provides encrypted-at-rest storage for named secrets.
type SecureStore struct {
	configDir string
	machineID string
}

// NewSecureStore creates a SecureStore rooted at configDir.
func NewSecureStore(configDir string) *SecureStore {
	return &SecureStore{
		configDir: configDir,
		machineID: machineIdentifier(),
	}
}

// Set stores a secret under the given name, replacing any existing value.
func (s *SecureStore) Set(name, value string) error {
	if s.configDir == "" {
		return fmt.Errorf("config directory not set for secure storage")
	}

	secureDir := filepath.Join(s.configDir, "secure")
	if err := os.MkdirAll(secureDir, 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	machineKey := GetMachineKey(s.machineID)
	encrypted, err := EncryptString(value, string(machineKey))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	path := filepath.Join(secureDir, sanitizeName(name)+".cred")
	if err := os.WriteFile(path, []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}

	return nil
}

// Get retrieves a stored secret. Returns ErrSecretNotFound if the secret
// does not exist.
func (s *SecureStore) Get(name string) (string, error) {
	if s.configDir == "" {
		return "", fmt.Errorf("config directory not set for secure storage")
	}

	path := filepath.Join(s.configDir, "secure", sanitizeName(name)+".cred")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	machineKey := GetMachineKey(s.machineID)
	value, err := DecryptString(string(data), string(machineKey))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return value, nil
}

// Delete removes a stored secret. Deleting a missing secret is not an error.
func (s *SecureStore) Delete(name string) error {
	if s.configDir == "" {
		return fmt.Errorf("config directory not set for secure storage")
	}

	path := filepath.Join(s.configDir, "secure", sanitizeName(name)+".cred")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete secret file: %w", err)
	}

	return nil
}

// Has reports whether a secret exists without decrypting it.
func (s *SecureStore) Has(name string) bool {
	path := filepath.Join(s.configDir, "secure", sanitizeName(name)+".cred")
	_, err := os.Stat(path)
	return err == nil
}

// ErrSecretNotFound is returned by Get for a missing secret.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// sanitizeName strips path-traversal characters out of a secret name
// before it becomes a filename.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	return name
}

// machineIdentifier returns a stable per-machine identifier used as part
// of the encryption key for the file store.
func machineIdentifier() string {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		return "machine:" + strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		return "machine:" + strings.TrimSpace(string(data))
	}
	hostname, _ := os.Hostname()
	return "host:" + hostname
}
