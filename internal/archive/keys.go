package archive

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// EnvKeyName is the environment variable holding the hex-encoded 256-bit
// archive master key.
const EnvKeyName = "ARCHIVE_MASTER_KEY"

// KeyManager owns the archive master key: it reads it from the environment,
// generates one on first use, and persists it to the env file so the parent
// system can decrypt archives later.
type KeyManager struct {
	EnvFile string
}

// Key returns the master key, generating and persisting a new one when none
// exists yet.
func (m *KeyManager) Key() ([]byte, error) {
	if v := os.Getenv(EnvKeyName); v != "" {
		key, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil || len(key) != keySize {
			return nil, fmt.Errorf("%s is not a %d-byte hex key", EnvKeyName, keySize)
		}
		return key, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	encoded := hex.EncodeToString(key)
	if err := m.persist(encoded); err != nil {
		return nil, err
	}
	if err := os.Setenv(EnvKeyName, encoded); err != nil {
		return nil, fmt.Errorf("set %s: %w", EnvKeyName, err)
	}
	return key, nil
}

// persist appends the key to the env file, creating it if missing. The file
// stays owner-readable only.
func (m *KeyManager) persist(encoded string) error {
	if m.EnvFile == "" {
		return nil
	}
	f, err := os.OpenFile(m.EnvFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n%s=%s\n", EnvKeyName, encoded); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}
