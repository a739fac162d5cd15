package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// keyFileSize is the raw byte length of a generated derivation key.
const keyFileSize = 32

// LoadOrGenerateKey returns the secret-derivation key stored at path,
// generating and persisting a new one on first run. The file holds the key
// base64url encoded with 0600 permissions. The decoded key must never
// appear in logs or audit metadata.
func LoadOrGenerateKey(path string) ([]byte, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("cryptox: prepare key dir: %w", err)
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateKeyFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("cryptox: read key file: %w", err)
	}

	// Tolerate a trailing newline from hand-created key files.
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("cryptox: decode key file: %w", err)
	}
	if len(key) < minKeySize {
		return nil, fmt.Errorf("cryptox: key file %s holds a short key (%d bytes)", path, len(key))
	}
	return key, nil
}

func generateKeyFile(path string) ([]byte, error) {
	key := make([]byte, keyFileSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("cryptox: write key file: %w", err)
	}
	return key, nil
}
