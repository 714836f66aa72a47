package client

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var errMissingSessionPath = errors.New("client: session file path is required")

// SessionStore supplies the opaque session identifier advertised during the
// transport handshake. The identifier disambiguates concurrent devices for
// the same user and must survive reconnects within one client installation.
type SessionStore interface {
	SessionID() (string, error)
}

// FileSessionStoreConfig configures the file-backed session store.
type FileSessionStoreConfig struct {
	Path string
}

// FileSessionStore persists a generated session identifier in a local file,
// creating it on first use.
type FileSessionStore struct {
	path string
}

// NewFileSessionStore constructs a FileSessionStore.
func NewFileSessionStore(cfg FileSessionStoreConfig) (*FileSessionStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errMissingSessionPath
	}
	return &FileSessionStore{path: cfg.Path}, nil
}

// SessionID returns the stored identifier, generating and persisting a fresh
// one when the file does not yet exist.
func (s *FileSessionStore) SessionID() (string, error) {
	raw, err := os.ReadFile(s.path)
	if err == nil {
		sessionID := strings.TrimSpace(string(raw))
		if sessionID != "" {
			return sessionID, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	sessionID := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.path, []byte(sessionID), 0o600); err != nil {
		return "", err
	}
	return sessionID, nil
}
