// ABOUTME: Credential storage for the upstream access/refresh token pair
// ABOUTME: File-backed (0600 JSON) for the CLI, in-memory for tests and embedding

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoCredentials is returned when no stored token pair exists.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials is the upstream bearer token pair.
type Credentials struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// CredentialStore persists the token pair between refreshes.
type CredentialStore interface {
	Load() (Credentials, error)
	Save(Credentials) error
}

// FileCredentialStore keeps credentials in a JSON file readable only by the owner.
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialStore creates a store backed by path.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// Load reads the stored credentials. A missing file yields ErrNoCredentials.
func (s *FileCredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials: %w", err)
	}
	return creds, nil
}

// Save atomically replaces the stored credentials.
func (s *FileCredentialStore) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing credentials: %w", err)
	}
	return nil
}

// MemoryCredentialStore keeps credentials in process memory.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds Credentials
	saved bool
}

// NewMemoryCredentialStore creates a store seeded with creds. An empty pair
// behaves like a missing file.
func NewMemoryCredentialStore(creds Credentials) *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: creds, saved: creds != Credentials{}}
}

func (s *MemoryCredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return Credentials{}, ErrNoCredentials
	}
	return s.creds, nil
}

func (s *MemoryCredentialStore) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.saved = true
	return nil
}
