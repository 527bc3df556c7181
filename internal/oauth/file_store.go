package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	stateDir  = ".config/mcpkit"
	stateFile = "oauth.json"
)

// fileRecord is everything persisted for one server.
type fileRecord struct {
	Token    *Token          `json:"token,omitempty"`
	Client   *ClientInfo     `json:"client,omitempty"`
	Metadata *ServerMetadata `json:"metadata,omitempty"`
	Session  *AuthSession    `json:"session,omitempty"`
}

// FileStorage persists OAuth state to a JSON file under the user's
// config directory. Writes are atomic (temp file + rename) and the file
// is created 0600.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

// NewFileStorage stores under ~/.config/mcpkit/oauth.json.
func NewFileStorage() (*FileStorage, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewFileStorageAt(filepath.Join(home, stateDir, stateFile)), nil
}

// NewFileStorageAt stores at a specific path.
func NewFileStorageAt(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (s *FileStorage) Token(serverURL string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := records[NormalizeURL(serverURL)]; ok {
		return rec.Token, nil
	}
	return nil, nil
}

func (s *FileStorage) SetToken(serverURL string, token *Token) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Token = token })
}

func (s *FileStorage) DeleteToken(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Token = nil })
}

func (s *FileStorage) Client(serverURL string) (*ClientInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := records[NormalizeURL(serverURL)]; ok {
		return rec.Client, nil
	}
	return nil, nil
}

func (s *FileStorage) SetClient(serverURL string, client *ClientInfo) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Client = client })
}

func (s *FileStorage) Metadata(serverURL string) (*ServerMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := records[NormalizeURL(serverURL)]; ok {
		return rec.Metadata, nil
	}
	return nil, nil
}

func (s *FileStorage) SetMetadata(serverURL string, metadata *ServerMetadata) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Metadata = metadata })
}

func (s *FileStorage) AuthSession(serverURL string) (*AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := records[NormalizeURL(serverURL)]; ok {
		return rec.Session, nil
	}
	return nil, nil
}

func (s *FileStorage) SetAuthSession(serverURL string, session *AuthSession) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Session = session })
}

func (s *FileStorage) DeleteAuthSession(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Session = nil })
}

func (s *FileStorage) update(serverURL string, mutate func(*fileRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	key := NormalizeURL(serverURL)
	rec := records[key]
	if rec == nil {
		rec = &fileRecord{}
	}
	mutate(rec)
	if rec.Token == nil && rec.Client == nil && rec.Metadata == nil && rec.Session == nil {
		delete(records, key)
	} else {
		records[key] = rec
	}
	return s.save(records)
}

// load reads the state file (caller must hold the lock).
func (s *FileStorage) load() (map[string]*fileRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*fileRecord{}, nil
		}
		return nil, fmt.Errorf("read oauth state: %w", err)
	}
	records := map[string]*fileRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse oauth state: %w", err)
	}
	return records, nil
}

// save writes the state file atomically (caller must hold the lock).
func (s *FileStorage) save(records map[string]*fileRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write oauth state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename oauth state: %w", err)
	}
	return nil
}
