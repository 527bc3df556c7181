package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const keyringService = "mcpkit"

// KeyringStorage persists OAuth state in the system keychain, one JSON
// record per server. Tokens never touch disk in plaintext.
type KeyringStorage struct {
	mu sync.Mutex
}

// NewKeyringStorage probes keychain availability before returning. Use
// NewFileStorage as the fallback when it errors.
func NewKeyringStorage() (*KeyringStorage, error) {
	if _, err := keyring.Get(keyringService, "_probe"); err != nil && err != keyring.ErrNotFound {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	return &KeyringStorage{}, nil
}

func (s *KeyringStorage) Token(serverURL string) (*Token, error) {
	rec, err := s.loadRecord(serverURL)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Token, nil
}

func (s *KeyringStorage) SetToken(serverURL string, token *Token) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Token = token })
}

func (s *KeyringStorage) DeleteToken(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Token = nil })
}

func (s *KeyringStorage) Client(serverURL string) (*ClientInfo, error) {
	rec, err := s.loadRecord(serverURL)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Client, nil
}

func (s *KeyringStorage) SetClient(serverURL string, client *ClientInfo) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Client = client })
}

func (s *KeyringStorage) Metadata(serverURL string) (*ServerMetadata, error) {
	rec, err := s.loadRecord(serverURL)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Metadata, nil
}

func (s *KeyringStorage) SetMetadata(serverURL string, metadata *ServerMetadata) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Metadata = metadata })
}

func (s *KeyringStorage) AuthSession(serverURL string) (*AuthSession, error) {
	rec, err := s.loadRecord(serverURL)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Session, nil
}

func (s *KeyringStorage) SetAuthSession(serverURL string, session *AuthSession) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Session = session })
}

func (s *KeyringStorage) DeleteAuthSession(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Session = nil })
}

func (s *KeyringStorage) loadRecord(serverURL string) (*fileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(serverURL)
}

func (s *KeyringStorage) loadLocked(serverURL string) (*fileRecord, error) {
	data, err := keyring.Get(keyringService, keyringKey(serverURL))
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("parse keyring record: %w", err)
	}
	return &rec, nil
}

func (s *KeyringStorage) update(serverURL string, mutate func(*fileRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(serverURL)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &fileRecord{}
	}
	mutate(rec)

	key := keyringKey(serverURL)
	if rec.Token == nil && rec.Client == nil && rec.Metadata == nil && rec.Session == nil {
		if err := keyring.Delete(keyringService, key); err != nil && err != keyring.ErrNotFound {
			return fmt.Errorf("keyring delete: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal keyring record: %w", err)
	}
	if err := keyring.Set(keyringService, key, string(data)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// keyringKey sanitizes a server URL into a keychain account name.
func keyringKey(serverURL string) string {
	key := NormalizeURL(serverURL)
	key = strings.ReplaceAll(key, "://", "_")
	key = strings.ReplaceAll(key, "/", "_")
	key = strings.ReplaceAll(key, ":", "_")
	return key
}
