package oauth

import "sync"

// Storage persists OAuth state per normalized server URL: tokens, the
// registered client, discovered server metadata, and in-flight
// authorization sessions. Implementations must be safe for concurrent
// use. A nil value with a nil error means "not stored".
type Storage interface {
	Token(serverURL string) (*Token, error)
	SetToken(serverURL string, token *Token) error
	DeleteToken(serverURL string) error

	Client(serverURL string) (*ClientInfo, error)
	SetClient(serverURL string, client *ClientInfo) error

	Metadata(serverURL string) (*ServerMetadata, error)
	SetMetadata(serverURL string, metadata *ServerMetadata) error

	AuthSession(serverURL string) (*AuthSession, error)
	SetAuthSession(serverURL string, session *AuthSession) error
	DeleteAuthSession(serverURL string) error
}

// MemoryStorage is the default Storage: process-local maps behind one
// mutex. Nothing survives a restart.
type MemoryStorage struct {
	mu       sync.Mutex
	tokens   map[string]*Token
	clients  map[string]*ClientInfo
	metadata map[string]*ServerMetadata
	sessions map[string]*AuthSession
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tokens:   make(map[string]*Token),
		clients:  make(map[string]*ClientInfo),
		metadata: make(map[string]*ServerMetadata),
		sessions: make(map[string]*AuthSession),
	}
}

func (s *MemoryStorage) Token(serverURL string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[NormalizeURL(serverURL)], nil
}

func (s *MemoryStorage) SetToken(serverURL string, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[NormalizeURL(serverURL)] = token
	return nil
}

func (s *MemoryStorage) DeleteToken(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, NormalizeURL(serverURL))
	return nil
}

func (s *MemoryStorage) Client(serverURL string) (*ClientInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[NormalizeURL(serverURL)], nil
}

func (s *MemoryStorage) SetClient(serverURL string, client *ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[NormalizeURL(serverURL)] = client
	return nil
}

func (s *MemoryStorage) Metadata(serverURL string) (*ServerMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[NormalizeURL(serverURL)], nil
}

func (s *MemoryStorage) SetMetadata(serverURL string, metadata *ServerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[NormalizeURL(serverURL)] = metadata
	return nil
}

func (s *MemoryStorage) AuthSession(serverURL string) (*AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[NormalizeURL(serverURL)], nil
}

func (s *MemoryStorage) SetAuthSession(serverURL string, session *AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[NormalizeURL(serverURL)] = session
	return nil
}

func (s *MemoryStorage) DeleteAuthSession(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, NormalizeURL(serverURL))
	return nil
}
