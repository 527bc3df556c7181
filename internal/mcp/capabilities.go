package mcp

// ServerInfo is the server's self-description from the initialize
// result.
type ServerInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ServerCapabilities is the server's capability declaration from the
// initialize result. A nil section means the feature is absent.
type ServerCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
	Resources *struct {
		Subscribe   bool `json:"subscribe,omitempty"`
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"resources,omitempty"`
	Prompts *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"prompts,omitempty"`
	Completions  *struct{}      `json:"completions,omitempty"`
	Logging      *struct{}      `json:"logging,omitempty"`
	Experimental map[string]any `json:"experimental,omitempty"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// Feature names accepted by AssertCapability.
const (
	FeatureTools             = "tools"
	FeatureResources         = "resources"
	FeatureResourceSubscribe = "resources.subscribe"
	FeaturePrompts           = "prompts"
	FeatureCompletions       = "completions"
	FeatureLogging           = "logging"
)

// AssertCapability fails with UnsupportedFeatureError when the server
// never declared the feature during initialize. Typed calls use it to
// fail locally instead of round-tripping a request the server cannot
// serve.
func (s *Session) AssertCapability(feature string) error {
	s.mu.Lock()
	caps := s.serverCaps
	s.mu.Unlock()

	ok := false
	switch feature {
	case FeatureTools:
		ok = caps.Tools != nil
	case FeatureResources:
		ok = caps.Resources != nil
	case FeatureResourceSubscribe:
		ok = caps.Resources != nil && caps.Resources.Subscribe
	case FeaturePrompts:
		ok = caps.Prompts != nil
	case FeatureCompletions:
		ok = caps.Completions != nil
	case FeatureLogging:
		ok = caps.Logging != nil
	}
	if !ok {
		return &UnsupportedFeatureError{Feature: feature}
	}
	return nil
}
