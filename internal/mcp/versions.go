package mcp

// SupportedProtocolVersions lists the MCP protocol versions this client
// implements, oldest first. The set is frozen at build time; negotiation
// outside it fails the session.
var SupportedProtocolVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
	"2025-11-25",
}

const (
	// DefaultProtocolVersion is offered during the initialize handshake.
	DefaultProtocolVersion = "2025-03-26"

	// LatestProtocolVersion is the newest version in the supported set.
	LatestProtocolVersion = "2025-11-25"
)

// SupportedVersion reports whether v is in the supported set.
func SupportedVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}
