package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// MCPServer declares one tool server the runtime should expose to the
// agent.
type MCPServer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Options configures one runtime client.
type Options struct {
	Model                  string      `json:"model"`
	SystemPrompt           string      `json:"system_prompt"`
	AllowedTools           []string    `json:"allowed_tools"`
	MCPServers             []MCPServer `json:"mcp_servers"`
	OutputFormat           string      `json:"output_format,omitempty"`
	IncludePartialMessages bool        `json:"include_partial_messages"`

	// Resume is the session id from a previous turn. Deliberately excluded
	// from ConfigHash: resuming a session is not a configuration change.
	Resume string `json:"-"`
}

// ConfigHash returns a stable digest of the configuration. Two Options
// values with the same hash are interchangeable for pool reuse.
func (o Options) ConfigHash() string {
	canonical := o
	canonical.AllowedTools = append([]string(nil), o.AllowedTools...)
	sort.Strings(canonical.AllowedTools)
	canonical.MCPServers = append([]MCPServer(nil), o.MCPServers...)
	sort.Slice(canonical.MCPServers, func(i, j int) bool {
		return canonical.MCPServers[i].Name < canonical.MCPServers[j].Name
	})

	// Field order in the struct fixes the JSON key order, so the digest is
	// stable across runs.
	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
