package models

// Capability constants for admin API path rules.
const (
	CapRead  = "read"
	CapWrite = "write"
	CapSudo  = "sudo"
)

// PathRule defines what capabilities are allowed on a path.
type PathRule struct {
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// HasCapability returns true if the path rule grants the given capability.
func (p PathRule) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap || c == CapSudo {
			return true
		}
	}
	return false
}

// Policy is a named set of path-based access rules.
type Policy struct {
	Name  string              `json:"name" yaml:"name"`
	Rules map[string]PathRule `json:"path" yaml:"path"` // path glob → capabilities
}

// APIKey is an admin API credential resolved from configuration.
type APIKey struct {
	Name     string
	KeyHash  string
	Policies []string
}
