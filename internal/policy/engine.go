// Package policy decides which admin API paths an API key may use.
package policy

import (
	"path"
	"sort"
	"strings"

	"github.com/org/accessgate/pkg/models"
)

// RootPolicy grants every capability on every path. It is always defined.
const RootPolicy = "root"

// Engine evaluates path rules from a fixed set of named policies.
type Engine struct {
	policies map[string]models.Policy
}

func NewEngine(policies []models.Policy) *Engine {
	e := &Engine{policies: make(map[string]models.Policy, len(policies)+1)}
	for _, p := range policies {
		e.policies[p.Name] = p
	}
	e.policies[RootPolicy] = models.Policy{
		Name:  RootPolicy,
		Rules: map[string]models.PathRule{"*": {Capabilities: []string{models.CapSudo}}},
	}
	return e
}

// IsAllowed reports whether any of the named policies grants capability on reqPath.
// Unknown policy names grant nothing.
func (e *Engine) IsAllowed(policies []string, capability, reqPath string) bool {
	for _, name := range policies {
		pol, ok := e.policies[name]
		if !ok {
			continue
		}
		for pattern, rule := range pol.Rules {
			if matchPath(pattern, reqPath) && rule.HasCapability(capability) {
				return true
			}
		}
	}
	return false
}

// Names lists the defined policies, root included.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.policies))
	for n := range e.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Capabilities lists the capabilities the named policies grant on reqPath.
func (e *Engine) Capabilities(policies []string, reqPath string) []string {
	set := map[string]bool{}
	for _, name := range policies {
		for pattern, rule := range e.policies[name].Rules {
			if matchPath(pattern, reqPath) {
				for _, c := range rule.Capabilities {
					set[c] = true
				}
			}
		}
	}
	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// matchPath matches reqPath against a glob:
//   - "access/*"  matches one more segment
//   - "access/**" matches any number of segments, including zero
//   - "*"         matches everything
func matchPath(pattern, reqPath string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	reqPath = strings.TrimPrefix(reqPath, "/")

	if pattern == "*" {
		return true
	}
	if prefix, suffix, ok := strings.Cut(pattern, "**"); ok {
		if !strings.HasPrefix(reqPath, prefix) {
			// "access/**" also covers "access" itself.
			return strings.TrimSuffix(prefix, "/") == reqPath && suffix == ""
		}
		if suffix == "" || suffix == "/" {
			return true
		}
		return strings.HasSuffix(reqPath[len(prefix):], strings.TrimPrefix(suffix, "/"))
	}

	matched, err := path.Match(pattern, reqPath)
	return err == nil && matched
}
