package policy

import (
	"testing"

	"github.com/org/accessgate/pkg/models"
)

func operator() models.Policy {
	return models.Policy{
		Name: "operator",
		Rules: map[string]models.PathRule{
			"provisioning/state": {Capabilities: []string{models.CapRead}},
			"access/**":          {Capabilities: []string{models.CapRead, models.CapWrite}},
			"manual-tasks/*":     {Capabilities: []string{models.CapRead}},
		},
	}
}

func TestExactMatch(t *testing.T) {
	eng := NewEngine([]models.Policy{operator()})

	if !eng.IsAllowed([]string{"operator"}, models.CapRead, "provisioning/state") {
		t.Error("expected read on provisioning/state")
	}
	if eng.IsAllowed([]string{"operator"}, models.CapWrite, "provisioning/state") {
		t.Error("expected write on provisioning/state to be denied")
	}
}

func TestGlobs(t *testing.T) {
	eng := NewEngine([]models.Policy{operator()})
	cases := []struct {
		path    string
		cap     string
		allowed bool
	}{
		{"access/123/grant", models.CapWrite, true},
		{"access/123", models.CapRead, true},
		{"access", models.CapRead, true},
		{"accessories", models.CapRead, false},
		{"manual-tasks/abc", models.CapRead, true},
		{"manual-tasks/abc/complete", models.CapRead, false},
		{"credentials", models.CapRead, false},
	}
	for _, tc := range cases {
		got := eng.IsAllowed([]string{"operator"}, tc.cap, tc.path)
		if got != tc.allowed {
			t.Errorf("IsAllowed(%s, %s) = %v, want %v", tc.cap, tc.path, got, tc.allowed)
		}
	}
}

func TestRootPolicy(t *testing.T) {
	eng := NewEngine(nil)
	for _, c := range []string{models.CapRead, models.CapWrite, models.CapSudo} {
		if !eng.IsAllowed([]string{RootPolicy}, c, "provisioning/restore") {
			t.Errorf("root should allow %s", c)
		}
	}
}

func TestUnknownPolicyDenies(t *testing.T) {
	eng := NewEngine([]models.Policy{operator()})
	if eng.IsAllowed([]string{"nobody"}, models.CapRead, "access/1") {
		t.Error("unknown policy must not grant access")
	}
	if eng.IsAllowed(nil, models.CapRead, "access/1") {
		t.Error("no policies must not grant access")
	}
}

func TestCapabilities(t *testing.T) {
	eng := NewEngine([]models.Policy{operator()})
	caps := eng.Capabilities([]string{"operator"}, "access/1/retry")
	if len(caps) != 2 || caps[0] != models.CapRead || caps[1] != models.CapWrite {
		t.Errorf("Capabilities = %v, want [read write]", caps)
	}
}

func TestNames(t *testing.T) {
	names := NewEngine([]models.Policy{operator()}).Names()
	if len(names) != 2 || names[0] != "operator" || names[1] != RootPolicy {
		t.Errorf("Names = %v, want [operator root]", names)
	}
}
