// Package policy decides whether a capability may be exercised: allow, ask
// the user, or deny. Patterns are glob-style over capability strings and
// precedence is always deny > ask > allow.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
)

// Action is the outcome of a policy check.
type Action string

const (
	Allow Action = "allow"
	Ask   Action = "ask"
	Deny  Action = "deny"
)

// ValidAction reports whether a is a known action.
func ValidAction(a Action) bool {
	return a == Allow || a == Ask || a == Deny
}

// Decision carries the action and the pattern that produced it. Matched is
// empty when the capability fell through to the default.
type Decision struct {
	Action  Action
	Matched string
}

// Policy is the triple of pattern lists. Capabilities matching none of them
// default to ask.
type Policy struct {
	Allow []string `json:"allow"`
	Ask   []string `json:"ask"`
	Deny  []string `json:"deny"`
}

// Default is the policy used when no file exists: reads are free, anything
// that touches the system asks.
func Default() *Policy {
	return &Policy{
		Allow: []string{"filesystem.read", "filesystem.list"},
		Ask:   []string{"shell.run", "filesystem.write", "web.*", "git.*"},
		Deny:  nil,
	}
}

type policyFile struct {
	Permissions *Policy `json:"permissions"`
}

// Load reads the policy from a JSON file, returning Default when the file is
// missing.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var f policyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if f.Permissions == nil {
		return Default(), nil
	}
	return f.Permissions, nil
}

// Check evaluates capability against the pattern lists.
func (p *Policy) Check(capability string) Decision {
	if pat, ok := matchAny(p.Deny, capability); ok {
		return Decision{Action: Deny, Matched: pat}
	}
	if pat, ok := matchAny(p.Ask, capability); ok {
		return Decision{Action: Ask, Matched: pat}
	}
	if pat, ok := matchAny(p.Allow, capability); ok {
		return Decision{Action: Allow, Matched: pat}
	}
	return Decision{Action: Ask}
}

func matchAny(patterns []string, capability string) (string, bool) {
	for _, pat := range patterns {
		if matched, err := path.Match(pat, capability); err == nil && matched {
			return pat, true
		}
	}
	return "", false
}

// PersistDecision records an exact capability into the policy file so a
// remembered answer survives restarts. The capability is removed from every
// list before being re-added under the chosen action.
func PersistDecision(filePath, capability string, action Action) error {
	capability = strings.TrimSpace(capability)
	if capability == "" || !ValidAction(action) {
		return fmt.Errorf("persist decision: bad capability %q or action %q", capability, action)
	}

	var f policyFile
	if data, err := os.ReadFile(filePath); err == nil {
		// A corrupt file starts over rather than blocking the decision.
		_ = json.Unmarshal(data, &f)
	}
	if f.Permissions == nil {
		f.Permissions = &Policy{}
	}
	p := f.Permissions
	p.Allow = remove(p.Allow, capability)
	p.Ask = remove(p.Ask, capability)
	p.Deny = remove(p.Deny, capability)
	switch action {
	case Allow:
		p.Allow = append(p.Allow, capability)
	case Deny:
		p.Deny = append(p.Deny, capability)
	case Ask:
		p.Ask = append(p.Ask, capability)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return os.Rename(tmp, filePath)
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, x := range list {
		if x != item {
			out = append(out, x)
		}
	}
	return out
}
