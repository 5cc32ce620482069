package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPrecedence(t *testing.T) {
	p := &Policy{
		Allow: []string{"filesystem.read", "web.*"},
		Ask:   []string{"web.*", "shell.run"},
		Deny:  []string{"web.post"},
	}

	cases := []struct {
		capability string
		want       Action
		matched    string
	}{
		{"web.post", Deny, "web.post"},      // deny beats ask and allow
		{"web.fetch", Ask, "web.*"},         // ask beats allow
		{"filesystem.read", Allow, "filesystem.read"},
		{"shell.run", Ask, "shell.run"},
		{"totally.unknown", Ask, ""},        // default
	}
	for _, tc := range cases {
		t.Run(tc.capability, func(t *testing.T) {
			d := p.Check(tc.capability)
			assert.Equal(t, tc.want, d.Action)
			assert.Equal(t, tc.matched, d.Matched)
		})
	}
}

func TestCheckGlobPatterns(t *testing.T) {
	p := &Policy{Deny: []string{"shell.*"}}
	assert.Equal(t, Deny, p.Check("shell.run").Action)
	assert.Equal(t, Deny, p.Check("shell.write").Action)
	assert.Equal(t, Ask, p.Check("filesystem.read").Action)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Allow, p.Check("filesystem.read").Action)
	assert.Equal(t, Ask, p.Check("shell.run").Action)
	assert.Equal(t, Ask, p.Check("git.push").Action)
}

func TestPersistDecisionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")

	require.NoError(t, PersistDecision(path, "shell.run", Allow))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Allow, p.Check("shell.run").Action)

	// Flipping the decision moves the capability between lists.
	require.NoError(t, PersistDecision(path, "shell.run", Deny))
	p, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, Deny, p.Check("shell.run").Action)
	assert.NotContains(t, p.Allow, "shell.run")
}

func TestPersistDecisionValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	assert.Error(t, PersistDecision(path, "", Allow))
	assert.Error(t, PersistDecision(path, "shell.run", Action("maybe")))
}
