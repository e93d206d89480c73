package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

const customRego = `# Blocks replace runs outright.
package zoneshift.policies.no_replace

import rego.v1

deny contains violation if {
	input.mode == "replace"
	violation := {
		"message": "replace runs are not allowed in this environment",
		"severity": "error",
	}
}
`

func writePolicyDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadDirRego(t *testing.T) {
	dir := writePolicyDir(t, map[string]string{
		"no_replace.rego": customRego,
		"notes.txt":       "not a policy",
	})

	policies, err := NewLoader(zerolog.Nop()).LoadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "no_replace", p.Name)
	assert.Equal(t, "Blocks replace runs outright.", p.Description)
	assert.Equal(t, SeverityWarning, p.Severity)
	assert.True(t, p.Enabled)
}

func TestLoadDirJSON(t *testing.T) {
	dir := writePolicyDir(t, map[string]string{
		"cap.json": `{
			"name": "strict-cap",
			"description": "tighter cap for production",
			"severity": "error",
			"enabled": true,
			"rego": "package zoneshift.policies.strict\n\nimport rego.v1\n\ndeny contains \"blocked\" if { input.mode == \"invalid\" }\n"
		}`,
		"broken.json": `{"name": "incomplete"}`,
	})

	policies, err := NewLoader(zerolog.Nop()).LoadDir(context.Background(), dir)
	require.NoError(t, err, "a broken file is skipped, not fatal")
	require.Len(t, policies, 1)
	assert.Equal(t, "strict-cap", policies[0].Name)
	assert.Equal(t, SeverityError, policies[0].Severity)
}

func TestEngineLoadDirOverride(t *testing.T) {
	dir := writePolicyDir(t, map[string]string{"no_replace.rego": customRego})

	e, err := NewEngine(zerolog.Nop(), Limits{})
	require.NoError(t, err)
	require.NoError(t, e.LoadDir(context.Background(), dir))

	plan := &engine.Plan{
		ID:   "p",
		Mode: engine.ModeReplace,
		Layers: []engine.LayerRef{
			{Key: "IMD", Rule: engine.RuleReplace},
		},
		ZoneAttributes: []map[string]float64{{"IMD": 0.5}},
	}
	err = e.Check(context.Background(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replace runs are not allowed")
}
