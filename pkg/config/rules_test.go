package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

func writeRules(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRulesJSON(t *testing.T) {
	path := writeRules(t, "rules.json", `{
		"IMD": "pct",
		"bsf.nc": "replace",
		"F_AC": null,
		"TRV": "none"
	}`)

	rf, err := LoadRules(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, engine.RuleMap{
		"IMD":  engine.RulePct,
		"BSF":  engine.RuleReplace,
		"F_AC": engine.RuleNone,
		"TRV":  engine.RuleNone,
	}, rf.Rules)
	assert.Equal(t, path, rf.Source)
}

func TestLoadRulesJSONUnknownKind(t *testing.T) {
	path := writeRules(t, "rules.json", `{"IMD": "mask"}`)
	_, err := LoadRules(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown rule "mask"`)
}

func TestLoadRulesJSONConflictingDuplicate(t *testing.T) {
	// "imd.nc" and "IMD" normalize to the same key; conflicting kinds must
	// be rejected instead of silently keeping one.
	path := writeRules(t, "rules.json", `{"imd.nc": "pct", "IMD": "replace"}`)
	_, err := LoadRules(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestLoadRulesStarlark(t *testing.T) {
	path := writeRules(t, "rules.star", `
_kinds = fractions(["ac", "ai", "ah"], "pct")
rules = dict(_kinds)
rules["IMD"] = "pct"
rules["TRV"] = None
`)

	rf, err := LoadRules(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, engine.RuleMap{
		"F_AC": engine.RulePct,
		"F_AI": engine.RulePct,
		"F_AH": engine.RulePct,
		"IMD":  engine.RulePct,
		"TRV":  engine.RuleNone,
	}, rf.Rules)
}

func TestLoadRulesStarlarkMissingGlobal(t *testing.T) {
	path := writeRules(t, "rules.star", `layers = {"IMD": "pct"}`)
	_, err := LoadRules(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "`rules` dict")
}

func TestLoadRulesUnsupportedExtension(t *testing.T) {
	path := writeRules(t, "rules.yaml", "IMD: pct\n")
	_, err := LoadRules(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported rule file format")
}

func TestDescribeRules(t *testing.T) {
	lines := DescribeRules(engine.RuleMap{
		"IMD":  engine.RulePct,
		"F_AC": engine.RuleNone,
	})
	assert.Equal(t, []string{"F_AC: none", "IMD: pct"}, lines)
}
