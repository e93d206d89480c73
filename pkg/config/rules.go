package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

// LoadRules reads a per-layer rule file. JSON files map layer names to rule
// kinds, with JSON null treated as "none"; .star files are Starlark scripts
// whose global `rules` dict provides the same mapping. Layer names are
// normalized the same way raster filenames are, so "imd.nc" and "IMD" name
// the same layer.
func LoadRules(ctx context.Context, path string) (*RuleFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading rules %s: %w", path, err)
	}

	var rules engine.RuleMap
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		rules, err = parseJSONRules(raw)
	case ".star":
		rules, err = evalStarlarkRules(ctx, string(raw))
	default:
		err = fmt.Errorf("unsupported rule file format %q (use .json or .star)",
			filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("config: rules %s: %w", path, err)
	}
	return &RuleFile{Rules: rules, Source: path, LoadedAt: time.Now()}, nil
}

// parseJSONRules decodes a flat JSON object of layer name to rule kind.
func parseJSONRules(raw []byte) (engine.RuleMap, error) {
	var doc map[string]*string
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	rules := make(engine.RuleMap, len(doc))
	for name, kind := range doc {
		k := engine.RuleNone
		if kind != nil {
			k = engine.RuleKind(strings.ToLower(strings.TrimSpace(*kind)))
		}
		if !k.Valid() {
			return nil, fmt.Errorf("layer %s: unknown rule %q (use replace, pct or none)",
				name, *kind)
		}
		key := engine.KeyFor(name)
		if prev, ok := rules[key]; ok && prev != k {
			return nil, fmt.Errorf("layer %s declared twice with conflicting rules %q and %q",
				key, prev, k)
		}
		rules[key] = k
	}
	return rules, nil
}

// evalStarlarkRules runs a Starlark rule script and extracts its `rules`
// global. The script receives no input; it exists so scenarios can derive
// rule sets programmatically instead of enumerating layers by hand.
func evalStarlarkRules(ctx context.Context, script string) (engine.RuleMap, error) {
	ev := NewStarlarkEvaluator(0)
	res, err := ev.Evaluate(ctx, script, nil)
	if err != nil {
		return nil, err
	}
	out, ok := res.Output["rules"]
	if !ok {
		return nil, fmt.Errorf("script defines no `rules` dict")
	}
	dict, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("`rules` is %T, want a dict of layer name to rule kind", out)
	}

	rules := make(engine.RuleMap, len(dict))
	for name, v := range dict {
		var k engine.RuleKind
		switch kv := v.(type) {
		case nil:
			k = engine.RuleNone
		case string:
			k = engine.RuleKind(strings.ToLower(strings.TrimSpace(kv)))
		default:
			return nil, fmt.Errorf("layer %s: rule is %T, want string or None", name, v)
		}
		if !k.Valid() {
			return nil, fmt.Errorf("layer %s: unknown rule %q (use replace, pct or none)", name, k)
		}
		rules[engine.KeyFor(name)] = k
	}
	return rules, nil
}

// DescribeRules renders a rule map as stable "KEY: kind" lines for CLI
// output.
func DescribeRules(rules engine.RuleMap) []string {
	keys := rules.Keys()
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("%s: %s", k, rules[k])
	}
	return lines
}
