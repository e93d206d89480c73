package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkResult is the outcome of a rule script evaluation.
type StarlarkResult struct {
	// Output holds the script's exported globals, converted to Go values.
	Output map[string]interface{}

	// ExecutionTime is how long the script ran.
	ExecutionTime time.Duration
}

// StarlarkEvaluator executes rule scripts in a sandboxed Starlark thread.
// Scripts cannot reach the filesystem or the network; their only effect is
// the globals they leave behind.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs a script with the given input bound as predeclared globals
// and returns the script's exported globals. Names starting with "_" stay
// private to the script.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	resultCh := make(chan *StarlarkResult, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := se.run(script, input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- &StarlarkResult{Output: out}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("starlark evaluation timed out after %v", se.timeout)
	case err := <-errCh:
		return nil, err
	case res := <-resultCh:
		res.ExecutionTime = time.Since(start)
		return res, nil
	}
}

func (se *StarlarkEvaluator) run(script string, input map[string]interface{}) (map[string]interface{}, error) {
	thread := &starlark.Thread{
		Name:  "zoneshift",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"fractions": starlark.NewBuiltin("fractions", builtinFractions),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("converting input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, "rules.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		gv, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("converting output %s: %w", name, err)
		}
		output[name] = gv
	}
	return output, nil
}

// builtinFractions builds a rule dict assigning one kind to a list of
// fraction class suffixes: fractions(["ac", "ai"], "pct") returns
// {"F_AC": "pct", "F_AI": "pct"}.
func builtinFractions(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var classes *starlark.List
	var kind string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "classes", &classes, "kind", &kind); err != nil {
		return nil, err
	}
	dict := starlark.NewDict(classes.Len())
	for i := 0; i < classes.Len(); i++ {
		s, ok := starlark.AsString(classes.Index(i))
		if !ok {
			return nil, fmt.Errorf("fractions: class %d is %s, want string", i, classes.Index(i).Type())
		}
		key := "F_" + strings.ToUpper(s)
		if err := dict.SetKey(starlark.String(key), starlark.String(kind)); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// toStarlarkValue converts a Go value to its Starlark counterpart.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to a plain Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		items := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = gv
		}
		return items, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s, want string", item[0].Type())
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[key] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
