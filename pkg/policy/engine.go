package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

// Engine compiles and evaluates admission policies. It implements
// engine.Gate so the orchestrator can consult it between validation and
// application.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, limits Limits) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   limits,
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.compileAndStore(context.Background(), p); err != nil {
			return nil, fmt.Errorf("policy: compiling built-in %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadDir compiles every policy file under dir on top of the built-ins. A
// file-based policy with a built-in's name replaces it.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.compileAndStore(ctx, p); err != nil {
			return fmt.Errorf("policy: compiling %s: %w", p.Name, err)
		}
	}
	e.logger.Info().Int("count", len(policies)).Str("dir", dir).Msg("file policies loaded")
	return nil
}

// Check implements engine.Gate. It evaluates all policies against the plan
// and returns an error when any blocking violation is found.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan) error {
	res, err := e.Evaluate(ctx, plan)
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		if v.Severity == SeverityError {
			continue
		}
		e.logger.Warn().Str("policy", v.Policy).Str("layer", v.Layer).Msg(v.Message)
	}
	if res.Allowed {
		return nil
	}
	var msgs []string
	for _, v := range res.Violations {
		if v.Severity == SeverityError {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return fmt.Errorf("policy: %s", strings.Join(msgs, "; "))
}

// Evaluate runs every enabled policy against the plan and collects all
// violations. Evaluation failures of a single policy do not abort the
// others; they surface as error-severity violations of that policy.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.Plan) (*Result, error) {
	start := time.Now()
	input := InputFromPlan(plan, e.limits)

	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Allowed: true, EvaluatedAt: start}
	for _, name := range e.policyNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("policy evaluation failed")
			violations = []Violation{{
				Policy:   name,
				Zone:     -1,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}
		res.Violations = append(res.Violations, violations...)
	}
	for _, v := range res.Violations {
		if v.Severity == SeverityError {
			res.Allowed = false
			break
		}
	}
	res.Duration = time.Since(start)

	e.logger.Debug().Str("plan_id", plan.ID).Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).Dur("duration", res.Duration).
		Msg("plan evaluated")
	return res, nil
}

// evaluatePolicy queries the policy package's deny set for one input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation shapes one deny result. String results become messages with
// the policy's default severity; object results may override severity and
// carry layer and zone scoping.
func (e *Engine) toViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Zone: -1, Severity: p.Severity}
	switch d := result.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if layer, ok := d["layer"].(string); ok {
			v.Layer = layer
		}
		if zone, ok := d["zone"].(json.Number); ok {
			if z, err := zone.Int64(); err == nil {
				v.Zone = int(z)
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileAndStore parses and prepares one policy for evaluation.
func (e *Engine) compileAndStore(ctx context.Context, p Policy) error {
	if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
		return fmt.Errorf("parsing module: %w", err)
	}
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName(p.Rego))),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("preparing query: %w", err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: &p, query: query, compiled: time.Now()}
	e.mu.Unlock()
	return nil
}

// policyNames returns the loaded policy names in stable order.
func (e *Engine) policyNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPolicies returns the loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.policyNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// packageName extracts the package path from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "zoneshift.policies"
}
