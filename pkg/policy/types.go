// Package policy evaluates Rego admission policies against a run plan
// before any raster is modified. Policies express operational guardrails
// the engine's own validation does not cover, such as capping the
// percentage change a scenario may request.
package policy

import (
	"math"
	"time"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

// Severity grades a policy violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning should be reviewed but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Policy is one admission rule with its Rego source.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source. Its package must export a `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set
	// their own.
	Severity Severity `json:"severity"`

	// Enabled marks the policy active.
	Enabled bool `json:"enabled"`

	// Metadata carries provenance such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is a single policy denial.
type Violation struct {
	// Policy is the policy that produced the violation.
	Policy string `json:"policy"`

	// Layer is the offending layer key, when the violation is
	// layer-scoped.
	Layer string `json:"layer,omitempty"`

	// Zone is the offending zone index, -1 when not zone-scoped.
	Zone int `json:"zone"`

	// Message is the human-readable denial reason.
	Message string `json:"message"`

	// Severity grades the violation.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all policies against one plan.
type Result struct {
	// Allowed is false when any violation carries error severity.
	Allowed bool `json:"allowed"`

	// Violations lists every denial, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is the evaluation timestamp.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document handed to Rego as `input`. It is a flattened view
// of the plan: geometry is omitted, only rules and attributes matter to
// admission.
type Input struct {
	// Mode is the classified processing mode.
	Mode string `json:"mode"`

	// Layers lists the declared layers with their rules.
	Layers []LayerInput `json:"layers"`

	// Zones lists the zones with their numeric attributes.
	Zones []ZoneInput `json:"zones"`

	// Limits carries configured thresholds for the built-in policies.
	Limits Limits `json:"limits"`
}

// LayerInput is one layer as seen by policies.
type LayerInput struct {
	Key      string `json:"key"`
	Rule     string `json:"rule"`
	Fraction bool   `json:"fraction"`
	Missing  bool   `json:"missing"`
}

// ZoneInput is one zone as seen by policies.
type ZoneInput struct {
	Index      int                `json:"index"`
	Attributes map[string]float64 `json:"attributes"`
}

// Limits carries configured thresholds into policy evaluation.
type Limits struct {
	// MaxPctMagnitude caps |pct| per zone attribute; zero disables the
	// built-in cap.
	MaxPctMagnitude float64 `json:"max_pct_magnitude"`
}

// InputFromPlan flattens an engine plan into the policy input document.
func InputFromPlan(plan *engine.Plan, limits Limits) *Input {
	in := &Input{Mode: string(plan.Mode), Limits: limits}
	for _, ref := range plan.Layers {
		in.Layers = append(in.Layers, LayerInput{
			Key:      string(ref.Key),
			Rule:     string(ref.Rule),
			Fraction: ref.Fraction(),
			Missing:  ref.Missing,
		})
	}
	for i, attrs := range plan.ZoneAttributes {
		// Missing attributes surface as NaN, which JSON cannot carry;
		// policies treat absence and NaN the same way.
		clean := make(map[string]float64, len(attrs))
		for k, v := range attrs {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				clean[k] = v
			}
		}
		in.Zones = append(in.Zones, ZoneInput{Index: i, Attributes: clean})
	}
	return in
}
