package policy

// BuiltinPolicies returns the policies compiled into the binary. They are
// always loaded; file-based policies from the configured directory are
// added on top.
func BuiltinPolicies() []Policy {
	return []Policy{
		pctMagnitudePolicy(),
		missingLayerPolicy(),
		mixedNonePolicy(),
		unbackedReplacePolicy(),
	}
}

// pctMagnitudePolicy blocks runs requesting a percentage change beyond the
// configured cap. The cap arrives through input.limits and a zero cap
// disables the policy.
func pctMagnitudePolicy() Policy {
	return Policy{
		Name:        "pct-magnitude",
		Description: "Caps the absolute percentage change a zone attribute may request",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package zoneshift.policies.pct_magnitude

import rego.v1

deny contains violation if {
	limit := input.limits.max_pct_magnitude
	limit > 0

	some layer in input.layers
	layer.rule == "pct"

	some zone in input.zones
	value := zone.attributes[layer.key]
	abs(value) > limit

	violation := {
		"message": sprintf("zone %d requests a %v%% change on %s, cap is %v%%", [zone.index, value, layer.key, limit]),
		"severity": "error",
		"layer": layer.key,
		"zone": zone.index,
	}
}
`,
	}
}

// missingLayerPolicy surfaces declared layers whose raster is absent. The
// engine already skips them with a warning; the policy exists so operators
// can raise the severity to error in a file-based override.
func missingLayerPolicy() Policy {
	return Policy{
		Name:        "missing-layer",
		Description: "Reports declared layers whose raster file is absent",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package zoneshift.policies.missing_layer

import rego.v1

deny contains violation if {
	some layer in input.layers
	layer.missing

	violation := {
		"message": sprintf("layer %s is declared but its raster is absent", [layer.key]),
		"severity": "warning",
		"layer": layer.key,
	}
}
`,
	}
}

// unbackedReplacePolicy flags replace rules that no zone attribute column
// backs: validation would fail later with a missing-attribute error, and
// the policy names the offending layer up front.
func unbackedReplacePolicy() Policy {
	return Policy{
		Name:        "unbacked-replace",
		Description: "Flags replace rules without a backing zone attribute column",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package zoneshift.policies.unbacked_replace

import rego.v1

backed(key) if {
	some zone in input.zones
	zone.attributes[key]
}

deny contains violation if {
	input.mode == "replace"
	count(input.zones) > 0

	some layer in input.layers
	layer.rule == "replace"
	not layer.missing
	not backed(layer.key)

	violation := {
		"message": sprintf("no zone carries an attribute column for replace layer %s", [layer.key]),
		"severity": "warning",
		"layer": layer.key,
	}
}
`,
	}
}

// mixedNonePolicy flags fraction members declared "none" in a mixed
// proportional run: they take a 0% change but are still rewritten by the
// rebalance, which can surprise operators expecting an untouched file.
func mixedNonePolicy() Policy {
	return Policy{
		Name:        "mixed-none-fractions",
		Description: "Flags fraction layers declared none in a mixed proportional run",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package zoneshift.policies.mixed_none

import rego.v1

deny contains violation if {
	input.mode == "pct-mixed"

	some layer in input.layers
	layer.fraction
	layer.rule == "none"

	violation := {
		"message": sprintf("%s is declared none but will be rewritten by the group rebalance", [layer.key]),
		"severity": "warning",
		"layer": layer.key,
	}
}
`,
	}
}
