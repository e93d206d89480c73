package engine

// Classify derives the single ProcessingMode of a run from the declared
// rule set. It is a pure function over the rule map: how many of the named
// layers actually exist on disk does not influence the result (absent files
// are a separate MissingLayer condition handled by the orchestrator).
//
// The mode is total over the whole rule set or not at all: any mixture
// containing "replace" together with "pct" or "none" yields ModeInvalidMix
// and a RuleConflict error, and nothing is processed.
func Classify(rules RuleMap) (ProcessingMode, error) {
	if len(rules) == 0 {
		return ModeSkip, Newf(CodeRuleConflict, "rule set is empty")
	}

	var hasReplace, hasPct, hasNone bool
	for key, kind := range rules {
		switch kind {
		case RuleReplace:
			hasReplace = true
		case RulePct:
			hasPct = true
		case RuleNone:
			hasNone = true
		default:
			return ModeInvalidMix,
				Newf(CodeRuleConflict, "unknown rule kind %q", kind).WithLayer(key)
		}
	}

	switch {
	case hasReplace && (hasPct || hasNone):
		return ModeInvalidMix, Newf(CodeRuleConflict,
			"replace rules cannot be mixed with pct or none rules; use replace exclusively")
	case hasReplace:
		return ModeReplace, nil
	case hasPct && hasNone:
		return ModeProportionalMixed, nil
	case hasPct:
		return ModeProportionalUniform, nil
	default:
		return ModeSkip, nil
	}
}
