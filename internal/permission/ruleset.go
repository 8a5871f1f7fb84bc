package permission

// Evaluate resolves the action for a (permission, pattern) probe against one
// or more rulesets. Rulesets are concatenated in argument order, so later
// lists take precedence; within the merged list the last matching rule wins.
// With no match the probe defaults to ask.
func Evaluate(permission, pattern string, rulesets ...Ruleset) Rule {
	var merged Ruleset
	for _, rs := range rulesets {
		merged = append(merged, rs...)
	}
	for i := len(merged) - 1; i >= 0; i-- {
		rule := merged[i]
		if Match(permission, rule.Permission) && Match(pattern, rule.Pattern) {
			return rule
		}
	}
	return Rule{Permission: permission, Pattern: "*", Action: ActionAsk}
}

// matching returns every rule of the merged rulesets that matches the probe,
// in evaluation order. Used to report which rules produced a denial.
func matching(permission, pattern string, rulesets ...Ruleset) Ruleset {
	var out Ruleset
	for _, rs := range rulesets {
		for _, rule := range rs {
			if Match(permission, rule.Permission) && Match(pattern, rule.Pattern) {
				out = append(out, rule)
			}
		}
	}
	return out
}
