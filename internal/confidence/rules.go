package confidence

import "sort"

// RulePreferAICause lets an AI model's cause of death win over a structured
// reference source's cause, even when the AI answer is less specific.
const RulePreferAICause = "prefer_ai_cause"

var defaultRules = map[string]bool{
	RulePreferAICause: true,
}

// RuleSet toggles named merge rules. Rules absent from the set fall back to
// their defaults.
type RuleSet map[string]bool

// DefaultRules returns every known rule at its default setting.
func DefaultRules() RuleSet {
	rs := make(RuleSet, len(defaultRules))
	for k, v := range defaultRules {
		rs[k] = v
	}
	return rs
}

// RulesFromConfig overlays configured toggles onto the defaults.
func RulesFromConfig(overrides map[string]bool) RuleSet {
	rs := DefaultRules()
	for k, v := range overrides {
		rs[k] = v
	}
	return rs
}

// Enabled reports whether the named rule is on.
func (rs RuleSet) Enabled(name string) bool {
	if v, ok := rs[name]; ok {
		return v
	}
	return defaultRules[name]
}

// Names lists the rules in the set, sorted.
func (rs RuleSet) Names() []string {
	names := make([]string, 0, len(rs))
	for k := range rs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
