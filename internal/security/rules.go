package security

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a declarative policy entry. Rules are immutable and ordered; the first match wins.
type Rule struct {
	ID            string
	ToolPattern   string            // glob: * any run, ? one character; empty matches every tool
	ParamPatterns map[string]string // key -> case-insensitive regex (substring on invalid regex)
	MinTrust      *TrustLevel
	RiskOverride  *RiskLevel
	Action        Decision // defaults to escalate
	Label         string
}

type paramMatcher struct {
	key    string
	re     *regexp.Regexp
	substr string
}

func (m paramMatcher) match(value string) bool {
	if m.re != nil {
		return m.re.MatchString(value)
	}
	return strings.Contains(strings.ToLower(value), m.substr)
}

// CompiledRule is a Rule with its patterns compiled once at load time.
type CompiledRule struct {
	Rule
	tool   *regexp.Regexp
	params []paramMatcher
}

// RuleSet is an ordered list of compiled rules.
type RuleSet []CompiledRule

// CompileRules precompiles tool globs and parameter patterns.
// Invalid parameter regexes degrade to substring matching; compilation never fails.
func CompileRules(rules []Rule) RuleSet {
	out := make(RuleSet, 0, len(rules))
	for _, r := range rules {
		if r.Action == "" {
			r.Action = DecisionEscalate
		}
		cr := CompiledRule{Rule: r}
		if r.ToolPattern != "" {
			cr.tool = globToRegexp(r.ToolPattern)
		}
		for key, pattern := range r.ParamPatterns {
			pm := paramMatcher{key: key}
			if re, err := regexp.Compile("(?i)" + pattern); err == nil {
				pm.re = re
			} else {
				pm.substr = strings.ToLower(pattern)
			}
			cr.params = append(cr.params, pm)
		}
		out = append(out, cr)
	}
	return out
}

// globToRegexp builds a fully anchored, case-insensitive regexp from a glob.
func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Matches reports whether the rule applies to the call.
func (r *CompiledRule) Matches(tool string, params map[string]any, trust TrustLevel) bool {
	if r.tool != nil && !r.tool.MatchString(tool) {
		return false
	}
	if r.MinTrust != nil && trust < *r.MinTrust {
		return false
	}
	for _, pm := range r.params {
		v, ok := params[pm.key]
		if !ok {
			return false
		}
		if !pm.match(Stringify(v)) {
			return false
		}
	}
	return true
}

// Name identifies the rule in reasons and logs.
func (r *CompiledRule) Name() string {
	if r.ID != "" {
		return r.ID
	}
	if r.ToolPattern != "" {
		return r.ToolPattern
	}
	return "*"
}

// Match returns the first rule in the set that applies.
func (rs RuleSet) Match(tool string, params map[string]any, trust TrustLevel) (*CompiledRule, bool) {
	for i := range rs {
		if rs[i].Matches(tool, params, trust) {
			return &rs[i], true
		}
	}
	return nil, false
}

// ValidateRule checks a rule's action and glob without compiling it.
func ValidateRule(r Rule) error {
	if r.Action != "" {
		if _, ok := ParseDecision(string(r.Action)); !ok {
			return fmt.Errorf("%w: rule %q has unknown action %q", ErrInvalidRule, r.ID, r.Action)
		}
	}
	return nil
}
