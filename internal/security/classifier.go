package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// baseRisk is the static default risk per normalized tool name.
// Tools absent from the table classify as RiskMedium.
var baseRisk = map[string]RiskLevel{
	// Read-only.
	"read":             RiskLow,
	"glob":             RiskLow,
	"grep":             RiskLow,
	"ls":               RiskLow,
	"list":             RiskLow,
	"search":           RiskLow,
	"web_search":       RiskLow,
	"web_fetch":        RiskLow,
	"memory_get":       RiskLow,
	"memory_search":    RiskLow,
	"session_status":   RiskLow,
	"sessions_list":    RiskLow,
	"sessions_history": RiskLow,
	"image":            RiskLow,

	// Mutating.
	"write":         RiskMedium,
	"edit":          RiskMedium,
	"apply_patch":   RiskMedium,
	"memory_write":  RiskMedium,
	"canvas":        RiskMedium,
	"tts":           RiskMedium,
	"sessions_send": RiskMedium,

	// Execution and control.
	"exec":           RiskHigh,
	"bash":           RiskHigh,
	"shell":          RiskHigh,
	"process":        RiskHigh,
	"browser":        RiskHigh,
	"message":        RiskHigh,
	"cron":           RiskHigh,
	"nodes":          RiskHigh,
	"sessions_spawn": RiskHigh,
	"subagents":      RiskHigh,

	// System level.
	"gateway": RiskCritical,
	"system":  RiskCritical,
}

// ParamEscalation raises the risk of a call when a parameter matches a pattern.
type ParamEscalation struct {
	Tools      []string // empty matches every tool
	ParamKey   string
	Pattern    *regexp.Regexp
	EscalateTo RiskLevel
	Label      string
}

func (e ParamEscalation) matchesTool(tool string) bool {
	if len(e.Tools) == 0 {
		return true
	}
	for _, t := range e.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

var (
	shellTools = []string{"exec", "bash", "shell", "process"}
	fileTools  = []string{"write", "edit", "apply_patch"}
	sendTools  = []string{"message", "sessions_send"}

	sensitivePath = `(^|/)\.env\b|(^|/)\.ssh/|id_(rsa|dsa|ecdsa|ed25519)|(^|/)\.aws/|(^|/)\.kube/config|credentials|/etc/(passwd|shadow|sudoers|hosts)|(^|/)\.git/config|(^|/)\.(npmrc|pypirc|netrc|docker/config\.json)|\.pem$|\.key$`
)

// paramEscalations is evaluated in order; the first match wins.
var paramEscalations = []ParamEscalation{
	{
		Tools:    shellTools,
		ParamKey: "command",
		Pattern: regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r|-r\s+-f|-f\s+-r|--recursive\s+--force|--force\s+--recursive)\b` +
			`|\bmkfs(\.\w+)?\b|\bdd\s+if=|\bshred\b|\bwipefs\b|>\s*/dev/(sd|nvme|hd)|:\(\)\s*\{\s*:\|:&\s*\};:` +
			`|\b(shutdown|reboot|halt|poweroff)\b|\bchmod\s+(-R\s+)?0?777\s+/|\bgit\s+push\s+.*--force\b|\bdrop\s+(table|database)\b`),
		EscalateTo: RiskCritical,
		Label:      "destructive command",
	},
	{
		Tools:      shellTools,
		ParamKey:   "command",
		Pattern:    regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b|\beval\s+"?\$\(`),
		EscalateTo: RiskCritical,
		Label:      "remote code execution",
	},
	{
		Tools:      shellTools,
		ParamKey:   "command",
		Pattern:    regexp.MustCompile(`(?i)\bsudo\b|\bsu\s+-|\bchown\s+(-R\s+)?root\b|\bsetcap\b`),
		EscalateTo: RiskCritical,
		Label:      "privilege escalation",
	},
	{
		Tools:      fileTools,
		ParamKey:   "path",
		Pattern:    regexp.MustCompile(`(?i)` + sensitivePath),
		EscalateTo: RiskCritical,
		Label:      "sensitive path",
	},
	{
		Tools:      fileTools,
		ParamKey:   "file_path",
		Pattern:    regexp.MustCompile(`(?i)` + sensitivePath),
		EscalateTo: RiskCritical,
		Label:      "sensitive path",
	},
	{
		Tools:      []string{"read"},
		ParamKey:   "path",
		Pattern:    regexp.MustCompile(`(?i)` + sensitivePath),
		EscalateTo: RiskHigh,
		Label:      "sensitive path read",
	},
	{
		Tools:      sendTools,
		ParamKey:   "target",
		Pattern:    regexp.MustCompile(`(?i)^\s*(\*|all|everyone|@all|@everyone|@channel|@here)\s*$|broadcast`),
		EscalateTo: RiskHigh,
		Label:      "broadcast message",
	},
	{
		Tools:      sendTools,
		ParamKey:   "message",
		Pattern:    regexp.MustCompile(`(?i)@(everyone|channel|here|all)\b`),
		EscalateTo: RiskHigh,
		Label:      "broadcast message",
	},
	{
		Tools:      []string{"browser", "web_fetch"},
		ParamKey:   "url",
		Pattern:    regexp.MustCompile(`(?i)169\.254\.169\.254|metadata\.google\.internal|^file://`),
		EscalateTo: RiskCritical,
		Label:      "internal metadata access",
	},
}

// Classification is the output of Classify.
type Classification struct {
	Risk  RiskLevel
	Label string // escalation label, empty when no escalation fired
}

// NormalizeTool trims and case-folds a tool name.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// BaseRisk returns the static default risk for a normalized tool name.
func BaseRisk(tool string) RiskLevel {
	if r, ok := baseRisk[tool]; ok {
		return r
	}
	return RiskMedium
}

// Classify computes the risk of a tool call. The tool name must already be normalized.
// The result is never below BaseRisk(tool).
func Classify(tool string, params map[string]any) Classification {
	c := Classification{Risk: BaseRisk(tool)}
	for _, esc := range paramEscalations {
		if !esc.matchesTool(tool) {
			continue
		}
		v, ok := params[esc.ParamKey]
		if !ok {
			continue
		}
		if esc.Pattern.MatchString(Stringify(v)) {
			c.Risk = MaxRisk(c.Risk, esc.EscalateTo)
			c.Label = esc.Label
			return c
		}
	}
	return c
}

// Stringify renders a parameter value for pattern matching.
// Strings pass through; everything else is JSON-encoded, falling back to fmt.
func Stringify(v any) (s string) {
	if str, ok := v.(string); ok {
		return str
	}
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("%T", v)
		}
	}()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
