package adjudicator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/guardian/internal/security"
)

const (
	maxParamsChars    = 2000
	truncationMarker  = "... [truncated]"
	unserializableTag = "(unable to serialize params)"
)

var (
	errNoDecision      = errors.New("no JSON object with a decision found")
	errInvalidDecision = errors.New("decision must be allow, deny or escalate")
)

// BuildUserPrompt renders the call under review.
func BuildUserPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", in.Tool)
	fmt.Fprintf(&b, "Parameters: %s\n", formatParams(in.Params))
	fmt.Fprintf(&b, "Risk level: %s\n", in.Risk)
	fmt.Fprintf(&b, "Trust level: %s\n", in.Trust)
	if in.AgentID != "" {
		fmt.Fprintf(&b, "Agent: %s\n", in.AgentID)
	}
	return b.String()
}

func formatParams(params map[string]any) (s string) {
	defer func() {
		if recover() != nil {
			s = unserializableTag
		}
	}()
	data, err := json.Marshal(params)
	if err != nil {
		return unserializableTag
	}
	if len(data) <= maxParamsChars {
		return string(data)
	}
	return strings.ToValidUTF8(string(data[:maxParamsChars]), "") + truncationMarker
}

type rawVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// ParseVerdict extracts {decision, reason} from model output. The whole text is
// tried as JSON first; otherwise each balanced {...} span mentioning "decision"
// is tried in order, which tolerates prose and code fences around the object.
func ParseVerdict(text string) (security.Decision, string, error) {
	text = strings.TrimSpace(text)

	var rv rawVerdict
	if err := json.Unmarshal([]byte(text), &rv); err == nil {
		if d, ok := security.ParseDecision(rv.Decision); ok {
			return d, strings.TrimSpace(rv.Reason), nil
		}
	}

	sawCandidate := false
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			span := text[start : end+1]
			if strings.Contains(span, `"decision"`) {
				sawCandidate = true
				var rv rawVerdict
				if err := json.Unmarshal([]byte(span), &rv); err == nil {
					if d, ok := security.ParseDecision(rv.Decision); ok {
						return d, strings.TrimSpace(rv.Reason), nil
					}
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	if sawCandidate {
		return "", "", errInvalidDecision
	}
	return "", "", errNoDecision
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
