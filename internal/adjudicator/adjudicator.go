// Package adjudicator implements Tier 2: a delegated model reviews an escalated
// tool call against a constitution and answers allow, deny or escalate.
// Every failure path resolves to escalate.
package adjudicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/guardian/internal/llm"
	"github.com/jkaninda/guardian/internal/security"
)

const (
	// MaxTimeout caps how long Tier 2 may hold a call.
	MaxTimeout       = 5 * time.Second
	defaultMaxTokens = 256
)

// DefaultConstitution is used when no agent, file or inline constitution is configured.
const DefaultConstitution = `You are a security reviewer for an autonomous agent. You decide whether a tool call the agent wants to make should run.

Allow routine, scoped operations whose effects are limited to the agent's working area.
Deny calls that destroy data, exfiltrate secrets or credentials, escalate privileges, disable safeguards, or message people at large without clear purpose.
Escalate to a human whenever you are unsure, the intent is ambiguous, or the call is irreversible but plausibly legitimate.`

const outputDirective = `Respond with exactly one JSON object and nothing else:
{"decision": "allow" | "deny" | "escalate", "reason": "<one short sentence>"}`

// FailureKind classifies why a verdict was not produced by the model.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureTimeout FailureKind = "timeout"
	FailureCall    FailureKind = "call_error"
	FailureParse   FailureKind = "parse_error"
)

// Verdict is the Tier 2 outcome. Failed verdicts always carry DecisionEscalate.
type Verdict struct {
	Decision security.Decision
	Reason   string
	Failure  FailureKind
	Duration time.Duration
}

// CompleteFunc is an opaque text completion call.
type CompleteFunc func(ctx context.Context, system, user string, maxTokens int) (string, error)

// FromProvider adapts an llm.Provider to a CompleteFunc.
func FromProvider(p llm.Provider) CompleteFunc {
	return func(ctx context.Context, system, user string, maxTokens int) (string, error) {
		resp, err := p.SendMessage(ctx, &llm.Request{
			SystemPrompt: system,
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
			MaxTokens:    maxTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// Config configures the adjudicator.
type Config struct {
	Constitution       string
	ConstitutionPath   string
	AgentConstitutions map[string]string
	Timeout            time.Duration
	MaxTokens          int
}

// Input is the call under review.
type Input struct {
	Tool    string
	Params  map[string]any
	Risk    security.RiskLevel
	Trust   security.TrustLevel
	AgentID string
}

// Adjudicator runs Tier 2 reviews. Safe for concurrent use.
type Adjudicator struct {
	cfg              Config
	fileConstitution string
	complete         CompleteFunc
	logger           *slog.Logger
}

// New creates an adjudicator. A constitution file that cannot be read is logged
// and skipped, falling back to the inline or default constitution.
func New(cfg Config, complete CompleteFunc, logger *slog.Logger) *Adjudicator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adjudicator{cfg: cfg, complete: complete, logger: logger}
	if cfg.ConstitutionPath != "" {
		data, err := os.ReadFile(cfg.ConstitutionPath)
		if err != nil {
			logger.Warn("reading constitution file failed",
				slog.String("path", cfg.ConstitutionPath),
				slog.String("error", err.Error()),
			)
		} else {
			a.fileConstitution = strings.TrimSpace(string(data))
		}
	}
	return a
}

// Timeout returns the effective hard timeout: the configured value, capped at MaxTimeout.
func (a *Adjudicator) Timeout() time.Duration {
	if a.cfg.Timeout <= 0 || a.cfg.Timeout > MaxTimeout {
		return MaxTimeout
	}
	return a.cfg.Timeout
}

// Constitution resolves the policy text: agent-specific, then file, then inline, then default.
func (a *Adjudicator) Constitution(agentID string) string {
	if c := strings.TrimSpace(a.cfg.AgentConstitutions[agentID]); agentID != "" && c != "" {
		return c
	}
	if a.fileConstitution != "" {
		return a.fileConstitution
	}
	if c := strings.TrimSpace(a.cfg.Constitution); c != "" {
		return c
	}
	return DefaultConstitution
}

// SystemPrompt is the constitution followed by the output format directive.
func (a *Adjudicator) SystemPrompt(agentID string) string {
	return a.Constitution(agentID) + "\n\n" + outputDirective
}

// Adjudicate reviews the call. It never returns an error: timeouts, call errors
// and unparseable answers all yield an escalate verdict with a diagnostic reason.
func (a *Adjudicator) Adjudicate(ctx context.Context, in Input) Verdict {
	start := time.Now()
	timeout := a.Timeout()
	maxTokens := a.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	system, user := a.SystemPrompt(in.AgentID), BuildUserPrompt(in)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("adjudicator panicked: %v", r)}
			}
		}()
		text, err := a.complete(cctx, system, user, maxTokens)
		ch <- result{text: text, err: err}
	}()

	var v Verdict
	select {
	case r := <-ch:
		switch {
		case r.err != nil && errors.Is(r.err, context.DeadlineExceeded):
			v = failed(FailureTimeout, fmt.Sprintf("adjudicator timed out after %s", timeout))
		case r.err != nil:
			v = failed(FailureCall, "adjudicator call failed: "+r.err.Error())
		default:
			d, reason, err := ParseVerdict(r.text)
			if err != nil {
				v = failed(FailureParse, "adjudicator response unusable: "+err.Error())
			} else {
				v = Verdict{Decision: d, Reason: reason}
			}
		}
	case <-cctx.Done():
		if ctx.Err() != nil {
			v = failed(FailureCall, "adjudication cancelled: "+ctx.Err().Error())
		} else {
			v = failed(FailureTimeout, fmt.Sprintf("adjudicator timed out after %s", timeout))
		}
	}
	v.Duration = time.Since(start)

	attrs := []any{
		slog.String("tool", in.Tool),
		slog.String("decision", string(v.Decision)),
		slog.Duration("duration", v.Duration),
	}
	if v.Failure != FailureNone {
		a.logger.WarnContext(ctx, "adjudicator failed, escalating",
			append(attrs, slog.String("failure", string(v.Failure)), slog.String("reason", v.Reason))...)
	} else {
		a.logger.InfoContext(ctx, "adjudicator verdict", attrs...)
	}
	return v
}

func failed(kind FailureKind, reason string) Verdict {
	return Verdict{Decision: security.DecisionEscalate, Reason: reason, Failure: kind}
}
