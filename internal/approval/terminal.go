package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// TerminalPrincipal is recorded as the resolver of terminal answers.
const TerminalPrincipal = "terminal"

// TerminalRequester prompts on the controlling terminal.
// Non-interactive sessions never approve.
type TerminalRequester struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	interactive func() bool
	logger      *slog.Logger
}

// NewTerminalRequester reads from stdin and prompts on stderr.
func NewTerminalRequester(logger *slog.Logger) *TerminalRequester {
	return NewTerminalRequesterIO(os.Stdin, os.Stderr, func() bool {
		return term.IsTerminal(int(os.Stdin.Fd()))
	}, logger)
}

// NewTerminalRequesterIO is NewTerminalRequester with explicit streams, for tests.
func NewTerminalRequesterIO(in io.Reader, out io.Writer, interactive func() bool, logger *slog.Logger) *TerminalRequester {
	if logger == nil {
		logger = slog.Default()
	}
	return &TerminalRequester{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		logger:      logger,
	}
}

// RequestApproval prints the request and waits for an answer or the timeout.
func (t *TerminalRequester) RequestApproval(ctx context.Context, req Request, timeout time.Duration) (Resolution, error) {
	d, err := t.prompt(ctx, req, timeout)
	if d == DecisionNone {
		return Resolution{}, err
	}
	return Resolution{Decision: d, ResolvedBy: TerminalPrincipal}, err
}

func (t *TerminalRequester) prompt(ctx context.Context, req Request, timeout time.Duration) (Decision, error) {
	if !t.interactive() {
		t.logger.WarnContext(ctx, "approval requested without a terminal, denying",
			slog.String("tool", req.ToolName),
		)
		return DecisionDeny, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "APPROVAL REQUIRED")
	fmt.Fprintf(t.out, "  Tool:   %s\n", req.ToolName)
	if len(req.Params) > 0 {
		fmt.Fprintf(t.out, "  Params: %v\n", req.Params)
	}
	fmt.Fprintf(t.out, "  Risk:   %s (trust: %s)\n", req.RiskLevel, req.TrustLevel)
	if req.Reason != "" {
		fmt.Fprintf(t.out, "  Reason: %s\n", req.Reason)
	}
	if req.AgentID != "" {
		fmt.Fprintf(t.out, "  Agent:  %s\n", req.AgentID)
	}
	fmt.Fprintf(t.out, "[o] allow once  [s] allow for session  [a] always allow  [d] deny  (%s): ", timeout)

	lines := make(chan string, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		if err != nil && line == "" {
			close(lines)
			return
		}
		lines <- line
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-lines:
		if !ok {
			return DecisionDeny, nil
		}
		return parseAnswer(line), nil
	case <-timer.C:
		fmt.Fprintln(t.out, "\ntimed out")
		return DecisionNone, nil
	case <-ctx.Done():
		return DecisionNone, ctx.Err()
	}
}

func parseAnswer(line string) Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "o", "once", "y", "yes":
		return DecisionAllowOnce
	case "s", "session":
		return DecisionAllowSession
	case "a", "always":
		return DecisionAllowAlways
	default:
		return DecisionDeny
	}
}
