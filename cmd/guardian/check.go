package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/gateway/httpapi"
	"github.com/jkaninda/guardian/internal/guardian"
)

// Exit codes for the check command.
const (
	ExitAllowed = 0
	ExitFailure = 1
	ExitBlocked = 2
)

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var (
	checkParams  string
	checkAgent   string
	checkSession string
	checkOwner   bool
)

var checkCmd = &cobra.Command{
	Use:   "check <tool>",
	Short: "Evaluate one tool call and print the decision",
	Long: `Run a single tool call through the full decision pipeline.
When approval.interactive is set and stdin is a terminal, calls that need a
human are asked on the terminal; otherwise they are blocked.

Examples:
  guardian check read --params '{"path":"README.md"}'
  guardian check exec --params '{"command":"rm -rf /tmp/x"}' --agent builder --owner

Exit codes:
  0  allowed
  1  failure
  2  blocked`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVarP(&checkParams, "params", "p", "", "tool parameters as a JSON object")
	checkCmd.Flags().StringVar(&checkAgent, "agent", "", "calling agent id")
	checkCmd.Flags().StringVar(&checkSession, "session", "", "session key")
	checkCmd.Flags().BoolVar(&checkOwner, "owner", false, "the request came from the owner")
}

func runCheck(_ *cobra.Command, args []string) error {
	var params map[string]any
	if checkParams != "" {
		if err := json.Unmarshal([]byte(checkParams), &params); err != nil {
			return fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var approver approval.Requester
	if cfg.Approval.Interactive {
		approver = approval.NewTerminalRequester(logger)
	}
	svc := httpapi.NewService(sc.NewGuardian(approver), nil, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := svc.Evaluate(ctx, "cli", httpapi.EvaluateRequest{
		ToolName: args[0],
		Params:   params,
		Context: guardian.CallContext{
			AgentID:       checkAgent,
			SessionKey:    checkSession,
			SenderIsOwner: checkOwner,
		},
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Block {
		return exitError{code: ExitBlocked}
	}
	return nil
}
