package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/gateway/httpapi"
	"github.com/jkaninda/guardian/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve Guardian to an MCP host over stdio",
	Long: `Speak the Model Context Protocol on stdin/stdout. The host calls
evaluate_tool_call before each tool call. Pending approvals are pushed to the
configured webhook and answered with resolve_approval.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
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

	guard := sc.NewGuardian(approval.NewGatewayRequester(sc.Approvals, sc.Forwarders, logger))
	svc := httpapi.NewService(guard, sc.Approvals, sc.AuditQuery, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return mcpserver.New(svc, version, logger).Serve(ctx, os.Stdin, os.Stdout)
}
