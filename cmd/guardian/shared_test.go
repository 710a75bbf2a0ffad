package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/jkaninda/guardian/internal/config"
	"github.com/jkaninda/guardian/internal/guardian"
	"github.com/jkaninda/guardian/internal/security"
	"github.com/jkaninda/guardian/internal/storage"
)

func TestInitShared_FileStorage(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sc, err := initShared(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Store.Driver() != storage.DriverFile {
		t.Errorf("driver = %q, want file", sc.Store.Driver())
	}
	if sc.AuditQuery != nil {
		t.Error("file storage should not offer audit queries")
	}
	if sc.Adjudicator != nil {
		t.Error("adjudicator should be disabled by default")
	}

	g := sc.NewGuardian(nil)
	tests := []struct {
		tool      string
		params    map[string]any
		wantBlock bool
		wantTier  guardian.Tier
	}{
		{"read", map[string]any{"path": "README.md"}, false, guardian.TierRules},
		{"exec", map[string]any{"command": "make build"}, true, guardian.TierHuman},
	}
	for _, tt := range tests {
		out := g.EvaluateDetailed(context.Background(), tt.tool, tt.params, guardian.CallContext{AgentID: "builder"})
		if out.Block != tt.wantBlock || out.Tier != tt.wantTier {
			t.Errorf("%s: block=%v tier=%s, want block=%v tier=%s (%s)",
				tt.tool, out.Block, out.Tier, tt.wantBlock, tt.wantTier, out.BlockReason)
		}
	}
	sc.Cleanup()

	data, err := os.ReadFile(cfg.AuditLogPath())
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("audit lines = %d, want 2", lines)
	}
}

func TestGuardianConfig(t *testing.T) {
	limit := 1.0
	p := &config.PolicyConfig{
		ApprovalThreshold:      "medium",
		ApprovalTimeoutSeconds: 30,
		Rules:                  []config.RuleConfig{{Tool: "read", Action: "allow"}},
		Agents: map[string]config.AgentConfig{
			"builder": {
				ApprovalThreshold: "critical",
				Rules:             []config.RuleConfig{{Tool: "exec", Action: "deny"}},
				Budget:            &config.AgentBudgetLimit{DailyLimit: &limit},
			},
		},
	}

	got := guardianConfig(p)
	if got.ApprovalThreshold != security.RiskMedium {
		t.Errorf("threshold = %s", got.ApprovalThreshold)
	}
	if got.ApprovalTimeout.Seconds() != 30 {
		t.Errorf("timeout = %v", got.ApprovalTimeout)
	}
	if len(got.Rules) != 1 {
		t.Errorf("rules = %d, want 1", len(got.Rules))
	}
	ov, ok := got.Agents["builder"]
	if !ok {
		t.Fatal("missing builder override")
	}
	if ov.Threshold == nil || *ov.Threshold != security.RiskCritical {
		t.Errorf("agent threshold = %v", ov.Threshold)
	}
	if len(ov.Rules) != 1 || ov.Budget == nil || *ov.Budget.DailyLimit != 1 {
		t.Errorf("agent override = %+v", ov)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		cfg       config.LoggingConfig
		wantDebug bool
		wantInfo  bool
	}{
		{config.LoggingConfig{}, false, true},
		{config.LoggingConfig{Level: "debug", Format: "json"}, true, true},
		{config.LoggingConfig{Level: "error"}, false, false},
	}
	for _, tt := range tests {
		l := newLogger(tt.cfg)
		ctx := context.Background()
		if got := l.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
			t.Errorf("%+v: debug enabled = %v", tt.cfg, got)
		}
		if got := l.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
			t.Errorf("%+v: info enabled = %v", tt.cfg, got)
		}
	}
}
