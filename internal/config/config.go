// Package config handles loading and validating Guardian configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/guardian/internal/security"
)

// EnvPrefix prefixes every environment override. Keys follow field names in
// snake case, e.g. GUARDIAN_GATEWAY_LISTEN_ADDR or GUARDIAN_POLICY_BUDGET_DAILY_LIMIT.
const EnvPrefix = "GUARDIAN"

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Guardian.
type Config struct {
	DataDir       string              `json:"data_dir,omitempty" yaml:"data_dir,omitempty" split_words:"true"` // Default: ~/.guardian
	Policy        PolicyConfig        `json:"guardian" yaml:"guardian" split_words:"true"`
	Adjudicator   AdjudicatorConfig   `json:"adjudicator" yaml:"adjudicator" split_words:"true"`
	Approval      ApprovalConfig      `json:"approval" yaml:"approval" split_words:"true"`
	Storage       StorageConfig       `json:"storage" yaml:"storage" split_words:"true"`
	Session       SessionConfig       `json:"session" yaml:"session" split_words:"true"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway" split_words:"true"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability" split_words:"true"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging" split_words:"true"`
}

// PolicyConfig holds the decision pipeline settings.
type PolicyConfig struct {
	ApprovalThreshold      string                 `json:"approval_threshold" yaml:"approval_threshold" split_words:"true"`             // low|medium|high|critical. Default: high.
	ApprovalTimeoutSeconds int                    `json:"approval_timeout_seconds" yaml:"approval_timeout_seconds" split_words:"true"` // Default: 120.
	Rules                  []RuleConfig           `json:"rules,omitempty" yaml:"rules,omitempty" ignored:"true"`
	Constitution           string                 `json:"constitution,omitempty" yaml:"constitution,omitempty" split_words:"true"`
	ConstitutionPath       string                 `json:"constitution_path,omitempty" yaml:"constitution_path,omitempty" split_words:"true"`
	Budget                 BudgetConfig           `json:"budget" yaml:"budget" split_words:"true"`
	Agents                 map[string]AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty" ignored:"true"`
}

// ApprovalTimeout returns the Tier 3 wait, defaulting to 120s.
func (p *PolicyConfig) ApprovalTimeout() time.Duration {
	if p.ApprovalTimeoutSeconds > 0 {
		return time.Duration(p.ApprovalTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// Threshold returns the parsed approval threshold, defaulting to high.
func (p *PolicyConfig) Threshold() security.RiskLevel {
	if r, ok := security.LookupRiskLevel(p.ApprovalThreshold); ok {
		return r
	}
	return security.RiskHigh
}

// RuleConfig is the file form of a security.Rule.
type RuleConfig struct {
	ID           string            `json:"id,omitempty" yaml:"id,omitempty"`
	Tool         string            `json:"tool,omitempty" yaml:"tool,omitempty"` // glob
	Params       map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	MinTrust     string            `json:"min_trust,omitempty" yaml:"min_trust,omitempty"`
	RiskOverride string            `json:"risk_override,omitempty" yaml:"risk_override,omitempty"`
	Action       string            `json:"action,omitempty" yaml:"action,omitempty"` // allow|deny|escalate. Default: escalate.
	Label        string            `json:"label,omitempty" yaml:"label,omitempty"`
}

// BudgetConfig configures the budget gate. Limits are in USD; nil means unlimited.
type BudgetConfig struct {
	Enabled         bool               `json:"enabled" yaml:"enabled" split_words:"true"`
	SessionLimit    *float64           `json:"session_limit,omitempty" yaml:"session_limit,omitempty" split_words:"true"`
	DailyLimit      *float64           `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty" split_words:"true"`
	PerToolCosts    map[string]float64 `json:"per_tool_costs,omitempty" yaml:"per_tool_costs,omitempty" ignored:"true"`
	DefaultToolCost float64            `json:"default_tool_cost" yaml:"default_tool_cost" split_words:"true"`
	OnExceeded      string             `json:"on_exceeded" yaml:"on_exceeded" split_words:"true"` // deny|escalate. Default: deny.
}

// AgentConfig overrides global policy for one agent.
type AgentConfig struct {
	ApprovalThreshold string            `json:"approval_threshold,omitempty" yaml:"approval_threshold,omitempty"`
	Rules             []RuleConfig      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Constitution      string            `json:"constitution,omitempty" yaml:"constitution,omitempty"`
	Budget            *AgentBudgetLimit `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// AgentBudgetLimit caps one agent's own spend.
type AgentBudgetLimit struct {
	SessionLimit *float64 `json:"session_limit,omitempty" yaml:"session_limit,omitempty"`
	DailyLimit   *float64 `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty"`
}

// AdjudicatorConfig configures Tier 2.
type AdjudicatorConfig struct {
	Enabled   bool            `json:"enabled" yaml:"enabled" split_words:"true"`
	Provider  ProviderConfig  `json:"provider" yaml:"provider" split_words:"true"`
	Fallback  *ProviderConfig `json:"fallback,omitempty" yaml:"fallback,omitempty" ignored:"true"`
	TimeoutMS int             `json:"timeout_ms" yaml:"timeout_ms" split_words:"true"` // Capped at 5000.
	MaxTokens int             `json:"max_tokens" yaml:"max_tokens" split_words:"true"`
}

// Timeout returns the configured adjudicator timeout, or zero for the default.
func (a *AdjudicatorConfig) Timeout() time.Duration {
	if a.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// ProviderConfig describes an OpenAI-compatible chat completion endpoint.
type ProviderConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty" split_words:"true"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty" split_words:"true"` // Fallback: OPENAI_API_KEY env var.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" split_words:"true"`
	Model   string `json:"model" yaml:"model" split_words:"true"`
}

// ApprovalConfig configures the human approval channel.
type ApprovalConfig struct {
	Webhook     WebhookConfig `json:"webhook" yaml:"webhook" split_words:"true"`
	Interactive bool          `json:"interactive" yaml:"interactive" split_words:"true"` // Prompt on the terminal for `guardian check`.
}

// WebhookConfig configures the approval webhook forwarder.
type WebhookConfig struct {
	URL               string            `json:"url,omitempty" yaml:"url,omitempty" split_words:"true"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" ignored:"true"`
	AllowPrivateHosts bool              `json:"allow_private_hosts" yaml:"allow_private_hosts" split_words:"true"`
}

// StorageConfig configures ledger and audit persistence.
type StorageConfig struct {
	Driver           string `json:"driver" yaml:"driver" split_words:"true"` // "file" (default), "sqlite" or "postgres".
	Path             string `json:"path,omitempty" yaml:"path,omitempty" split_words:"true"`
	DSN              string `json:"dsn,omitempty" yaml:"dsn,omitempty" split_words:"true"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" split_words:"true"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" split_words:"true"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" split_words:"true"` // Default: 1800 (30 min)
}

// StorageDriver returns the configured driver, defaulting to "file".
func (s *StorageConfig) StorageDriver() string {
	if s.Driver != "" {
		return strings.ToLower(s.Driver)
	}
	return "file"
}

// SessionConfig configures the session boundary.
type SessionConfig struct {
	ResetSchedule string `json:"reset_schedule,omitempty" yaml:"reset_schedule,omitempty" split_words:"true"` // Five-field cron. Empty = never.
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr" split_words:"true"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty" split_words:"true"` // Empty = no authentication.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs" split_words:"true"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes" split_words:"true"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit" split_words:"true"`
	WebSocket           WebSocketConfig `json:"websocket" yaml:"websocket" split_words:"true"`
}

// ListenAddress returns the listen address, defaulting to ":8484".
func (g *GatewayConfig) ListenAddress() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8484"
}

// MaxRequestSize returns the request body cap, defaulting to 1 MiB.
func (g *GatewayConfig) MaxRequestSize() int64 {
	if g.MaxRequestSizeBytes > 0 {
		return g.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" split_words:"true"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size" split_words:"true"`
}

// WebSocketConfig configures the approval push channel.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" split_words:"true"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" split_words:"true"`
}

// WSPath returns the WebSocket endpoint path, defaulting to "/ws/approvals".
func (w *WebSocketConfig) WSPath() string {
	if w.Path != "" {
		return w.Path
	}
	return "/ws/approvals"
}

// ObservabilityConfig configures metrics, tracing and health checks.
type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" split_words:"true"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" split_words:"true"`
	Health  HealthConfig  `json:"health" yaml:"health" split_words:"true"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" split_words:"true"`
	Path    string `json:"path" yaml:"path" split_words:"true"` // Default: "/metrics"
}

// MetricsPath returns the metrics path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" split_words:"true"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" split_words:"true"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" split_words:"true"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" split_words:"true"` // Default: "guardian"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" split_words:"true"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" split_words:"true"`         // Skip TLS for dev
	Environment string  `json:"environment" yaml:"environment" split_words:"true"`   // deployment.environment resource attribute
	// Attributes are extra resource attributes attached to every span.
	Attributes map[string]string `json:"attributes" yaml:"attributes" split_words:"true"`
}

// HealthConfig enables the /healthz and /readyz endpoints.
type HealthConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" split_words:"true"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" split_words:"true"`   // debug|info|warn|error. Default: info.
	Format string `json:"format" yaml:"format" split_words:"true"` // json|text. Default: text.
}

// DefaultConfigPath returns the default config file path (~/.guardian/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "guardian.yaml"
	}
	return filepath.Join(home, ".guardian", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// GUARDIAN_* environment variables take precedence over file values.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		if err := Parse(data, filepath.Ext(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if cfg.Adjudicator.Provider.APIKey == "" {
		cfg.Adjudicator.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Parse decodes YAML (ext .yml/.yaml) or JSON into cfg.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".guardian")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// LedgerPath returns the budget ledger path for the file driver.
func (c *Config) LedgerPath() string {
	if c.Storage.Path != "" && c.Storage.StorageDriver() == "file" {
		return c.Storage.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "budget-ledger.json")
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" && c.Storage.StorageDriver() == "sqlite" {
		return c.Storage.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "guardian.db")
}

// AuditLogPath returns the JSONL audit log path for the file driver.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

func (c *Config) validate() error {
	if t := c.Policy.ApprovalThreshold; t != "" {
		if _, ok := security.LookupRiskLevel(t); !ok {
			return fmt.Errorf("guardian.approval_threshold %q is not a risk level", t)
		}
	}
	if c.Policy.ApprovalTimeoutSeconds < 0 {
		return fmt.Errorf("guardian.approval_timeout_seconds must not be negative")
	}
	if _, err := BuildRules(c.Policy.Rules); err != nil {
		return fmt.Errorf("guardian.rules: %w", err)
	}
	b := c.Policy.Budget
	switch b.OnExceeded {
	case "", string(security.ExceededDeny), string(security.ExceededEscalate):
	default:
		return fmt.Errorf("guardian.budget.on_exceeded %q is not supported (use deny or escalate)", b.OnExceeded)
	}
	if b.DefaultToolCost < 0 {
		return fmt.Errorf("guardian.budget.default_tool_cost must not be negative")
	}
	for tool, cost := range b.PerToolCosts {
		if cost < 0 {
			return fmt.Errorf("guardian.budget.per_tool_costs.%s must not be negative", tool)
		}
	}
	for id, agent := range c.Policy.Agents {
		if t := agent.ApprovalThreshold; t != "" {
			if _, ok := security.LookupRiskLevel(t); !ok {
				return fmt.Errorf("guardian.agents.%s.approval_threshold %q is not a risk level", id, t)
			}
		}
		if _, err := BuildRules(agent.Rules); err != nil {
			return fmt.Errorf("guardian.agents.%s.rules: %w", id, err)
		}
	}
	if c.Adjudicator.Enabled && c.Adjudicator.Provider.Model == "" {
		return fmt.Errorf("adjudicator.provider.model is required when the adjudicator is enabled")
	}
	if f := c.Adjudicator.Fallback; f != nil && f.Model == "" {
		return fmt.Errorf("adjudicator.fallback.model is required")
	}
	switch c.Storage.StorageDriver() {
	case "file", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use file, sqlite or postgres)", c.Storage.Driver)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}
