package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ytnobody/rolerelay/internal/catalog"
)

type Config struct {
	Project    ProjectConfig    `toml:"project"`
	Log        LogConfig        `toml:"log"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Mailbox    MailboxConfig    `toml:"mailbox"`
	Decisions  DecisionConfig   `toml:"decisions"`
	Rules      RulesConfig      `toml:"rules"`
	Control    ControlConfig    `toml:"control"`
	Summary    SummaryConfig    `toml:"summary"`
	Phases     []catalog.Phase  `toml:"phases"`
	Roles      []catalog.Role   `toml:"roles"`
	// Context seeds the global context snapshot handed to every started role.
	Context map[string]any `toml:"context"`

	catalog *catalog.Catalog
}

type ProjectConfig struct {
	Name string `toml:"name"`
	// DataDir holds sessions, decisions, mailboxes and work directories.
	// Relative paths are resolved against the directory of the config file.
	DataDir string `toml:"data_dir"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SupervisorConfig struct {
	// Command is argv[0] of every worker process. The role id, session id and
	// work directory are passed through the environment.
	Command             string   `toml:"command"`
	Args                []string `toml:"args"`
	Env                 []string `toml:"env"`
	ReadyTimeoutSeconds int      `toml:"ready_timeout_seconds"`
	GraceSeconds        int      `toml:"grace_seconds"`
	// MonitorIntervalSeconds is how often process liveness and status records
	// are polled when fsnotify events are not available.
	MonitorIntervalSeconds int `toml:"monitor_interval_seconds"`
	MaxRestarts            int `toml:"max_restarts"`
	// RestartBackoffSeconds doubles on every attempt, capped at 60 seconds.
	RestartBackoffSeconds int    `toml:"restart_backoff_seconds"`
	StaleWarnMinutes      int    `toml:"stale_warn_minutes"`
	StaleKillMinutes      int    `toml:"stale_kill_minutes"`
	StatusFile            string `toml:"status_file"`
	HandoffFile           string `toml:"handoff_file"`
	ReadyFile             string `toml:"ready_file"`
}

type MailboxConfig struct {
	Backend             string `toml:"backend"`
	ScanIntervalSeconds int    `toml:"scan_interval_seconds"`
	BoltPath            string `toml:"bolt_path"`
}

type DecisionConfig struct {
	ScanIntervalSeconds  int `toml:"scan_interval_seconds"`
	DefaultDeadlineHours int `toml:"default_deadline_hours"`
}

type RulesConfig struct {
	// EscalationRole receives terminal role errors that no error_escalation
	// rule handles.
	EscalationRole string `toml:"escalation_role"`
	// TickSeconds drives time_based rule evaluation.
	TickSeconds int            `toml:"tick_seconds"`
	Catalog     []catalog.Rule `toml:"catalog"`
}

type ControlConfig struct {
	Listen  string `toml:"listen"`
	Enabled *bool  `toml:"enabled"`
}

type SummaryConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	// RPM is the requests-per-minute limit shared by all summary calls.
	RPM int `toml:"rpm"`
}

const maxRestartBackoff = 60 * time.Second

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Project.DataDir == "" {
		cfg.Project.DataDir = ".rolerelay"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	s := &cfg.Supervisor
	if s.ReadyTimeoutSeconds == 0 {
		s.ReadyTimeoutSeconds = 5
	}
	if s.GraceSeconds == 0 {
		s.GraceSeconds = 5
	}
	if s.MonitorIntervalSeconds == 0 {
		s.MonitorIntervalSeconds = 10
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = 3
	}
	if s.RestartBackoffSeconds == 0 {
		s.RestartBackoffSeconds = 2
	}
	if s.StaleWarnMinutes == 0 {
		s.StaleWarnMinutes = 120
	}
	if s.StaleKillMinutes == 0 {
		s.StaleKillMinutes = 240
	}
	if s.StatusFile == "" {
		s.StatusFile = "status.yaml"
	}
	if s.HandoffFile == "" {
		s.HandoffFile = "handoff.yaml"
	}
	if s.ReadyFile == "" {
		s.ReadyFile = ".ready"
	}

	if cfg.Mailbox.Backend == "" {
		cfg.Mailbox.Backend = "file"
	}
	if cfg.Mailbox.ScanIntervalSeconds == 0 {
		cfg.Mailbox.ScanIntervalSeconds = 2
	}
	if cfg.Mailbox.BoltPath == "" {
		cfg.Mailbox.BoltPath = "mailbox.db"
	}

	if cfg.Decisions.ScanIntervalSeconds == 0 {
		cfg.Decisions.ScanIntervalSeconds = 30
	}
	if cfg.Decisions.DefaultDeadlineHours == 0 {
		cfg.Decisions.DefaultDeadlineHours = 24
	}

	if cfg.Rules.EscalationRole == "" {
		cfg.Rules.EscalationRole = "project_manager"
	}
	if cfg.Rules.TickSeconds == 0 {
		cfg.Rules.TickSeconds = 60
	}

	if cfg.Control.Listen == "" {
		cfg.Control.Listen = "127.0.0.1:7420"
	}
	if cfg.Control.Enabled == nil {
		on := true
		cfg.Control.Enabled = &on
	}

	if cfg.Summary.Provider == "" {
		cfg.Summary.Provider = "plain"
	}
	if cfg.Summary.Model == "" {
		cfg.Summary.Model = "gemini-2.5-flash"
	}
	if cfg.Summary.RPM == 0 {
		cfg.Summary.RPM = 10
	}
	if cfg.Context == nil {
		cfg.Context = map[string]any{}
	}
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Project.Name == "" {
		errs = append(errs, fmt.Errorf("project.name is required"))
	}
	if cfg.Supervisor.Command == "" {
		errs = append(errs, fmt.Errorf("supervisor.command is required"))
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_restarts must not be negative"))
	}
	if cfg.Supervisor.StaleKillMinutes < cfg.Supervisor.StaleWarnMinutes {
		errs = append(errs, fmt.Errorf("supervisor.stale_kill_minutes must be >= stale_warn_minutes"))
	}
	switch cfg.Mailbox.Backend {
	case "file", "bolt":
	default:
		errs = append(errs, fmt.Errorf("mailbox.backend must be \"file\" or \"bolt\", got %q", cfg.Mailbox.Backend))
	}
	switch cfg.Summary.Provider {
	case "plain", "gemini":
	default:
		errs = append(errs, fmt.Errorf("summary.provider must be \"plain\" or \"gemini\", got %q", cfg.Summary.Provider))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"console\" or \"json\", got %q", cfg.Log.Format))
	}

	cat, err := catalog.New(cfg.Phases, cfg.Rules.Catalog, cfg.Roles)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.catalog = cat
		if !cat.HasRole(cfg.Rules.EscalationRole) {
			errs = append(errs, fmt.Errorf("rules.escalation_role %q is not required by any phase", cfg.Rules.EscalationRole))
		}
	}
	return errors.Join(errs...)
}

// Catalog returns the validated phase graph and rule catalog.
func (c *Config) Catalog() *catalog.Catalog { return c.catalog }

// ControlEnabled reports whether the HTTP control surface should be served.
func (c *Config) ControlEnabled() bool {
	return c.Control.Enabled == nil || *c.Control.Enabled
}

// CatalogChanged reports whether other declares a different phase graph,
// rule catalog or role table than c.
func (c *Config) CatalogChanged(other *Config) bool {
	return !reflect.DeepEqual(c.Phases, other.Phases) ||
		!reflect.DeepEqual(c.Rules.Catalog, other.Rules.Catalog) ||
		!reflect.DeepEqual(c.Roles, other.Roles)
}

func (s SupervisorConfig) ReadyTimeout() time.Duration {
	return time.Duration(s.ReadyTimeoutSeconds) * time.Second
}

func (s SupervisorConfig) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

func (s SupervisorConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalSeconds) * time.Second
}

func (s SupervisorConfig) StaleWarn() time.Duration {
	return time.Duration(s.StaleWarnMinutes) * time.Minute
}

func (s SupervisorConfig) StaleKill() time.Duration {
	return time.Duration(s.StaleKillMinutes) * time.Minute
}

// RestartBackoff returns the wait before restart attempt n (1-based).
func (s SupervisorConfig) RestartBackoff(n int) time.Duration {
	d := time.Duration(s.RestartBackoffSeconds) * time.Second
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	if d > maxRestartBackoff {
		return maxRestartBackoff
	}
	return d
}

func (m MailboxConfig) ScanInterval() time.Duration {
	return time.Duration(m.ScanIntervalSeconds) * time.Second
}

func (d DecisionConfig) ScanInterval() time.Duration {
	return time.Duration(d.ScanIntervalSeconds) * time.Second
}

func (d DecisionConfig) DefaultDeadline() time.Duration {
	return time.Duration(d.DefaultDeadlineHours) * time.Hour
}

func (r RulesConfig) Tick() time.Duration {
	return time.Duration(r.TickSeconds) * time.Second
}
