package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[project]
name = "shop"

[supervisor]
command = "/usr/local/bin/worker"

[[phases]]
id = "planning"
required_roles = ["project_manager"]

[[phases]]
id = "design"
required_roles = ["architect", "db_designer"]
dependencies = ["planning"]
rollback_targets = ["planning"]
approval_required = true

[[rules.catalog]]
id = "pm_to_design"
from_role = "project_manager"
to_roles = ["architect", "db_designer"]
trigger = "deliverable_ready"
priority = 1
auto_execute = true
[rules.catalog.conditions]
required_deliverables = ["plan.md"]
[rules.catalog.handoff]
plan = "from_deliverables"
summary = "auto_generated"

[[roles]]
id = "architect"
can_trigger_rollback = true

[context]
customer = "acme"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rolerelay.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.Project.Name)
	assert.Len(t, cfg.Phases, 2)
	require.Len(t, cfg.Rules.Catalog, 1)
	assert.Equal(t, "from_deliverables", cfg.Rules.Catalog[0].Handoff["plan"])
	assert.Equal(t, "acme", cfg.Context["customer"])

	cat := cfg.Catalog()
	require.NotNil(t, cat)
	assert.Equal(t, 2, cat.PhaseCount())
	assert.True(t, cat.Role("architect").CanTriggerRollback)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ".rolerelay", cfg.Project.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.ReadyTimeout())
	assert.Equal(t, 10*time.Second, cfg.Supervisor.MonitorInterval())
	assert.Equal(t, 3, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, "status.yaml", cfg.Supervisor.StatusFile)
	assert.Equal(t, "file", cfg.Mailbox.Backend)
	assert.Equal(t, 2*time.Second, cfg.Mailbox.ScanInterval())
	assert.Equal(t, 30*time.Second, cfg.Decisions.ScanInterval())
	assert.Equal(t, 24*time.Hour, cfg.Decisions.DefaultDeadline())
	assert.Equal(t, "project_manager", cfg.Rules.EscalationRole)
	assert.Equal(t, "127.0.0.1:7420", cfg.Control.Listen)
	assert.True(t, cfg.ControlEnabled())
	assert.Equal(t, "plain", cfg.Summary.Provider)
	assert.Equal(t, 10, cfg.Summary.RPM)
}

func TestControlCanBeDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"\n[control]\nenabled = false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.ControlEnabled())
}

func TestRestartBackoff(t *testing.T) {
	s := SupervisorConfig{RestartBackoffSeconds: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := s.RestartBackoff(tt.attempt); got != tt.want {
			t.Errorf("RestartBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing project name",
			content: strings.Replace(minimalConfig, `name = "shop"`, "", 1),
			want:    "project.name is required",
		},
		{
			name:    "missing command",
			content: strings.Replace(minimalConfig, `command = "/usr/local/bin/worker"`, "", 1),
			want:    "supervisor.command is required",
		},
		{
			name:    "unknown backend",
			content: minimalConfig + "\n[mailbox]\nbackend = \"redis\"\n",
			want:    "mailbox.backend",
		},
		{
			name:    "escalation role not in any phase",
			content: strings.Replace(minimalConfig, "[[phases]]", "[rules]\nescalation_role = \"nobody\"\n\n[[phases]]", 1),
			want:    "escalation_role",
		},
		{
			name:    "dangling rule role",
			content: strings.Replace(minimalConfig, `to_roles = ["architect", "db_designer"]`, `to_roles = ["tester"]`, 1),
			want:    `to_role "tester"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestCatalogChanged(t *testing.T) {
	a, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	b, err := Parse([]byte(minimalConfig + "\n[log]\nlevel = \"debug\"\n"))
	require.NoError(t, err)
	assert.False(t, a.CatalogChanged(b))

	c, err := Parse([]byte(strings.Replace(minimalConfig, "priority = 1", "priority = 2", 1)))
	require.NoError(t, err)
	assert.True(t, a.CatalogChanged(c))
}
