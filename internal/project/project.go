// Package project locates a rolerelay workspace and lays out its data
// directory.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/ytnobody/rolerelay/prompts"
)

const ConfigFileName = "rolerelay.toml"

// Layout resolves every path under a project's data directory.
type Layout struct {
	Root string
}

// NewLayout resolves dataDir against the directory of configPath when it
// is relative.
func NewLayout(configPath, dataDir string) (Layout, error) {
	if !filepath.IsAbs(dataDir) {
		base, err := filepath.Abs(filepath.Dir(configPath))
		if err != nil {
			return Layout{}, fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = filepath.Join(base, dataDir)
	}
	return Layout{Root: dataDir}, nil
}

func (l Layout) Sessions() string      { return filepath.Join(l.Root, "sessions") }
func (l Layout) Decisions() string     { return filepath.Join(l.Root, "decisions") }
func (l Layout) Work() string          { return filepath.Join(l.Root, "work") }
func (l Layout) Communication() string { return filepath.Join(l.Root, "communication") }
func (l Layout) Transcript() string    { return filepath.Join(l.Root, "transcript.log") }
func (l Layout) Journal() string       { return filepath.Join(l.Root, "journal.db") }
func (l Layout) Pipeline() string      { return filepath.Join(l.Root, "pipeline.toml") }
func (l Layout) Prompts() string       { return filepath.Join(l.Root, "prompts") }

// Path resolves name under the data directory unless it is absolute.
func (l Layout) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.Root, name)
}

// Ensure creates the directories of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.Sessions(), l.Decisions(), l.Work(), l.Communication()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}

// Init writes a starter rolerelay.toml into dir and the default briefing
// template into its data directory. An existing config is left alone unless
// force is set. It returns the config path.
func Init(dir, name string, force bool) (string, error) {
	if name == "" {
		name = filepath.Base(dir)
	}
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	var header struct {
		Name string `toml:"name"`
	}
	header.Name = name
	quoted, err := toml.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("encode project name: %w", err)
	}
	content := "[project]\n" + string(quoted) + configTemplate
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	layout, err := NewLayout(path, ".rolerelay")
	if err != nil {
		return "", err
	}
	if err := prompts.WriteDefaults(layout.Prompts()); err != nil {
		return "", err
	}
	return path, nil
}

// Detect finds rolerelay.toml in start or the nearest parent directory.
func Detect(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found in %s or its parents (run 'rolerelay init' first)", ConfigFileName, start)
		}
		dir = parent
	}
}

const configTemplate = `data_dir = ".rolerelay"

[log]
level = "info"
format = "console"

[supervisor]
# Every role runs this command with ROLERELAY_ROLE, ROLERELAY_SESSION,
# ROLERELAY_PHASE and ROLERELAY_WORKDIR set.
command = "./worker.sh"
max_restarts = 3

[mailbox]
backend = "file"

[decisions]
default_deadline_hours = 24

[rules]
escalation_role = "project_manager"

[control]
listen = "127.0.0.1:7420"

[summary]
provider = "plain"

[[roles]]
id = "project_manager"
can_trigger_rollback = true

[[phases]]
id = "planning"
required_roles = ["project_manager"]

[[phases]]
id = "design"
required_roles = ["architect"]
dependencies = ["planning"]
rollback_targets = ["planning"]

[[phases]]
id = "development"
required_roles = ["developer"]
dependencies = ["design"]
rollback_targets = ["design"]
approval_required = true

[[rules.catalog]]
id = "planning_done"
from_role = "project_manager"
to_roles = ["architect"]
trigger = "task_completed"
auto_execute = true

[[rules.catalog]]
id = "design_done"
from_role = "architect"
to_roles = ["developer"]
trigger = "deliverable_ready"
auto_execute = true
[rules.catalog.conditions]
required_deliverables = ["docs/design/*.md"]
[rules.catalog.handoff]
summary = "auto"
design_docs = "deliverables"

[context]
`
