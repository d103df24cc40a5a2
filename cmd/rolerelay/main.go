package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ytnobody/rolerelay/internal/config"
	"github.com/ytnobody/rolerelay/internal/project"
)

// version is set via ldflags at build time (e.g., -ldflags "-X main.version=v1.2.3").
var version = "dev"

type globalOptions struct {
	configPath string
	addr       string
	output     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "rolerelay",
		Short: "Relay work between role-playing worker processes through a phase pipeline",
		Long: `rolerelay runs a pipeline of phases, each staffed by worker processes
playing a role. Declarative rules hand work from one role to the next,
decisions that need a human wait in the decision queue, and roles talk
to each other through mailboxes.

Get started:
  rolerelay init        Write a starter rolerelay.toml
  rolerelay start       Run the engine in the foreground
  rolerelay status      Ask a running engine where the pipeline stands`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: nearest rolerelay.toml)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "Control surface address (default: control.listen from the config)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")

	root.AddCommand(
		newInitCmd(),
		newValidateCmd(opts),
		newStartCmd(opts),
		newTailCmd(opts),
		newStatusCmd(opts),
		newDecisionsCmd(opts),
		newResolveCmd(opts),
		newRollbackCmd(opts),
		newTriggerCmd(opts),
		newRoleCmd(opts),
		newSendCmd(opts),
		newJournalCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rolerelay %s\n", version)
		},
	}
}

func newInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter rolerelay.toml and the default briefing template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			path, err := project.Init(abs, name, force)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Project initialized.\n")
			fmt.Fprintf(out, "Config: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (default: directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing rolerelay.toml")
	return cmd
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the config and check the phase graph and rule catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cat := cfg.Catalog()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			fmt.Fprintf(out, "  phases: %d\n", cat.PhaseCount())
			for _, p := range cat.Phases() {
				gate := ""
				if p.ApprovalRequired {
					gate = " (approval required)"
				}
				fmt.Fprintf(out, "    %s %v%s\n", p.ID, p.RequiredRoles, gate)
			}
			fmt.Fprintf(out, "  rules: %d\n", len(cat.Rules()))
			return nil
		},
	}
}

// loadConfig resolves the config path from --config or by walking up from
// the working directory, and loads it.
func loadConfig(opts *globalOptions) (string, *config.Config, error) {
	path := opts.configPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", nil, err
		}
		if path, err = project.Detect(cwd); err != nil {
			return "", nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	return path, cfg, nil
}
