package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ytnobody/rolerelay/internal/httpapi"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/mailbox"
	"github.com/ytnobody/rolerelay/internal/orchestrator"
	"github.com/ytnobody/rolerelay/internal/project"
)

// ANSI colors cycled over sender roles in the transcript display.
var palette = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

const colorReset = "\033[0m"

const followInterval = 500 * time.Millisecond

func newStartCmd(opts *globalOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the engine in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())

			layout, err := project.NewLayout(path, cfg.Project.DataDir)
			if err != nil {
				return err
			}
			orc, err := orchestrator.New(cfg, layout, orchestrator.WithConfigPath(path))
			if err != nil {
				return err
			}
			if cfg.ControlEnabled() {
				srv := httpapi.New(orc, orc.Metrics().Handler())
				listen := cfg.Control.Listen
				orc.AddLoop(func(ctx context.Context) error { return srv.Serve(ctx, listen) })
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if !quiet {
				go displayTranscript(ctx, mailbox.NewTranscript(layout.Transcript()), cmd.OutOrStdout())
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Starting rolerelay for project '%s'...\n", cfg.Project.Name)
			err = orc.Run(ctx)
			// Ctrl+C / SIGTERM is a clean exit.
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not echo delivered messages")
	return cmd
}

func newTailCmd(opts *globalOptions) *cobra.Command {
	var lines int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the latest delivered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			layout, err := project.NewLayout(path, cfg.Project.DataDir)
			if err != nil {
				return err
			}
			tr := mailbox.NewTranscript(layout.Transcript())
			entries, err := tr.Tail(lines)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				printColored(out, e)
			}
			if !follow {
				return nil
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			displayTranscript(ctx, tr, out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of messages to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new messages")
	return cmd
}

// displayTranscript streams new transcript entries to out until ctx is done.
func displayTranscript(ctx context.Context, tr *mailbox.Transcript, out io.Writer) {
	ch := tr.Follow(ctx, followInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			printColored(out, e)
		}
	}
}

func printColored(out io.Writer, e mailbox.Entry) {
	fmt.Fprintf(out, "%s%s%s\n", colorFor(e.Sender), e.Raw, colorReset)
}

func colorFor(role string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(role))
	return palette[h.Sum32()%uint32(len(palette))]
}
