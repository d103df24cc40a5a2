package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/httpapi"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/orchestrator"
)

const clientTimeout = 30 * time.Second

// client talks to a running engine's control surface.
type client struct {
	base string
	http *http.Client
}

func newClient(opts *globalOptions) (*client, error) {
	addr := opts.addr
	if addr == "" {
		_, cfg, err := loadConfig(opts)
		if err != nil {
			return nil, err
		}
		addr = cfg.Control.Listen
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{
		base: strings.TrimRight(addr, "/") + "/api/v1",
		http: &http.Client{Timeout: clientTimeout},
	}, nil
}

// do sends body as JSON and decodes the reply into out. Non-2xx replies
// become errors carrying the server's message.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact engine (is 'rolerelay start' running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e httpapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s (%d)", e.Message, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline position, sessions and open decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var st orchestrator.Status
			if err := c.do(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, st)
			}
			phase := st.Phase
			if st.Finished {
				phase += " (finished)"
			}
			fmt.Fprintf(out, "Project:   %s\n", st.Project)
			fmt.Fprintf(out, "Phase:     %s [%d/%d]\n", phase, st.PhaseIndex+1, st.PhaseCount)
			fmt.Fprintf(out, "Progress:  %d%%\n", st.Progress)
			fmt.Fprintf(out, "Decisions: %d open\n\n", len(st.OpenDecisions))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tPHASE\tSTATE\tPROGRESS\tRESTARTS\tSESSION")
			for _, s := range st.Sessions {
				if s.Done() {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%d\t%s\n", s.Role, s.Phase, s.State, s.Progress, s.Restarts, s.ID)
			}
			return w.Flush()
		},
	}
}

func newDecisionsCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List decisions waiting for resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var ds []decision.Decision
			path := "/decisions?open=" + strconv.FormatBool(!all)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &ds); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, ds)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLEVEL\tKIND\tROLE\tDEADLINE\tOPTIONS\tTITLE")
			for _, d := range ds {
				ids := make([]string, len(d.Options))
				for i, o := range d.Options {
					ids[i] = o.ID
				}
				deadline := "-"
				if !d.Deadline.IsZero() {
					deadline = d.Deadline.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Level, d.Kind, d.RequestingRole, deadline, strings.Join(ids, ","), d.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved decisions")
	return cmd
}

func newResolveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <decision-id> <option-id>",
		Short: "Resolve a pending decision with one of its options",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var d decision.Decision
			body := map[string]string{"option_id": args[1]}
			if err := c.do(cmd.Context(), http.MethodPost, "/decisions/"+url.PathEscape(args[0])+"/resolve", body, &d); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s resolved with %s\n", d.ID, args[1])
			return nil
		},
	}
}

func newRollbackCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <phase>",
		Short: "Request a rollback to an earlier phase (opens an approval decision)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var d decision.Decision
			body := map[string]string{"target_phase": args[0], "reason": reason}
			if err := c.do(cmd.Context(), http.MethodPost, "/rollback", body, &d); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rollback to %s awaits decision %s\n", args[0], d.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the pipeline must go back")
	return cmd
}

func newTriggerCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <rule-id>",
		Short: "Fire a transition rule whose conditions hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/rules/"+url.PathEscape(args[0])+"/trigger", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s triggered\n", args[0])
			return nil
		},
	}
}

func newRoleCmd(opts *globalOptions) *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Start or stop a role's worker",
	}
	start := &cobra.Command{
		Use:   "start <role>",
		Short: "Start a session for role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var res struct {
				SessionID string `json:"session_id"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/roles/"+url.PathEscape(args[0])+"/start", nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s (session %s)\n", args[0], res.SessionID)
			return nil
		},
	}
	var forced bool
	stop := &cobra.Command{
		Use:   "stop <role>",
		Short: "Stop role's live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			body := map[string]bool{"forced": forced}
			if err := c.do(cmd.Context(), http.MethodPost, "/roles/"+url.PathEscape(args[0])+"/stop", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
			return nil
		},
	}
	stop.Flags().BoolVar(&forced, "force", false, "Suspend the session instead of completing it")
	role.AddCommand(start, stop)
	return role
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var from, msgType, priority, subject string
	cmd := &cobra.Command{
		Use:   "send <to-role> <content>",
		Short: "Post a message into a role's mailbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			body := map[string]string{
				"from_role": from,
				"to_role":   args[0],
				"type":      msgType,
				"priority":  priority,
				"subject":   subject,
				"content":   args[1],
			}
			var res struct {
				MessageID string `json:"message_id"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/messages", body, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued message %s\n", res.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", orchestrator.OperatorRole, "Sender role")
	cmd.Flags().StringVar(&msgType, "type", "response", "Message type")
	cmd.Flags().StringVar(&priority, "priority", "", "critical, high, medium or low")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject line")
	return cmd
}

func newJournalCmd(opts *globalOptions) *cobra.Command {
	var limit int
	var kind string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the workflow journal, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if kind != "" {
				q.Set("kind", kind)
			}
			var entries []journal.Entry
			if err := c.do(cmd.Context(), http.MethodGet, "/journal?"+q.Encode(), nil, &entries); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, entries)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tPHASE\tROLE\tRULE\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.At.Local().Format(time.DateTime), e.Kind, e.Phase, e.Role, e.RuleID, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")
	cmd.Flags().StringVar(&kind, "kind", "", "Only entries of this kind")
	return cmd
}
