package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/shellpilot/agentloop"
	"github.com/martinemde/shellpilot/config"
	"github.com/martinemde/shellpilot/ledger"
	"github.com/martinemde/shellpilot/relay"
	"github.com/spf13/cobra"
)

var version = "dev"

func prepare(cmd *cobra.Command, opts *rootOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return buildRuntime(cfg, newLogger(cmd.ErrOrStderr(), level))
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run one task and stream its progress",
		Long: `Runs the agent on a task until it completes, hits the cost ceiling or
fails. The exit status is 0 only when the task completed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.TrimSpace(strings.Join(args, " "))
			if task == "" {
				return fmt.Errorf("task must not be empty")
			}
			rt, err := prepare(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			outcome := runTask(ctx, rt, newRenderer(cmd.OutOrStdout()), task)
			if code := exitCodeFor(outcome); code != 0 {
				return &exitCodeError{code: code, outcome: outcome}
			}
			return nil
		},
	}
}

func runTask(ctx context.Context, rt *runtime, r *renderer, task string) agentloop.Outcome {
	agent := rt.agent
	r.Banner(agent.Profile().Model, task, append(agent.Registry().Names(), agentloop.CompletionAction))

	session := agent.NewSession(task)
	for ev := range session.Run(ctx) {
		r.Event(ev)
	}
	r.Usage(session.Usage())
	if path := session.TranscriptPath(); path != "" {
		rt.logger.Info("transcript saved", "path", path)
	}
	return session.Outcome()
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tasks over WebSocket",
		Long: `Starts the relay. Clients connect to /ws, send
{"type":"prompt","payload":"<task>"} and receive one frame per event.
GET /health reports liveness and POST /terminate cancels every
running session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := prepare(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			addr := rt.cfg.Listen
			if listen != "" {
				addr = listen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return relay.NewServer(rt.agent, rt.logger).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config)")
	return cmd
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the actions available to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := prepare(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			fmt.Fprint(out, rt.agent.Registry().Describe())
			fmt.Fprintf(out, "\n### %s\nFinish the conversation.\nParameters:\n- `summary` (string, optional): What was done.\n", agentloop.CompletionAction)
			return nil
		},
	}
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	var since time.Duration
	var recent int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded conversations from the usage ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.LedgerPath == "" {
				return fmt.Errorf("ledger_path is not configured")
			}
			store, err := ledger.Open(cfg.LedgerPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			end := time.Now()
			start := end.Add(-since)
			total, err := store.Summary(ctx, start, end.Add(time.Second))
			if err != nil {
				return err
			}
			byOutcome, err := store.SummaryByOutcome(ctx, start, end.Add(time.Second))
			if err != nil {
				return err
			}
			entries, err := store.Recent(ctx, recent)
			if err != nil {
				return err
			}

			r := newRenderer(cmd.OutOrStdout())
			r.LedgerSummary(fmt.Sprintf("Usage since %s", start.Format("2006-01-02 15:04")), total)
			for _, outcome := range []agentloop.Outcome{agentloop.OutcomeCompleted, agentloop.OutcomeFailed, agentloop.OutcomeAbortedDueCost} {
				if s, ok := byOutcome[outcome]; ok {
					r.LedgerSummary("Outcome: "+string(outcome), s)
				}
			}
			r.LedgerEntries(entries)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "Summarize conversations newer than this")
	cmd.Flags().IntVar(&recent, "recent", 10, "Number of recent conversations to list")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shellpilot %s (%s %s/%s)\n",
				buildVersion(), goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}

func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}
