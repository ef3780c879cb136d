package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/config"
	"github.com/sbenjam1n/steward/internal/daemon"
	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/logging"
	"github.com/sbenjam1n/steward/internal/pending"
	"github.com/sbenjam1n/steward/internal/queue"
	"github.com/sbenjam1n/steward/internal/source"
)

var (
	homeFlag   string
	configFlag string
	verbose    bool
	asJSON     bool

	cfg    *config.Config
	logger = zap.NewNop()

	rootCmd = &cobra.Command{
		Use:   "steward",
		Short: "Rule-driven automation with an approval queue",
		Long: `steward watches your tools, matches what it sees against rules you write in
markdown, and either queues the resulting actions for approval or runs them.

Rules live in ~/.steward/rules/*.md. Pending actions are in ~/.steward/pending.md,
which you can edit by hand. Everything steward does is recorded in
~/.steward/activity.jsonl.

Get started:
  steward init
  steward daemon run-once
  steward pending`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(config.Options{Home: homeFlag, Path: configFlag})
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.LogLevel, verbose)
			if err != nil {
				return err
			}
			logger.Debug("config loaded", zap.String("home", cfg.Home), zap.Strings("rules", cfg.Rules))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "state directory (default $STEWARD_HOME or ~/.steward)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default <home>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(eventsCmd)
}

func openLog() *activity.Log {
	return activity.Open(cfg.ActivityPath(), logger)
}

func openQueue() *pending.Store {
	return pending.Open(cfg.PendingPath())
}

func runner() *dispatch.ShellRunner {
	return &dispatch.ShellRunner{Dir: cfg.Workdir}
}

// connectStream returns nil when no Redis URL is configured.
func connectStream() (*queue.Stream, func(), error) {
	if cfg.Redis.URL == "" {
		return nil, func() {}, nil
	}
	client, err := queue.ConnectRedis(cfg.Redis.URL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w\nSet redis.url in config.yaml or STEWARD_REDIS_URL", err)
	}
	return queue.New(client, cfg.Redis.Stream, cfg.Redis.MaxLen), func() { client.Close() }, nil
}

// buildDaemon wires a Daemon from the loaded config. The cleanup func closes
// sources and the Redis client.
func buildDaemon(ctx context.Context) (*daemon.Daemon, func(), error) {
	run := runner()
	sources, err := source.Build(cfg.Sources, cfg.Tools, run)
	if err != nil {
		return nil, nil, err
	}

	var pub daemon.Publisher
	stream, closeStream, err := connectStream()
	if err != nil {
		logger.Warn("event mirror disabled", zap.Error(err))
	} else if stream != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := stream.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("event mirror disabled", zap.String("stream", stream.Name()), zap.Error(err))
		} else {
			pub = stream
		}
	}

	d := daemon.New(daemon.Options{
		Interval:       cfg.Interval,
		RulePaths:      cfg.Rules,
		ActivityWindow: cfg.ActivityWindow,
		DedupeWindow:   cfg.DedupeWindow,
		Actions:        &cfg.Actions,
		Tools:          cfg.Tools,
		Runner:         run,
		Log:            openLog(),
		Queue:          openQueue(),
		Sources:        sources,
		Publisher:      pub,
		Logger:         logger,
	})
	cleanup := func() {
		source.CloseAll(sources)
		closeStream()
	}
	return d, cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
