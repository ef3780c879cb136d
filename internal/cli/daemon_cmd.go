package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/daemon"
)

var (
	noWatch     bool
	stopTimeout time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run or control the rule loop",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground until interrupted",
	Long: `Run the rule loop: one tick now, then one every interval. Rule documents are
reloaded on every tick, and edits trigger an early tick unless --no-watch is set.
SIGHUP also triggers a tick. SIGINT or SIGTERM stop the loop after the current
tick finishes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := daemon.WritePID(cfg.PIDPath()); err != nil {
			return err
		}
		defer func() {
			if err := daemon.RemovePID(cfg.PIDPath()); err != nil {
				logger.Warn("remove pid file", zap.Error(err))
			}
		}()

		d, cleanup, err := buildDaemon(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		g, gctx := errgroup.WithContext(ctx)
		d.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			d.Stop()
			<-d.Done()
			return nil
		})

		if cfg.Watch && !noWatch {
			rw := &daemon.RuleWatcher{Dirs: cfg.RuleDirs(), OnChange: d.Trigger, Logger: logger}
			g.Go(func() error {
				if err := rw.Run(gctx); err != nil {
					logger.Warn("rule watcher stopped", zap.Error(err))
				}
				return nil
			})
		}

		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					logger.Info("tick requested by SIGHUP")
					d.Trigger()
				}
			}
		})

		logger.Info("steward daemon running",
			zap.Int("pid", os.Getpid()),
			zap.String("home", cfg.Home),
			zap.Duration("interval", cfg.Interval))
		return g.Wait()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemon.Signal(cfg.PIDPath(), syscall.SIGTERM)
		if err != nil {
			return err
		}
		if pid == 0 {
			fmt.Println("Daemon is not running")
			return nil
		}
		fmt.Printf("Stopping daemon (pid %d)...\n", pid)

		deadline := time.Now().Add(stopTimeout)
		for time.Now().Before(deadline) {
			if !daemon.Alive(pid) {
				fmt.Println(styleOK.Render("Stopped"))
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon (pid %d) still running after %s", pid, stopTimeout)
	},
}

type daemonStatus struct {
	Running  bool      `json:"running"`
	PID      int       `json:"pid,omitempty"`
	Home     string    `json:"home"`
	Interval string    `json:"interval"`
	Queued   int       `json:"queued"`
	Approved int       `json:"approved"`
	LastRun  time.Time `json:"last_run,omitzero"`
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon runs and what is waiting",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := daemonStatus{Home: cfg.Home, Interval: cfg.Interval.String()}

		pid, err := daemon.ReadPID(cfg.PIDPath())
		if err != nil {
			return err
		}
		if daemon.Alive(pid) {
			st.Running = true
			st.PID = pid
		}

		q := openQueue()
		if st.Queued, err = q.Count(); err != nil {
			return err
		}
		approved, err := q.Pending()
		if err != nil {
			return err
		}
		st.Approved = len(approved)

		entries, err := openLog().Query(activity.Filter{By: activity.ActorDaemon})
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			st.LastRun = entries[len(entries)-1].TS
		}

		if asJSON {
			return printJSON(st)
		}
		if st.Running {
			fmt.Printf("Daemon:   %s (pid %d, every %s)\n", styleOK.Render("running"), st.PID, st.Interval)
		} else {
			fmt.Printf("Daemon:   %s\n", styleMuted.Render("stopped"))
		}
		fmt.Printf("Queued:   %d\n", st.Queued)
		fmt.Printf("Approved: %d waiting to run\n", st.Approved)
		fmt.Printf("Last run: %s\n", ago(st.LastRun))
		return nil
	},
}

var daemonRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single tick and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, cleanup, err := buildDaemon(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		rep, err := d.RunOnce(ctx)
		if rep != nil {
			if asJSON {
				if jerr := printJSON(rep); jerr != nil {
					return errors.Join(err, jerr)
				}
			} else {
				printReport(rep)
			}
		}
		return err
	},
}

func printReport(rep *daemon.Report) {
	fmt.Println(title("Tick " + rep.Tick))
	fmt.Printf("  rules %d, records %d, matches %d\n", rep.Rules, rep.Records, rep.Matches)
	fmt.Printf("  queued %d, skipped %d\n", rep.Queued, rep.Skipped)
	fmt.Printf("  executed %s, failed %s, drained %d\n",
		status(true, fmt.Sprint(rep.Executed)), status(rep.Failed == 0, fmt.Sprint(rep.Failed)), rep.Drained)
	for _, w := range rep.Warnings {
		fmt.Printf("  %s %s\n", styleWarn.Render("warning:"), w)
	}
	fmt.Println(styleMuted.Render("  took " + rep.Duration.Round(time.Millisecond).String()))
}

func init() {
	daemonStartCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch rule directories for edits")
	daemonStopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait for the daemon to exit")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRunOnceCmd)
}
