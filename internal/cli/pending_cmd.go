package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/daemon"
	"github.com/sbenjam1n/steward/internal/pending"
)

var (
	addAction  string
	approveAll bool
	noRun      bool
	rejectAll  bool
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue().Read()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(q)
		}
		if len(q.Queued) == 0 {
			fmt.Println("No pending actions")
			return nil
		}
		fmt.Println(title(fmt.Sprintf("%d pending", len(q.Queued))))
		for _, a := range q.Queued {
			printAction(a)
		}
		fmt.Println(styleMuted.Render("\nsteward approve <id> | steward reject <id>"))
		return nil
	},
}

var pendingAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Queue an action by hand",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta := map[string]string{}
		if addAction != "" {
			meta[pending.MetaAction] = addAction
		}
		a, err := openQueue().Add(strings.Join(args, " "), meta)
		if err != nil {
			return err
		}
		fmt.Printf("Queued #%d: %s\n", a.ID, a.Text)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a queued action (or --all) and run approved actions",
	Long: `Approve moves items from Queued to Completed. Approved items that carry an
action are then run right away and their outcome is recorded in pending.md and
the activity log. With --no-run they wait for the daemon's next tick instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := openQueue()
		var approved []pending.Action
		switch {
		case approveAll:
			all, err := q.ApproveAll()
			if err != nil {
				return err
			}
			approved = all
		case len(args) == 1:
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := q.Approve(id)
			if err != nil {
				return err
			}
			approved = append(approved, a)
		default:
			return fmt.Errorf("give an action id or --all")
		}

		if len(approved) == 0 {
			fmt.Println("No pending actions")
			return nil
		}
		for _, a := range approved {
			fmt.Printf("%s %s\n", styleOK.Render("approved"), a.Text)
		}
		if noRun {
			return nil
		}

		ctx := context.Background()
		d, cleanup, err := buildDaemon(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		rep, err := d.DrainApproved(ctx, activity.ActorCommand)
		if err != nil {
			return err
		}
		if rep.Drained > 0 {
			fmt.Printf("Ran %d: %s succeeded, %s failed\n", rep.Drained,
				status(true, fmt.Sprint(rep.Executed)), status(rep.Failed == 0, fmt.Sprint(rep.Failed)))
		}
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Drop a queued action (or --all)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := openQueue()
		if rejectAll {
			rejected, err := q.RejectAll()
			if err != nil {
				return err
			}
			if err := logRejections(rejected); err != nil {
				return err
			}
			fmt.Printf("Rejected %d action(s)\n", len(rejected))
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("give an action id or --all")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := q.Reject(id)
		if err != nil {
			return err
		}
		if err := logRejections([]pending.Action{a}); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", styleWarn.Render("rejected"), a.Text)
		return nil
	},
}

func logRejections(rejected []pending.Action) error {
	log := openLog()
	for _, a := range rejected {
		if _, err := log.Record(daemon.RejectionEntry(a, activity.ActorUser)); err != nil {
			return fmt.Errorf("log rejection of %q: %w", a.Text, err)
		}
	}
	return nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil {
		return 0, fmt.Errorf("invalid action ID: %q", s)
	}
	return id, nil
}

func init() {
	pendingAddCmd.Flags().StringVar(&addAction, "action", "", "action to run once approved")
	approveCmd.Flags().BoolVar(&approveAll, "all", false, "approve every queued action")
	approveCmd.Flags().BoolVar(&noRun, "no-run", false, "leave approved actions for the daemon")
	rejectCmd.Flags().BoolVar(&rejectAll, "all", false, "reject every queued action")

	pendingCmd.AddCommand(pendingAddCmd)
}
