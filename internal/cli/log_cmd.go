package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/steward/internal/activity"
)

var (
	logTool   string
	logBy     string
	logAction string
	logSince  string
	logLimit  int

	recordTarget string
	recordBy     string
	recordMeta   []string
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the activity log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		by := activity.Actor(logBy)
		if by != "" && !by.Valid() {
			return fmt.Errorf("--by must be user, daemon or command, got %q", logBy)
		}
		entries, err := openLog().Query(activity.Filter{
			Tool:   logTool,
			By:     by,
			Action: logAction,
			Since:  logSince,
		})
		if err != nil {
			return err
		}
		if logLimit > 0 && len(entries) > logLimit {
			entries = entries[len(entries)-logLimit:]
		}
		return printEntries(entries)
	},
}

var logAddCmd = &cobra.Command{
	Use:   "add <tool> <action>",
	Short: "Record an entry, e.g. from a tool's own hook",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		by := activity.Actor(recordBy)
		if !by.Valid() {
			return fmt.Errorf("--by must be user, daemon or command, got %q", recordBy)
		}
		var meta map[string]any
		for _, kv := range recordMeta {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("--meta wants key=value, got %q", kv)
			}
			if meta == nil {
				meta = make(map[string]any)
			}
			meta[k] = v
		}
		e, err := openLog().Record(activity.Entry{
			Tool:   args[0],
			Action: args[1],
			Target: recordTarget,
			By:     by,
			Meta:   meta,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(e)
		}
		printEntry(e)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find log entries containing text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := openLog().Search(strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printEntries(entries)
	},
}

func printEntries(entries []activity.Entry) error {
	if asJSON {
		if entries == nil {
			entries = []activity.Entry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No matching entries")
		return nil
	}
	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func init() {
	logCmd.Flags().StringVar(&logTool, "tool", "", "only entries from this tool")
	logCmd.Flags().StringVar(&logBy, "by", "", "only entries by user, daemon or command")
	logCmd.Flags().StringVar(&logAction, "action", "", "only entries with this action")
	logCmd.Flags().StringVar(&logSince, "since", "", "relative (2h, 7d) or absolute time")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "show at most this many recent entries (0 for all)")

	logAddCmd.Flags().StringVar(&recordTarget, "target", "", "what the action was applied to")
	logAddCmd.Flags().StringVar(&recordBy, "by", string(activity.ActorUser), "user, daemon or command")
	logAddCmd.Flags().StringArrayVar(&recordMeta, "meta", nil, "key=value metadata, repeatable")

	logCmd.AddCommand(logAddCmd)
}
