package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/daemon"
	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/rules"
)

var resolveRun bool

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect and try action bindings",
}

func loadRegistry() *dispatch.Registry {
	return daemon.Registry(&cfg.Actions, rules.Load(cfg.Rules, logger))
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List action bindings in resolution order",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := loadRegistry()
		if asJSON {
			b := reg.Bindings()
			if b == nil {
				b = []dispatch.Binding{}
			}
			return printJSON(b)
		}
		if reg.Len() == 0 {
			fmt.Println("No actions bound. Add them under actions: in config.yaml or as [#name]: !command in a rule document.")
			return nil
		}
		width := 0
		for _, b := range reg.Bindings() {
			width = max(width, len(b.Name))
		}
		for _, b := range reg.Bindings() {
			fmt.Printf("%-*s  %s\n", width, b.Name, styleMuted.Render(b.Command))
		}
		return nil
	},
}

var actionsResolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Show the command an action resolves to (and run it with --run)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		d := dispatch.NewDispatcher(loadRegistry(), cfg.Tools, runner(), logger)

		if !resolveRun {
			res, command, err := d.Prepare(name)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{"resolution": res, "command": command})
			}
			fmt.Printf("pattern: %s\n", res.Pattern)
			if len(res.Params) > 0 {
				fmt.Printf("params:  %s\n", strings.Join(res.Params, ", "))
			}
			fmt.Printf("command: %s\n", command)
			return nil
		}

		out := d.Dispatch(context.Background(), name)
		meta := map[string]any{"code": out.Code}
		if out.Error != "" {
			meta["error"] = out.Error
		}
		tool := "steward"
		if f := strings.Fields(out.Command); len(f) > 0 {
			tool = filepath.Base(f[0])
		}
		if _, err := openLog().Record(activity.Entry{
			Tool:   tool,
			Action: name,
			By:     activity.ActorCommand,
			Meta:   meta,
		}); err != nil {
			return err
		}

		if asJSON {
			if err := printJSON(out); err != nil {
				return err
			}
		} else {
			if out.Stdout != "" {
				fmt.Println(out.Stdout)
			}
			if out.Stderr != "" {
				fmt.Println(styleMuted.Render(out.Stderr))
			}
		}
		if !out.Success {
			return errors.New(out.Error)
		}
		return nil
	},
}

func init() {
	actionsResolveCmd.Flags().BoolVar(&resolveRun, "run", false, "run the command and log it")

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsResolveCmd)
}
