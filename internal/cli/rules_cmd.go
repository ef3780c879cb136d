package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/steward/internal/daemon"
	"github.com/sbenjam1n/steward/internal/rules"
	"github.com/sbenjam1n/steward/internal/validator"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect rule documents",
}

type ruleView struct {
	Name       string   `json:"name"`
	Priority   int      `json:"priority"`
	Approval   string   `json:"approval"`
	Source     string   `json:"source,omitempty"`
	Action     string   `json:"action"`
	Conditions []string `json:"conditions"`
	Origin     string   `json:"origin"`
	Line       int      `json:"line"`
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		set := rules.Load(cfg.Rules, logger)

		views := make([]ruleView, 0, len(set.Rules))
		for _, r := range set.Rules {
			v := ruleView{
				Name:       r.Name,
				Priority:   r.Priority,
				Approval:   string(r.Approval),
				Source:     r.Source,
				Action:     r.Action,
				Conditions: make([]string, len(r.Conditions)),
				Origin:     r.Origin,
				Line:       r.Line,
			}
			for i, c := range r.Conditions {
				v.Conditions[i] = c.String()
			}
			views = append(views, v)
		}
		if asJSON {
			return printJSON(views)
		}

		for _, err := range set.Errors {
			fmt.Printf("%s %v\n", styleWarn.Render("warning:"), err)
		}
		if len(views) == 0 {
			fmt.Println("No rules loaded")
			return nil
		}
		for _, v := range views {
			mode := styleMuted.Render(v.Approval)
			if v.Approval == string(rules.ApprovalAuto) {
				mode = styleWarn.Render(v.Approval)
			}
			fmt.Printf("%s  %s  priority %d  %s\n", title(v.Name), mode, v.Priority,
				styleMuted.Render(fmt.Sprintf("%s:%d", filepath.Base(v.Origin), v.Line)))
			if v.Source != "" {
				fmt.Printf("    source: %s\n", v.Source)
			}
			for _, c := range v.Conditions {
				fmt.Printf("    - %s\n", c)
			}
			fmt.Printf("    => %s\n", v.Action)
		}
		return nil
	},
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check rule documents for problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		set := rules.Load(cfg.Rules, logger)
		reg := daemon.Registry(&cfg.Actions, set)

		results := make([]*validator.Result, 0, len(set.Documents))
		failed := len(set.Errors)
		for _, doc := range set.Documents {
			res := validator.Check(doc, reg)
			if !res.Passed {
				failed++
			}
			results = append(results, res)
		}

		if asJSON {
			if err := printJSON(results); err != nil {
				return err
			}
		} else {
			for _, err := range set.Errors {
				fmt.Printf("%s %v\n", styleFail.Render("FAIL"), err)
			}
			for _, res := range results {
				printResult(res)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d rule document(s) failed", failed)
		}
		if !asJSON {
			fmt.Println(styleOK.Render("All rule documents passed"))
		}
		return nil
	},
}

func printResult(res *validator.Result) {
	label := styleOK.Render("PASS")
	if !res.Passed {
		label = styleFail.Render("FAIL")
	}
	fmt.Printf("%s %s  %s\n", label, res.Path, styleMuted.Render(res.Message))
	for _, d := range res.Details {
		if d.Passed {
			continue
		}
		mark := styleFail.Render("  x")
		if d.Warning {
			mark = styleWarn.Render("  !")
		}
		where := d.Check
		if d.Rule != "" {
			where = fmt.Sprintf("%s (%s, line %d)", d.Check, d.Rule, d.Line)
		}
		fmt.Printf("%s %s: %s\n", mark, where, d.Got)
		if d.Fix != "" {
			fmt.Printf("      %s\n", styleMuted.Render(d.Fix))
		}
	}
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
}
