package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/steward/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the steward home directory",
	Long:  "Create config.yaml, an example rule document, and an empty pending.md under the home directory. Existing files are left alone.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(cfg.RulesPath(), 0o755); err != nil {
			return fmt.Errorf("create rules directory: %w", err)
		}

		files := []struct {
			path    string
			content string
		}{
			{cfg.ConfigPath(), config.Template},
			{filepath.Join(cfg.RulesPath(), "example.md"), config.ExampleRules},
		}
		for _, f := range files {
			created, err := writeIfMissing(f.path, f.content)
			if err != nil {
				return err
			}
			report(f.path, created)
		}

		q := openQueue()
		_, statErr := os.Stat(q.Path())
		if err := q.Ensure(); err != nil {
			return fmt.Errorf("create pending.md: %w", err)
		}
		report(q.Path(), os.IsNotExist(statErr))

		stream, closeStream, err := connectStream()
		if err != nil {
			return err
		}
		defer closeStream()
		if stream != nil {
			if err := stream.EnsureStream(context.Background()); err != nil {
				return fmt.Errorf("create event stream: %w", err)
			}
			fmt.Printf("Redis stream %s ready\n", stream.Name())
		}

		fmt.Println()
		fmt.Println("Next: add tools, actions and sources to config.yaml, then run")
		fmt.Println("  steward rules check")
		fmt.Println("  steward daemon run-once")
		return nil
	},
}

func writeIfMissing(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func report(path string, created bool) {
	if created {
		fmt.Printf("Created %s\n", path)
		return
	}
	fmt.Printf("%s already exists\n", path)
}
