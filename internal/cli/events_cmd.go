package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var recentEvents int64

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the Redis event mirror",
}

var eventsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stream length, unacknowledged count and recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, closeStream, err := connectStream()
		if err != nil {
			return err
		}
		defer closeStream()
		if stream == nil {
			fmt.Println("Event mirror disabled. Set redis.url in config.yaml or STEWARD_REDIS_URL.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		length, unacked, err := stream.Status(ctx)
		if err != nil {
			return fmt.Errorf("event stream status: %w", err)
		}
		events, err := stream.Recent(ctx, recentEvents)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(map[string]any{
				"stream":  stream.Name(),
				"length":  length,
				"pending": unacked,
				"recent":  events,
			})
		}
		fmt.Printf("Stream %s:\n", title(stream.Name()))
		fmt.Printf("  length:  %d\n", length)
		fmt.Printf("  pending: %d\n", unacked)
		for _, ev := range events {
			fmt.Printf("  %s  %-8s %s  %s\n", styleMuted.Render(ev.ID), ev.Kind, ev.Summary, styleMuted.Render(ago(ev.TS)))
		}
		return nil
	},
}

func init() {
	eventsStatusCmd.Flags().Int64VarP(&recentEvents, "recent", "n", 10, "how many recent events to show")

	eventsCmd.AddCommand(eventsStatusCmd)
}
