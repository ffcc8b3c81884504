package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	huddle "github.com/huddle-app/huddle/sdk/golang"
	"github.com/spf13/cobra"
)

var statusChannel string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusChannel, "channel", "general", "channel to probe")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server reachability",
	Long:  "Display the current configuration and probe the server with a one-message page fetch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, huddle.DefaultBaseURL+" (default)"))
		fmt.Printf("  Transport:  %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:      %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:      (not set)")
		}
		fmt.Printf("  User:       %s\n", valueOrDefault(cfg.User.ID, "(not set)"))
		fmt.Printf("  Snapshots:  %s\n", valueOrDefault(cfg.Cache.SnapshotDir, "(disabled)"))

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		msgs, err := getClient(cfg).FetchPage(ctx, statusChannel, huddle.PageQuery{Limit: 1})
		if err != nil {
			fmt.Printf("  Error fetching #%s: %v\n", statusChannel, err)
			return nil
		}
		fmt.Printf("  Reachable:  yes (%s)\n", time.Since(start).Round(time.Millisecond))
		if len(msgs) == 0 {
			fmt.Printf("  Latest:     #%s is empty\n", statusChannel)
			return nil
		}
		last := msgs[len(msgs)-1]
		fmt.Printf("  Latest:     %s in #%s, %s\n", last.ID, statusChannel, humanize.Time(last.CreatedAt))
		return nil
	},
}
