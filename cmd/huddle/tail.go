package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	huddle "github.com/huddle-app/huddle/sdk/golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	tailThread      string
	tailLimit       int
	tailRows        int
	tailMetricsAddr string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailThread, "thread", "", "follow the replies of a root message instead")
	tailCmd.Flags().IntVar(&tailLimit, "limit", 20, "page size")
	tailCmd.Flags().IntVar(&tailRows, "rows", 20, "message lines to show; older pages load until they are filled")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "expose the engine's /metrics on this address")
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Follow a channel live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var extra []huddle.EngineOption
		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			extra = append(extra, huddle.WithMetrics(huddle.NewMetrics(reg)))
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			msrv := &http.Server{Addr: tailMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Printf("metrics server: %v\n", err)
				}
			}()
			defer msrv.Close()
		}

		engine, cleanup, err := getEngine(mustConfig(), extra...)
		if err != nil {
			return err
		}
		defer cleanup()

		view, err := engine.OpenView(ctx, huddle.WindowKey{ChannelID: args[0], ThreadID: tailThread, Limit: tailLimit})
		if err != nil {
			return err
		}
		defer view.Close()

		// One line per message, pinned to the bottom of the list.
		lines := huddle.NewWindowController(func() { view.LoadOlder() },
			huddle.WithItemEstimate(1),
			huddle.WithOverscan(0),
			huddle.WithLoadThreshold(0),
		)

		changed := make(chan struct{}, 1)
		view.OnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				render(view, lines)
			}
		}
	},
}

func render(view *huddle.View, lines *huddle.WindowController) {
	info := view.Info()
	msgs := view.Messages()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	top := float64(max(len(ids)-tailRows, 0))
	slice := lines.Layout(ids, huddle.Viewport{ScrollTop: top, Height: float64(tailRows)})
	if !info.Loading {
		lines.OnScroll(top)
	}

	var b strings.Builder
	b.WriteString("\033[H\033[2J")
	fmt.Fprintf(&b, "#%s  [%s]", info.Key.ChannelID, view.State())
	if info.Loading {
		b.WriteString("  loading...")
	}
	b.WriteString("\n\n")
	for _, m := range msgs[slice.Start:slice.End] {
		flags := ""
		if m.IsPinned {
			flags += " [pinned]"
		}
		if m.IsEdited {
			flags += " (edited)"
		}
		if m.ThreadCount > 0 {
			flags += fmt.Sprintf(" [%d replies]", m.ThreadCount)
		}
		if len(m.Reactions) > 0 {
			counts := map[string]int{}
			var order []string
			for _, r := range m.Reactions {
				if counts[r.Emoji] == 0 {
					order = append(order, r.Emoji)
				}
				counts[r.Emoji]++
			}
			for _, e := range order {
				flags += fmt.Sprintf(" %s%d", e, counts[e])
			}
		}
		fmt.Fprintf(&b, "%-14s %-10s %s%s\n", humanize.Time(m.CreatedAt), m.SenderID, m.Text(), flags)
	}
	if typing := view.TypingUsers(); len(typing) > 0 {
		names := make([]string, len(typing))
		for i, t := range typing {
			names[i] = valueOrDefault(t.UserName, t.UserID)
		}
		fmt.Fprintf(&b, "\n%s typing...\n", strings.Join(names, ", "))
	}
	fmt.Print(b.String())
}
