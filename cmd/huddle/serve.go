package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	huddle "github.com/huddle-app/huddle/sdk/golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	serveAddr        string
	serveMetricsAddr string
	serveSeed        bool
	serveHookSecret  string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8780", "listen address for the API and push endpoints")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "listen address for /metrics (disabled when empty)")
	serveCmd.Flags().BoolVar(&serveSeed, "seed", true, "seed #general with a few messages")
	serveCmd.Flags().StringVar(&serveHookSecret, "hook-secret", "", "accept signed events on /hooks/events (disabled when empty)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory Huddle dev server",
	Long:  "Serve the Huddle HTTP, WebSocket and SSE API from memory. Bearer tokens are taken as user ids.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := newLogger()
		backend := huddle.NewMemoryBackend()
		if serveSeed {
			seedDemo(backend)
		}
		dev := huddle.NewDevServer(backend, log)
		if serveHookSecret != "" {
			if err := dev.EnableHooks(serveHookSecret); err != nil {
				return err
			}
		}
		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           dev.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if serveMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			msrv := &http.Server{Addr: serveMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", "err", err)
				}
			}()
			defer msrv.Close()
			fmt.Printf("Metrics on %s/metrics\n", serveMetricsAddr)
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Printf("Huddle dev server listening on %s\n", serveAddr)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func seedDemo(b *huddle.MemoryBackend) {
	now := time.Now()
	lines := []struct{ user, text string }{
		{"ada", "Morning all"},
		{"grace", "Deploy is green"},
		{"ada", "Nice, pinning the runbook"},
	}
	for i, l := range lines {
		at := now.Add(time.Duration(i-len(lines)) * time.Minute)
		b.Seed(huddle.Message{
			ChannelID: "general",
			SenderID:  l.user,
			Content:   huddle.String(l.text),
			Type:      huddle.MessageText,
			CreatedAt: at,
			UpdatedAt: at,
		})
	}
}
