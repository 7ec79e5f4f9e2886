package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"resolvd/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	Long: `Serve the resolution API:

  POST   /api/resolve                 submit a query (?wait=1 blocks until settled)
  GET    /api/queries[/{id}]          query state and results
  POST   /api/queries/{id}/cancel     stop notifications for a query
  GET    /api/resolvers               registered resolvers
  POST   /api/resolvers/{id}/offline  take a resolver offline (or /online)
  GET    /api/artists/{name}          artist page with resolved top hits
  GET    /api/info?type=lyrics&...    raw info request
  GET    /ws?query_id=...             live query updates
  GET    /metrics                     Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp("serve")
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.Listen
	if serveListen != "" {
		addr = serveListen
	}

	ctx := a.sh.Context()
	srv := web.NewServer(ctx, web.Deps{
		Pipeline: a.pipeline,
		Registry: a.registry,
		Info:     a.info,
		Metrics:  a.metrics,
	}, a.cfg, a.log)
	a.sh.AddCleanup(srv.Close)

	a.sh.Add(1)
	go func() {
		defer a.sh.Done()
		purgeCache(ctx, a)
	}()

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	a.log.Info("Server stopped")
	return nil
}

// purgeCache drops expired info cache rows hourly until ctx is done.
func purgeCache(ctx context.Context, a *app) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.cache.Purge(ctx)
			if err != nil {
				a.log.Warn("Info cache purge failed: %v", err)
				continue
			}
			if n > 0 {
				a.log.Debug("Purged %d expired info cache entries", n)
			}
		}
	}
}
