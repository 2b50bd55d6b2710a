package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coffersTech/mapwatch/internal/ingest"
	"github.com/coffersTech/mapwatch/internal/registry"
	"github.com/coffersTech/mapwatch/internal/server"
	"github.com/coffersTech/mapwatch/internal/storage"
)

const (
	shutdownTimeout = 5 * time.Second
	cleanerInterval = time.Hour
	feedCheckEvery  = time.Minute
	feedStaleFactor = 5
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query API",
		Long: `Serve the query API over HTTP. The retention cleaner and the collectors
for every configured feed run alongside it. SIGINT or SIGTERM stops the
server, waiting up to 5 seconds for requests in flight.

Examples:
  mapwatch serve
  mapwatch serve --addr :9000 --config mapwatch.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	store, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := openKeys(opts.RootOptions)
	if err != nil {
		return err
	}
	if !keys.HasKeys() {
		opts.Logger.Warn("no access keys configured, the API is open")
	}

	feeds := registry.NewStore()
	if err := startCollectors(ctx, opts.RootOptions, store, feeds); err != nil {
		return err
	}

	go store.RunCleaner(ctx, cfg.Retention, cleanerInterval)

	srv := server.NewQueryServer(store, store,
		server.WithAccessKeys(keys),
		server.WithFeeds(feeds),
		server.WithLogger(opts.Logger),
		server.WithMaxQuerySpan(cfg.Server.MaxQuerySpan),
		server.WithGapThreshold(cfg.Query.GapThreshold),
		server.WithMapHost(cfg.Server.MapHost),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "server stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	opts.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	return <-errCh
}

// startCollectors polls every configured feed until ctx is done. Feeds are
// reported stale after missing several polling intervals.
func startCollectors(ctx context.Context, opts *RootOptions, store *storage.Store, feeds *registry.Store) error {
	cc := opts.Config.Collector
	if len(cc.Feeds) == 0 {
		return nil
	}

	sinks := []storage.Appender{store}
	if cc.ArchiveDir != "" {
		archive, err := storage.NewArchiveWriter(cc.ArchiveDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open archive", err)
		}
		go func() {
			<-ctx.Done()
			archive.Close()
		}()
		sinks = append(sinks, archive)
	}

	for _, feed := range cc.Feeds {
		collector, err := ingest.New(ingest.Config{
			Server:  feed.Server,
			World:   feed.World,
			BaseURL: cc.BaseURL,
			Timeout: cc.Timeout,
		}, sinks, ingest.WithLogger(opts.Logger), ingest.WithRegistry(feeds))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create collector", err)
		}
		go collector.Run(ctx, 0, cc.Interval)
	}

	feeds.StartCleanupLoop(ctx, feedCheckEvery, feedStaleFactor*cc.Interval)
	return nil
}
