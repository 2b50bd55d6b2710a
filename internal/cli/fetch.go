package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coffersTech/mapwatch/internal/ingest"
	"github.com/coffersTech/mapwatch/internal/storage"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	Server     string
	World      string
	Repeat     int
	Interval   time.Duration
	ArchiveDir string
	NoDB       bool
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download map updates and store them as snapshots",
		Long: `Download the Dynmap update of a server world and store it in the
database, an archive directory, or both.

With --repeat 0 the command polls until interrupted. Failed downloads are
logged and polling continues.

Examples:
  mapwatch fetch --server smp7
  mapwatch fetch --server smp7 --world wilderness --repeat 0 --interval 1m
  mapwatch fetch --server smp7 --repeat 0 --no-db --archive ./archive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server name, e.g. smp7 (required)")
	_ = cmd.MarkFlagRequired("server")
	cmd.Flags().StringVar(&opts.World, "world", "wilderness", "world to download")
	cmd.Flags().IntVar(&opts.Repeat, "repeat", 1, "number of downloads; 0 polls until interrupted")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "wait between downloads (default from config)")
	cmd.Flags().StringVar(&opts.ArchiveDir, "archive", "", "also append snapshots to daily archives in this directory")
	cmd.Flags().BoolVar(&opts.NoDB, "no-db", false, "do not write to the database")

	return cmd
}

func runFetch(opts *FetchOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Repeat < 0 {
		return NewExitError(ExitCommandError, "--repeat must not be negative")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = opts.Config.Collector.Interval
	}
	archiveDir := opts.ArchiveDir
	if archiveDir == "" {
		archiveDir = opts.Config.Collector.ArchiveDir
	}

	var sinks []storage.Appender
	if !opts.NoDB {
		store, err := openStore(ctx, opts.RootOptions)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}
	if archiveDir != "" {
		archive, err := storage.NewArchiveWriter(archiveDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open archive", err)
		}
		defer archive.Close()
		sinks = append(sinks, archive)
	}
	if len(sinks) == 0 {
		return NewExitError(ExitCommandError, "nothing to store snapshots in: --no-db needs --archive")
	}

	collector, err := ingest.New(ingest.Config{
		Server:  opts.Server,
		World:   opts.World,
		BaseURL: opts.Config.Collector.BaseURL,
		Timeout: opts.Config.Collector.Timeout,
	}, sinks, ingest.WithLogger(opts.Logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create collector", err)
	}

	if opts.Repeat == 1 {
		ts, err := collector.Once(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "fetch failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s snapshot from %s\n", opts.Server, ts.UTC().Format(time.RFC3339))
		return nil
	}

	collector.Run(ctx, opts.Repeat, interval)
	return nil
}
