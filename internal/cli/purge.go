package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Days int
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old snapshots",
		Long: `Delete snapshots older than --days, or older than the configured
retention when --days is not given.

Examples:
  mapwatch purge --days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0, "keep this many days of snapshots")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if opts.Days < 0 {
		return NewExitError(ExitCommandError, "--days must not be negative")
	}
	retention := time.Duration(opts.Days) * 24 * time.Hour
	if retention == 0 {
		retention = opts.Config.Retention
	}
	if retention == 0 {
		return NewExitError(ExitCommandError, "no retention: pass --days or set retention in the config")
	}

	store, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-retention).Truncate(time.Second)
	deleted, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return WrapExitError(ExitFailure, "purge failed", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d snapshots up to %s\n", deleted, cutoff.UTC().Format(time.RFC3339))
	return nil
}
