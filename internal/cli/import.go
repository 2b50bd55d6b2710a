package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coffersTech/mapwatch/internal/storage"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	StatePath string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import DIR",
		Short: "Load snapshot archives into the database",
		Long: `Copy every daily archive in DIR into the database, oldest day first.

With --state the last imported day is recorded after each day, and a later
run continues with the following day.

Examples:
  mapwatch import ./archive
  mapwatch import ./archive --state ./archive/.imported`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.StatePath, "state", "", "file recording the last imported day")

	return cmd
}

func runImport(opts *ImportOptions, cmd *cobra.Command, dir string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := storage.ImportArchives(ctx, storage.NewArchiveSource(dir), store, opts.StatePath, opts.Logger)
	if err != nil {
		return WrapExitError(ExitFailure, "import failed", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported %d snapshots from %d days\n", res.Snapshots, res.Days)
	if !res.LastDay.IsZero() {
		fmt.Fprintf(out, "Last day: %s\n", res.LastDay.Format(time.DateOnly))
	}
	return nil
}
