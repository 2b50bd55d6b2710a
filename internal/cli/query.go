package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coffersTech/mapwatch/internal/engine"
	"github.com/coffersTech/mapwatch/internal/export"
	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/coffersTech/mapwatch/internal/storage"
)

// ValidQueryFormats defines the allowed query output formats.
var ValidQueryFormats = []string{"text", "json", "csv", "waypoints"}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Server     string
	World      string
	Start      string
	End        string
	Box        string // x1,z1,x2,z2
	Names      []string
	Gap        string
	Format     string
	ArchiveDir string // read snapshots from archives instead of the database
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Reconstruct player positions over a time range",
		Long: `Reconstruct the players seen on a server between two instants, with
the spans where no snapshot was recorded reported as gaps.

Times are RFC 3339, "YYYY-MM-DD HH:MM[:SS]" in UTC, or unix seconds.

Examples:
  mapwatch query --server smp7 --world wilderness --start "2024-05-01 12:00" --end "2024-05-01 18:00"
  mapwatch query --server smp7 --start 1714564800 --end 1714586400 --name alice --format json
  mapwatch query --server smp7 --start 2024-05-01 --end 2024-05-02 --box -500,-500,500,500 --format waypoints`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server name, e.g. smp7 (required)")
	_ = cmd.MarkFlagRequired("server")
	cmd.Flags().StringVar(&opts.World, "world", "", "world name; empty matches every world")
	cmd.Flags().StringVar(&opts.Start, "start", "", "range start (required)")
	_ = cmd.MarkFlagRequired("start")
	cmd.Flags().StringVar(&opts.End, "end", "", "range end (required)")
	_ = cmd.MarkFlagRequired("end")
	cmd.Flags().StringVar(&opts.Box, "box", "", "bounding box x1,z1,x2,z2")
	cmd.Flags().StringArrayVar(&opts.Names, "name", nil, "player name substring; repeatable or comma separated")
	cmd.Flags().StringVar(&opts.Gap, "gap", "", "gap threshold in seconds or as a duration (default from config)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "text", "output format (text|json|csv|waypoints)")
	cmd.Flags().StringVar(&opts.ArchiveDir, "archive", "", "read from snapshot archives in this directory")

	return cmd
}

func buildQuery(opts *QueryOptions) (model.Query, error) {
	start, err := model.ParseTime(opts.Start)
	if err != nil {
		return model.Query{}, err
	}
	end, err := model.ParseTime(opts.End)
	if err != nil {
		return model.Query{}, err
	}

	threshold, err := model.ParseGapThreshold(opts.Gap)
	if err != nil {
		return model.Query{}, err
	}
	if threshold == 0 {
		threshold = opts.Config.Query.GapThreshold
	}

	var box *model.BoundingBox
	if opts.Box != "" {
		parts := strings.Split(opts.Box, ",")
		if len(parts) != 4 {
			return model.Query{}, fmt.Errorf("%w: --box needs x1,z1,x2,z2", model.ErrInvalidQuery)
		}
		box, err = model.ParseBoundingBox(parts[0], parts[1], parts[2], parts[3])
		if err != nil {
			return model.Query{}, err
		}
	}

	q := model.Query{
		Server:       opts.Server,
		World:        opts.World,
		Start:        start,
		End:          end,
		GapThreshold: threshold,
		Box:          box,
		Names:        model.ParseNames(opts.Names),
	}
	return q, q.Validate()
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if !isValidFormat(opts.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidQueryFormats))
	}

	q, err := buildQuery(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	var src engine.Source
	if opts.ArchiveDir != "" {
		src = storage.NewArchiveSource(opts.ArchiveDir)
	} else {
		store, err := openStore(ctx, opts.RootOptions)
		if err != nil {
			return err
		}
		defer store.Close()
		src = store
	}

	seq, err := engine.Reconstruct(ctx, src, q)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open snapshots", err)
	}
	defer seq.Close()

	out := cmd.OutOrStdout()
	switch opts.Format {
	case "json":
		_, err = export.WriteJSON(out, seq.All())
		if err == nil {
			fmt.Fprintln(out)
		}
	case "csv":
		err = export.WriteCSV(out, seq.All())
	case "waypoints":
		var n int
		n, err = export.WriteWaypoints(out, seq.All())
		opts.Logger.Debug("waypoints written", "count", n)
	default:
		err = export.WriteText(out, seq.All())
	}
	if err != nil {
		return WrapExitError(ExitFailure, "reconstruction failed", err)
	}
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidQueryFormats {
		if f == format {
			return true
		}
	}
	return false
}
