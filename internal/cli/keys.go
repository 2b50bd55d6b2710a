package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coffersTech/mapwatch/internal/controller"
)

// NewKeysCommand creates the keys command and its add, list and rm
// subcommands.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API access keys",
		Long: `Manage the access keys accepted by the query API. While no key exists
the API accepts every request.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME",
		Short: "Create an access key and print its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeys(rootOpts)
			if err != nil {
				return err
			}
			key, secret, err := keys.CreateKey(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "failed to create key", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created key %s (%s)\n", key.Name, key.ID)
			fmt.Fprintf(out, "Secret: %s\n", secret)
			fmt.Fprintln(out, "The secret is shown only once.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List access keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeys(rootOpts)
			if err != nil {
				return err
			}
			list := keys.ListKeys()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No access keys.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED")
			for _, k := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", k.ID, k.Name, time.Unix(k.CreatedAt, 0).UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm ID",
		Short: "Delete an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeys(rootOpts)
			if err != nil {
				return err
			}
			if err := keys.DeleteKey(args[0]); err != nil {
				if errors.Is(err, controller.ErrKeyNotFound) {
					return WrapExitError(ExitCommandError, "no such key", err)
				}
				return WrapExitError(ExitFailure, "failed to delete key", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %s\n", args[0])
			return nil
		},
	})

	return cmd
}
