package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

type typeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// NewStatsCommand counts the rows per type in the record table of a
// connection.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <connection>",
		Short: "Count stored records per type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.container(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			store, err := c.SQLStore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := make([]typeCount, 0, len(stats))
			for name, n := range stats {
				out = append(out, typeCount{Type: name, Count: n})
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })

			p := newPrinter(rootOpts, cmd.OutOrStdout())
			return p.emit(out, func(w io.Writer) error {
				rows := make([][]any, 0, len(out))
				for _, tc := range out {
					rows = append(rows, []any{tc.Type, tc.Count})
				}
				return table(w, []any{"TYPE", "COUNT"}, rows)
			})
		},
	}
}

type purgeOptions struct {
	typeName string
	all      bool
}

// NewPurgeCommand deletes stored records of one type, or all of them with
// --all. The identity cache of running processes is not notified unless
// they share the Redis bus.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &purgeOptions{}
	cmd := &cobra.Command{
		Use:   "purge <connection>",
		Short: "Delete stored records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.typeName == "" && !opts.all {
				return fmt.Errorf("purge: pass --type or --all")
			}
			c, err := rootOpts.container(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			store, err := c.SQLStore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := store.Purge(cmd.Context(), opts.typeName)
			if err != nil {
				return err
			}
			// Peers listening on the bus drop their cached copies.
			c.Database().Refresh(cmd.Context())

			c.Logger().Info("records purged", "connection", args[0], "type", opts.typeName, "rows", n)
			p := newPrinter(rootOpts, cmd.OutOrStdout())
			return p.emit(map[string]int64{"deleted": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "deleted %d record(s)\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&opts.typeName, "type", "t", "", "fully qualified type name to purge")
	cmd.Flags().BoolVar(&opts.all, "all", false, "purge every type")
	cmd.MarkFlagsMutuallyExclusive("type", "all")
	return cmd
}
