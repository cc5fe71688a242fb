package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// NewConfigCommand prints the configuration after file and environment
// overrides.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(rootOpts, cmd.OutOrStdout())
			return p.emit(rootOpts.Config, func(w io.Writer) error {
				data, err := rootOpts.Config.Marshal()
				if err != nil {
					return err
				}
				_, err = w.Write(data)
				return err
			})
		},
	}
}

type connectionInfo struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// NewConnectionsCommand lists the configured connections. DSNs are not
// printed since they may carry credentials.
func NewConnectionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List configured connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []connectionInfo
			for _, name := range rootOpts.Config.ConnectionNames() {
				out = append(out, connectionInfo{Name: name, Driver: rootOpts.Config.Connections[name].Driver})
			}
			p := newPrinter(rootOpts, cmd.OutOrStdout())
			return p.emit(out, func(w io.Writer) error {
				rows := make([][]any, 0, len(out))
				for _, c := range out {
					rows = append(rows, []any{c.Name, c.Driver})
				}
				return table(w, []any{"NAME", "DRIVER"}, rows)
			})
		},
	}
}
