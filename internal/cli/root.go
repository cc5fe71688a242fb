// Package cli implements the entitystore command line: inspecting the
// resolved configuration, running the transaction demo and maintaining
// record tables.
package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/goliatone/go-entity-store/config"
	"github.com/goliatone/go-entity-store/internal/logging"
	"github.com/goliatone/go-entity-store/pkg/di"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags and the configuration they resolve to.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "text" | "json"

	Config config.Config
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the entitystore command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "entitystore",
		Short: "Entity store maintenance tool",
		Long:  "Inspect configuration, exercise transaction scopes and maintain the record tables of an entity store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.Logging.Level = opts.LogLevel
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			opts.Config = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewConnectionsCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// container builds the wiring for one command run. Logs go to errOut so
// JSON output stays parseable.
func (o *RootOptions) container(errOut io.Writer) (*di.Container, error) {
	logger, err := logging.New(errOut, o.Config.Logging.Level, o.Config.Logging.Format)
	if err != nil {
		return nil, err
	}
	return di.NewContainer(o.Config, di.WithLogger(logger))
}
