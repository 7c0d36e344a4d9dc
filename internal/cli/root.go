// Package cli implements crmctl, the operations CLI of the CRM.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/logger"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json", "yaml"}

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool
}

// NewRootCommand builds the crmctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "crmctl",
		Short:         "Operate the CRM reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "./config.yaml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr at debug level")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	return cmd
}

// load reads the configuration and builds a logger on stderr so that
// structured output on stdout stays clean.
func (o *RootOptions) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	log := logger.New(stderr, level, false)
	slog.SetDefault(log)
	return cfg, log, nil
}
