package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/edgard/murailocrm/internal/database"
)

// MigrateResult is the outcome of the migrate command.
type MigrateResult struct {
	Driver  string `json:"driver" yaml:"driver"`
	Version uint   `json:"version" yaml:"version"`
	Dirty   bool   `json:"dirty" yaml:"dirty"`
}

// NewMigrateCommand applies the embedded schema migrations.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			// NewDB applies migrations on open.
			db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer database.CloseDB(db)

			version, dirty, err := database.MigrationVersion(db.DB, cfg.Database.Driver)
			if err != nil {
				return err
			}

			res := MigrateResult{Driver: cfg.Database.Driver, Version: version, Dirty: dirty}
			return render(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) error {
				state := "clean"
				if dirty {
					state = "dirty"
				}
				_, err := fmt.Fprintf(w, "%s schema at version %d (%s)\n", res.Driver, res.Version, state)
				return err
			})
		},
	}
}
