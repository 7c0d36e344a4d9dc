package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgard/murailocrm/internal/app"
	"github.com/edgard/murailocrm/internal/merge"
)

type sweepOptions struct {
	ids    []int64
	limit  int
	minAge time.Duration
}

// NewSweepCommand runs the contact merge sweep once.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	so := &sweepOptions{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Merge duplicate and placeholder contacts",
		Long: `Run the contact merge sweep once.

Unresolved contacts are matched against the automation platform and either
merged into the contact that owns their identity, upgraded in place, or
deleted when nothing references them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			core, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer core.Close()

			report, err := core.Merge.Sweep(cmd.Context(), so.filter(time.Now()))
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), opts.Format, report); err != nil {
				return err
			}
			if report.Errors > 0 {
				return fmt.Errorf("%d contact(s) failed", report.Errors)
			}
			return nil
		},
	}

	cmd.Flags().Int64SliceVar(&so.ids, "ids", nil, "only sweep these contact ids")
	cmd.Flags().IntVar(&so.limit, "limit", 0, "maximum number of candidates (0 = no limit)")
	cmd.Flags().DurationVar(&so.minAge, "min-age", 0, "skip contacts created more recently than this")
	return cmd
}

func (o *sweepOptions) filter(now time.Time) merge.Filter {
	f := merge.Filter{ContactIDs: o.ids, Limit: o.limit}
	if o.minAge > 0 {
		f.CreatedBefore = now.Add(-o.minAge)
	}
	return f
}

func writeReport(w io.Writer, format string, report merge.Report) error {
	return render(w, format, report, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "Merge sweep: %s\n", report.String()); err != nil {
			return err
		}
		for _, f := range report.Failures {
			if _, err := fmt.Fprintf(w, "  contact %d: %s\n", f.ContactID, f.Error); err != nil {
				return err
			}
		}
		return nil
	})
}
