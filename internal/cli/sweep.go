package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hydronode/telemetry-service/internal/app"
	"github.com/hydronode/telemetry-service/internal/retention"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var maxEntries int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Trim every node in the recent-reading index to the retention limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.CheckRequired(opts.cfg); err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			limit := opts.cfg.Retention.MaxEntries
			if maxEntries > 0 {
				limit = maxEntries
			}
			removed, err := retention.New(a.Repo, limit).SweepOnce(cmd.Context())
			if _, perr := fmt.Fprintf(cmd.OutOrStdout(), "removed %d rows\n", removed); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxEntries, "max-entries", 0, "override the configured retention limit")
	return cmd
}
