// Package cli implements hydronodectl, the operator tool for the telemetry
// store.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hydronode/telemetry-service/internal/config"
	"github.com/hydronode/telemetry-service/internal/observability"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

type rootOptions struct {
	cfgFile string
	cfg     *config.Config
}

func NewRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "hydronodectl",
		Short:         "Inspect and maintain hydronode telemetry",
		Long:          `Reads the sensor archive and the recent-reading index, and runs retention by hand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			observability.SetupLogging(cfg.LogLevel)
			opts.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "YAML config file (environment variables override it)")

	root.AddCommand(
		newLatestCmd(opts),
		newSeriesCmd(opts),
		newSweepCmd(opts),
		newVersionCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "hydronodectl", Version)
			return err
		},
	}
}
