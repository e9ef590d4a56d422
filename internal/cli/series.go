package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hydronode/telemetry-service/internal/dataclient"
	"github.com/hydronode/telemetry-service/internal/series"
)

type seriesOutput struct {
	NodeID string                   `json:"nodeId"`
	Data   map[string]series.Series `json:"data"`
	Errors map[string]string        `json:"errors,omitempty"`
}

func newSeriesCmd(opts *rootOptions) *cobra.Command {
	var (
		apiURL    string
		nodeID    string
		types     []string
		timeframe string
		height    float64
	)
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Fetch metric series for a node through the telemetry API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(apiURL) == "" {
				return errors.New("--api-url is required")
			}
			loc, err := opts.cfg.Location()
			if err != nil {
				return err
			}
			reader := series.NewReader(dataclient.New(apiURL, loc))
			if opts.cfg.Query.InstantTimeout > 0 {
				reader.InstantTimeout = opts.cfg.Query.InstantTimeout
			}
			if opts.cfg.Query.HistoricTimeout > 0 {
				reader.HistoricTimeout = opts.cfg.Query.HistoricTimeout
			}
			res, err := reader.FetchSeries(cmd.Context(), series.Request{
				NodeID:       nodeID,
				Types:        types,
				Timeframe:    timeframe,
				VesselHeight: height,
			})
			if err != nil {
				return err
			}
			out := seriesOutput{NodeID: nodeID, Data: res.Series}
			if len(res.Errors) > 0 {
				out.Errors = make(map[string]string, len(res.Errors))
				for metric, err := range res.Errors {
					out.Errors[metric] = err.Error()
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "base URL of the telemetry API")
	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	cmd.Flags().StringSliceVar(&types, "type", []string{series.MetricDistance}, "metric types, comma separated")
	cmd.Flags().StringVar(&timeframe, "timeframe", series.Now, "NOW, WEEK, MONTH or YEAR")
	cmd.Flags().Float64Var(&height, "vessel-height", 0, "vessel height in mm, enables the fill series")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}
