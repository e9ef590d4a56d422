package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hydronode/telemetry-service/internal/app"
	"github.com/hydronode/telemetry-service/internal/archive"
)

type latestItem struct {
	Key          string `json:"key"`
	LastModified int64  `json:"lastModified"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newLatestCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		sortBy string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "latest [thing]",
		Short: "Print the newest archived objects of a node, or of a whole prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, err := archive.ParseSortBy(sortBy)
			if err != nil {
				return err
			}
			p := prefix
			if p == "" {
				p = opts.cfg.Archive.Prefix
			}
			if len(args) == 1 {
				p = archive.NodePrefix(opts.cfg.Archive.Prefix, args[0])
			}
			if limit <= 0 {
				return fmt.Errorf("limit must be positive")
			}

			arch, err := app.OpenArchive(cmd.Context(), opts.cfg.Archive)
			if err != nil {
				return err
			}
			defer arch.Close()

			reader := archive.NewReader(arch, archive.ListOptions{
				PageSize:    opts.cfg.Archive.PageSize,
				Concurrency: opts.cfg.Archive.ListConcurrency,
			})
			results, err := reader.ListLatestBy(cmd.Context(), p, limit, by)
			if err != nil {
				return err
			}
			items := make([]latestItem, 0, len(results))
			for _, r := range results {
				it := latestItem{Key: r.Key, LastModified: r.LastModified, Data: r.Data}
				if r.Err != nil {
					it.Error = r.Err.Error()
				}
				items = append(items, it)
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of objects to print")
	cmd.Flags().StringVar(&sortBy, "sort", "keyTimestamp", "keyTimestamp or modifiedTime")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix to list when no thing is given")
	return cmd
}
