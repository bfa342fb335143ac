package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"loopdrop/storage"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		limit     int
		direction string
		status    string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent transfer records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dataDir, _, err := opts.load()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(dataDir)
			if err != nil {
				return fmt.Errorf("open history database: %w", err)
			}
			defer store.Close()

			records, err := store.ListTransfers(storage.TransferFilter{
				Direction: direction,
				Status:    status,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "TIME\tDIRECTION\tCHANNEL\tPORT\tFILE\tBYTES\tSTATUS\tDETAIL")
			for _, r := range records {
				fmt.Fprintf(out, "%s\t%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
					time.UnixMilli(r.Timestamp).Format(time.RFC3339),
					r.Direction,
					r.Channel,
					r.Port,
					r.FileName,
					r.FileSize,
					r.Status,
					r.Message,
				)
			}
			return out.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.Flags().StringVar(&direction, "direction", "", "filter by direction (send or receive)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (complete or failed)")
	return cmd
}
