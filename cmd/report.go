package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jiang10061/image-downloader/internal/harvest"
)

func newReportCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List the records in the dedup store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := harvest.Status(status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			records, err := e.app.Store().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tRETRIES\tURL\tPATH\tLAST ERROR")
			count := 0
			for _, rec := range records {
				if filter != "" && rec.Status != filter {
					continue
				}
				count++
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", rec.Status, rec.RetryCount, rec.URL, rec.LocalPath, rec.LastError)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d record(s)\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list records with this status")
	return cmd
}
