package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var seed, out string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl the seed and download every discovered resource",
		Long: `Fetches the seed page, follows same-origin links within the crawl budget,
and downloads every discovered resource into the output folder. Resources
already recorded as completed, blocked or invalid are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if seed != "" {
				cfg.SeedURL = seed
			}
			if out != "" {
				cfg.OutputDir = out
			}
			if err := cfg.ValidateSeed(); err != nil {
				return err
			}

			report, err := e.app.Run(cmd.Context(), cfg.SeedURL, cfg.OutputDir)
			s := report.Summary
			fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: pages=%d discovered=%d completed=%d failed=%d blocked=%d invalid=%d skipped=%d rejected=%d\n",
				report.RunID, report.Pages, report.Discovered,
				s.Completed, s.Failed, s.Blocked, s.Invalid, s.Skipped, s.Rejected,
			)
			if err != nil {
				e.logger.Error("run failed", zap.Error(err))
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "seed page URL (overrides seed_url)")
	cmd.Flags().StringVar(&out, "out", "", "output folder (overrides output_dir)")
	return cmd
}
