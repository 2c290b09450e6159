package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <source>",
		Short: "Run one crawl for a source in the foreground.",
		Long: `crawl creates a manual job for the source (ID or name) and runs it to
completion in this process, whatever queue is configured.

Example:
  faceharvest crawl acme-team`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := appInstance.Service().GetSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			job, err := appInstance.Dispatcher().RunNow(cmd.Context(), src.ID, crawler.TriggerManual)
			if err != nil {
				return fmt.Errorf("crawl %s: %w", src.Name, err)
			}
			if mustGetBool(cmd, "json") {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			if job.Status == crawler.JobStatusFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Message)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}
