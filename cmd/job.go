package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "job",
		Aliases: []string{"jobs"},
		Short:   "Inspect and control crawl jobs",
	}
	cmd.AddCommand(
		newJobListCmd(),
		newJobShowCmd(),
		newJobTriggerCmd(),
		newJobCancelCmd(),
	)
	return cmd
}

func newJobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter := crawler.JobFilter{
				SourceID: mustGetString(cmd, "source"),
				Limit:    mustGetInt(cmd, "limit"),
			}
			for _, status := range mustGetStringSlice(cmd, "status") {
				filter.Statuses = append(filter.Statuses, crawler.JobStatus(status))
			}
			jobs, err := appInstance.Service().ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if mustGetBool(cmd, "json") {
				return printJSON(out, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tTRIGGER\tATTEMPT\tPAGES\tIMAGES\tFACES\tCREATED")
			fmt.Fprintln(w, "--\t------\t------\t-------\t-------\t-----\t------\t-----\t-------")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					job.ID, job.SourceID, job.Status, job.Trigger, job.Attempt,
					job.Counters.PagesCrawled, job.Counters.ImagesDownloaded, job.Counters.FacesIndexed,
					formatTime(&job.CreatedAt))
			}
			w.Flush()
			fmt.Fprintf(out, "\nTotal: %d jobs\n", len(jobs))
			return nil
		},
	}
	cmd.Flags().String("source", "", "Only jobs for this source (ID or name)")
	cmd.Flags().StringSlice("status", nil, "Only jobs in these statuses (queued, running, succeeded, failed, cancelled)")
	cmd.Flags().Int("limit", 50, "Maximum number of jobs to show")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newJobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's status and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := appInstance.Service().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if mustGetBool(cmd, "json") {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newJobTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <source>",
		Short: "Submit a manual job for a source",
		Long: `Submit a manual job through the configured queue. With the inline or
memory queue the job runs before the command returns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := appInstance.Service().TriggerJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newJobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Service().CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s\n", args[0])
			return nil
		},
	}
}
