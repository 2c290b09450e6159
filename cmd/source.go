package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/service"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "source",
		Aliases: []string{"sources"},
		Short:   "Manage crawl sources",
	}
	cmd.AddCommand(
		newSourceAddCmd(),
		newSourceListCmd(),
		newSourceShowCmd(),
		newSourceToggleCmd("enable", true),
		newSourceToggleCmd("disable", false),
		newSourceScheduleCmd(),
		newSourceDeleteCmd(),
	)
	return cmd
}

func newSourceAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new source",
		Long: `Register a website or social-platform source.

Example:
  faceharvest source add acme --kind website --url https://acme.example --max-pages 200
  faceharvest source add team --kind instagram --profile https://instagram.com/a --profile https://instagram.com/b --schedule @daily`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := appInstance.Service().CreateSource(cmd.Context(), service.SourceInput{
				Name:     args[0],
				Kind:     crawler.SourceKind(mustGetString(cmd, "kind")),
				BaseURL:  mustGetString(cmd, "url"),
				Enabled:  !mustGetBool(cmd, "disabled"),
				Schedule: mustGetString(cmd, "schedule"),
				Config: crawler.CrawlConfig{
					MaxPages:           mustGetInt(cmd, "max-pages"),
					MaxDepth:           mustGetInt(cmd, "max-depth"),
					RateLimitPerMinute: mustGetInt(cmd, "rate-limit"),
					Profiles:           mustGetStringSlice(cmd, "profile"),
					FollowConnections:  mustGetBool(cmd, "follow-connections"),
					MaxConnections:     mustGetInt(cmd, "max-connections"),
					RenderJS:           mustGetBool(cmd, "render-js"),
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created source %s (%s)\n", src.Name, src.ID)
			return nil
		},
	}
	cmd.Flags().String("kind", string(crawler.SourceKindWebsite), "Source kind: website, instagram, twitter, tiktok, facebook")
	cmd.Flags().String("url", "", "Base URL or profile address")
	cmd.Flags().Bool("disabled", false, "Create the source disabled")
	cmd.Flags().String("schedule", "", "Cron expression or descriptor such as @daily")
	cmd.Flags().Int("max-pages", 0, "Page budget per crawl (0 uses the deployment default)")
	cmd.Flags().Int("max-depth", 0, "Link depth from the base URL (0 uses the deployment default)")
	cmd.Flags().Int("rate-limit", 0, "Requests per minute per host (0 uses the deployment default)")
	cmd.Flags().StringSlice("profile", nil, "Additional profile addresses (repeatable)")
	cmd.Flags().Bool("follow-connections", false, "Also crawl profiles connected to the listed ones")
	cmd.Flags().Int("max-connections", 0, "Cap on connected profiles followed")
	cmd.Flags().Bool("render-js", false, "Render pages with headless Chrome")
	return cmd
}

func newSourceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sources, err := appInstance.Service().ListSources(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if mustGetBool(cmd, "json") {
				return printJSON(out, sources)
			}
			if len(sources) == 0 {
				fmt.Fprintln(out, "No sources found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tENABLED\tSCHEDULE\tIMAGES\tFACES\tLAST STATUS\tLAST CRAWLED")
			fmt.Fprintln(w, "--\t----\t----\t-------\t--------\t------\t-----\t-----------\t------------")
			for _, src := range sources {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\t%d\t%s\t%s\n",
					src.ID, src.Name, src.Kind, src.Enabled, orDash(src.Schedule),
					src.ImagesFound, src.FacesIndexed, orDash(string(src.LastStatus)), formatTime(src.LastCrawledAt))
			}
			w.Flush()
			fmt.Fprintf(out, "\nTotal: %d sources\n", len(sources))
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newSourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <source>",
		Short: "Show one source as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := appInstance.Service().GetSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), src)
		},
	}
}

func newSourceToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <source>",
		Short: fmt.Sprintf("%s a source", capitalize(verb)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := appInstance.Service().SetSourceEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Source %s %sd\n", src.Name, verb)
			return nil
		},
	}
}

func newSourceScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <source> [expr]",
		Short: "Set or clear a source's cron schedule",
		Long: `Set the cron schedule of a source. Omitting the expression clears it.

Example:
  faceharvest source schedule acme "0 3 * * *"
  faceharvest source schedule acme`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			expr := ""
			if len(args) == 2 {
				expr = args[1]
			}
			src, err := appInstance.Service().SetSourceSchedule(cmd.Context(), args[0], expr)
			if err != nil {
				return err
			}
			if src.Schedule == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Schedule cleared for %s\n", src.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Source %s scheduled at %q\n", src.Name, src.Schedule)
			return nil
		},
	}
}

func newSourceDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <source>",
		Short: "Delete a source and its job history",
		Long: `Delete a source and its jobs. Downloaded images and indexed faces are kept.
A source with a queued or running job cannot be deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !mustGetBool(cmd, "yes") && !confirm(cmd, fmt.Sprintf("Delete source %s?", args[0])) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			if err := appInstance.Service().DeleteSource(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted source %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Skip confirmation prompt")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func printJob(out io.Writer, job crawler.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", job.ID)
	fmt.Fprintf(w, "Source:\t%s\n", job.SourceID)
	fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	fmt.Fprintf(w, "Trigger:\t%s (attempt %d)\n", job.Trigger, job.Attempt)
	if job.Message != "" {
		fmt.Fprintf(w, "Message:\t%s\n", job.Message)
	}
	c := job.Counters
	fmt.Fprintf(w, "Pages:\t%d\n", c.PagesCrawled)
	fmt.Fprintf(w, "Images:\t%d found, %d downloaded, %d skipped\n", c.ImagesFound, c.ImagesDownloaded, c.ImagesSkipped)
	fmt.Fprintf(w, "Faces:\t%d detected, %d indexed\n", c.FacesDetected, c.FacesIndexed)
	fmt.Fprintf(w, "Errors:\t%d\n", c.Errors)
	fmt.Fprintf(w, "Started:\t%s\n", formatTime(job.StartedAt))
	fmt.Fprintf(w, "Finished:\t%s\n", formatTime(job.FinishedAt))
	w.Flush()
}
