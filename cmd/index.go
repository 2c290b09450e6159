package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/face-harvester/internal/service"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect, rebuild and search the face vector index",
	}
	cmd.AddCommand(
		newIndexStatusCmd(),
		newIndexResetCmd(),
		newIndexRebuildCmd(),
		newIndexSearchCmd(),
	)
	return cmd
}

func newIndexStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index size, dimension and last flush",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			status, err := appInstance.Service().IndexStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if mustGetBool(cmd, "json") {
				return printJSON(out, status)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Directory:\t%s\n", status.Dir)
			fmt.Fprintf(w, "Dimension:\t%d\n", status.Dimension)
			fmt.Fprintf(w, "Vectors:\t%d\n", status.Size)
			fmt.Fprintf(w, "Pending:\t%d\n", status.Pending)
			fmt.Fprintf(w, "Stored faces:\t%d\n", status.StoredFaces)
			fmt.Fprintf(w, "Last flush:\t%s\n", formatTime(status.LastFlush))
			w.Flush()
			if status.StoredFaces != status.Size+int64(status.Pending) {
				fmt.Fprintln(out, "\nIndex and face store disagree; run `faceharvest index rebuild`.")
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newIndexResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every vector from the index",
		Long: `Drop every vector. Stored faces and their embeddings are kept, so the
index can be restored with ` + "`faceharvest index rebuild`" + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !mustGetBool(cmd, "yes") && !confirm(cmd, "Drop every vector from the index?") {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			if err := appInstance.Service().ResetIndex(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Index reset.")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Skip confirmation prompt")
	return cmd
}

func newIndexRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from stored face embeddings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var bar *progressbar.ProgressBar
			progress := func(done, total int64) {
				if bar == nil {
					bar = progressbar.NewOptions64(total,
						progressbar.OptionSetWriter(cmd.ErrOrStderr()),
						progressbar.OptionSetDescription("Rebuilding index"),
						progressbar.OptionShowCount(),
						progressbar.OptionShowIts(),
						progressbar.OptionSetItsString("faces"),
						progressbar.OptionShowElapsedTimeOnFinish(),
						progressbar.OptionSetPredictTime(true),
						progressbar.OptionFullWidth(),
					)
				}
				_ = bar.Set64(done)
			}
			if mustGetBool(cmd, "quiet") {
				progress = nil
			}
			report, err := appInstance.Service().RebuildIndex(cmd.Context(), progress)
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d faces (%d skipped)\n", report.Indexed, report.Skipped)
			return nil
		},
	}
	cmd.Flags().Bool("quiet", false, "Hide the progress bar")
	return cmd
}

func newIndexSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <image>",
		Short: "Find indexed faces similar to the face in a photo",
		Long: `Detect the most confident face in the photo and list the closest indexed
faces with their source image.

Example:
  faceharvest index search ./query.jpg --top-k 5 --threshold 0.4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read query image: %w", err)
			}
			result, err := appInstance.Service().SearchImage(cmd.Context(), data,
				mustGetInt(cmd, "top-k"), mustGetFloat64(cmd, "threshold"))
			if errors.Is(err, service.ErrNoFace) {
				return fmt.Errorf("no face found in %s", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if mustGetBool(cmd, "json") {
				return printJSON(out, result)
			}
			fmt.Fprintf(out, "Query face confidence %.2f (%d faces in photo)\n\n", result.QueryConfidence, result.FacesInQuery)
			if len(result.Hits) == 0 {
				fmt.Fprintln(out, "No matches.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tSIMILARITY\tFACE\tSOURCE\tIMAGE URL\tPAGE URL")
			fmt.Fprintln(w, "----\t----------\t----\t------\t---------\t--------")
			for i, hit := range result.Hits {
				fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\t%s\t%s\n",
					i+1, hit.Similarity, hit.FaceID, hit.Face.SourceID, orDash(hit.Image.SourceURL), orDash(hit.Image.PageURL))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().Int("top-k", 0, "Maximum matches (0 uses the configured default)")
	cmd.Flags().Float64("threshold", -1, "Minimum cosine similarity (negative uses the configured default)")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}
