package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proxy",
		Aliases: []string{"proxies"},
		Short:   "Manage the outbound proxy pool",
	}
	cmd.AddCommand(
		newProxyAddCmd(),
		newProxyImportCmd(),
		newProxyListCmd(),
		newProxyDeleteCmd(),
		newProxyHealthCmd(),
		newProxyReactivateCmd(),
	)
	return cmd
}

func newProxyAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <[scheme://][user:pass@]host:port>",
		Short: "Add one proxy endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			endpoint, err := appInstance.Service().AddProxy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added proxy %s (%s)\n", endpoint.Address, endpoint.ID)
			return nil
		},
	}
}

func newProxyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import proxies from a text or YAML file",
		Long: `Import proxies from a file with one endpoint per line (# starts a comment)
or a YAML list of {address, protocol, username, password} entries.
Endpoints already in the pool are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read proxy list: %w", err)
			}
			report, err := appInstance.Service().ImportProxies(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d proxies (%d duplicates skipped)\n", report.Added, report.Duplicates)
			return nil
		},
	}
}

func newProxyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proxies with their health statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			proxies, err := appInstance.Service().ListProxies(cmd.Context(), mustGetBool(cmd, "active"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if mustGetBool(cmd, "json") {
				return printJSON(out, proxies)
			}
			if len(proxies) == 0 {
				fmt.Fprintln(out, "No proxies found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tPROTOCOL\tACTIVE\tOK\tFAILED\tLATENCY\tLAST CHECKED")
			fmt.Fprintln(w, "--\t-------\t--------\t------\t--\t------\t-------\t------------")
			for _, p := range proxies {
				latency := "-"
				if p.AvgLatencyMs > 0 {
					latency = strconv.FormatFloat(p.AvgLatencyMs, 'f', 0, 64) + "ms"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\t%s\n",
					p.ID, p.Address, orDash(p.Protocol), p.Active, p.SuccessCount, p.FailureCount,
					latency, formatTime(p.LastCheckedAt))
			}
			w.Flush()
			fmt.Fprintf(out, "\nTotal: %d proxies\n", len(proxies))
			return nil
		},
	}
	cmd.Flags().Bool("active", false, "Only show active proxies")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newProxyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a proxy from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Service().DeleteProxy(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted proxy %s\n", args[0])
			return nil
		},
	}
}

func newProxyHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Health-check every active proxy and deactivate dead ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Service().CheckProxies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d proxies: %d healthy, %d deactivated\n",
				report.Checked, report.Healthy, report.Deactivated)
			return nil
		},
	}
}

func newProxyReactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate",
		Short: "Mark every inactive proxy active again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Service().ReactivateProxies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reactivated %d proxies\n", n)
			return nil
		},
	}
}
