// Package cmd defines the faceharvest CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/face-harvester/internal/app"
	"github.com/JakeFAU/face-harvester/internal/config"
	"github.com/JakeFAU/face-harvester/internal/queue"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// keepQueueAnnotation marks commands that drain an in-process queue themselves.
const keepQueueAnnotation = "keep-queue"

// newApp is the application factory. Tests replace it to share one container
// across several command runs.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "faceharvest",
		Short: "Harvest faces from public web sources into a searchable index.",
		Long: `faceharvest crawls configured websites and social profiles, detects and
embeds the faces in every new image and appends them to a persistent vector
index that can be searched with a query photo.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional
			_ = godotenv.Load()
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			// A one-shot command would exit before anything drains an in-process queue.
			if cfg.Queue.Provider == queue.ProviderMemory && cmd.Annotations[keepQueueAnnotation] == "" {
				cfg.Queue.Provider = queue.ProviderInline
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); FACEHARVEST_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newSourceCmd(),
		newJobCmd(),
		newProxyCmd(),
		newIndexCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
