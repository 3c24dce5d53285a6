// Package cmd defines and implements the CLI commands for the
// sentimentcrawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siftlabs/sentiment-crawler/internal/app"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

var cfgFile string

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfgFile)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sentimentcrawler",
		Short: "Topic-driven social sentiment crawl pipeline",
		Long: `sentimentcrawler discovers the day's hot topics, derives search
keywords from them, and crawls posts and comments across Chinese social
platforms into a deduplicated corpus ready for sentiment scoring.`,
		SilenceUsage: true,

		// Build the service graph once, after flags are parsed, and hand it
		// to the subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// argDate resolves the optional positional date argument, defaulting to
// today (UTC).
func argDate(a *app.App, args []string) (pipeline.RunDate, error) {
	if len(args) == 0 {
		return pipeline.RunDateOf(a.Clock.Now()), nil
	}
	return pipeline.ParseRunDate(args[0])
}

func printRun(run pipeline.CrawlRun) error {
	out, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
