package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siftlabs/sentiment-crawler/internal/workflow"
)

// newRunCmd creates the 'run' subcommand, which executes a full crawl run
// for one date: topic extraction, keyword planning, then the platform
// fan-out.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [date]",
		Short: "Execute a crawl run for a date (default: today)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			date, err := argDate(a, args)
			if err != nil {
				return err
			}

			run, err := a.Driver.StartRun(cmd.Context(), date)
			if errors.Is(err, workflow.ErrRunExists) {
				return fmt.Errorf("a run already exists for %s; use 'resume %s' to continue it", date, date)
			}
			if err != nil {
				return fmt.Errorf("run %s: %w", date, err)
			}
			return printRun(run)
		},
	}
}

// newResumeCmd creates the 'resume' subcommand, which continues an
// interrupted or partially failed run without re-crawling succeeded tasks.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [date]",
		Short: "Resume an interrupted or partially failed run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			date, err := argDate(a, args)
			if err != nil {
				return err
			}

			run, err := a.Driver.ResumeRun(cmd.Context(), date)
			if err != nil {
				return fmt.Errorf("resume %s: %w", date, err)
			}
			return printRun(run)
		},
	}
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [date]",
		Short: "Show the state and summary of a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			date, err := argDate(a, args)
			if err != nil {
				return err
			}

			run, err := a.Driver.RunStatus(cmd.Context(), date)
			if err != nil {
				return fmt.Errorf("status %s: %w", date, err)
			}
			return printRun(run)
		},
	}
}
