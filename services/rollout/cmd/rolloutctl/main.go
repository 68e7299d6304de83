package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"patchwave/pkg/db"
	"patchwave/services/rollout"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rolloutctl",
		Short:         "Utility for driving staged patch rollouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newStagesCommand())
	cmd.AddCommand(newRunsCommand())
	return cmd
}

func newStagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Stage rendering and deployment operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newStagesCreateCommand())
	return cmd
}

func newStagesCreateCommand() *cobra.Command {
	var (
		referenceRunID string
		stagesFile     string
		subscriptions  []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Render and deploy maintenance stages from a reference run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			descriptors, err := readStageDescriptors(stagesFile)
			if err != nil {
				return err
			}

			cfg := rollout.ConfigFromEnv()
			if len(subscriptions) > 0 {
				cfg.Subscriptions = subscriptions
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)
			pipeline, closeAll, err := rollout.NewPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeAll()

			report, err := pipeline.Run(ctx, rollout.RunOptions{
				ReferenceRunID: referenceRunID,
				Subscriptions:  cfg.Subscriptions,
				Stages:         descriptors,
			})
			if err != nil {
				return err
			}

			return printJSON(os.Stdout, reportSummary(report))
		},
	}

	cmd.Flags().StringVar(&referenceRunID, "reference", "", "Maintenance run ID whose installed patches seed the stages")
	cmd.Flags().StringVar(&stagesFile, "stages-file", "", "JSON file of stage descriptors (use - for stdin)")
	cmd.Flags().StringSliceVar(&subscriptions, "subscriptions", nil, "Subscription IDs to query (defaults to ROLLOUT_SUBSCRIPTIONS)")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("stages-file")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded rollout runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent rollout runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			history, closePool, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			runs, err := history.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, runs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one rollout run with its per-scope outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse run id: %w", err)
			}

			history, closePool, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			run, err := history.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			stages, err := history.ListStageResults(ctx, runID)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{
				"run":    run,
				"stages": stages,
			})
		},
	}
	return cmd
}

func openHistory(ctx context.Context) (*rollout.History, func(), error) {
	dsn := strings.TrimSpace(os.Getenv("ROLLOUT_DB_DSN"))
	if dsn == "" {
		return nil, nil, fmt.Errorf("ROLLOUT_DB_DSN is required")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	history, err := rollout.NewHistory(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return history, pool.Close, nil
}

func readStageDescriptors(path string) ([]rollout.StageDescriptor, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read stage descriptors: %w", err)
	}
	return rollout.ParseStageDescriptors(raw)
}

func reportSummary(report *rollout.RunReport) map[string]any {
	stages := make([]map[string]any, 0, len(report.Stages))
	for _, stage := range report.Stages {
		entry := map[string]any{
			"stage_name": stage.StageName,
			"succeeded":  stage.Succeeded(),
		}
		if stage.ConfigurationErr != nil {
			entry["configuration_error"] = stage.ConfigurationErr.Error()
		}
		scopes := make([]map[string]any, 0, len(stage.Scopes))
		for _, scope := range stage.Scopes {
			scopes = append(scopes, map[string]any{
				"scope":           scope.Scope,
				"assignment_name": scope.AssignmentName,
				"succeeded":       scope.Succeeded(),
				"status":          scope.Status,
			})
		}
		entry["scopes"] = scopes
		stages = append(stages, entry)
	}

	return map[string]any{
		"run_id":              report.RunID.String(),
		"status":              report.Status,
		"windows_kb_count":    report.WindowsKBCount,
		"linux_package_count": report.LinuxPackageCount,
		"snapshot_key":        report.SnapshotKey,
		"stages":              stages,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
