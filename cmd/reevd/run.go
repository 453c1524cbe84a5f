package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"reev-harness/internal/flow"
	"reev-harness/pkg/logger"
)

func runCmd() *cobra.Command {
	var (
		planPath    string
		executionID string
		mock        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one flow plan and consolidate its sessions",
		Long: `Execute the steps of a flow plan in order, store every step session and
consolidate them into one record. The command exits non-zero when
consolidation does not produce a consolidated session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			plan, err := flow.LoadPlan(planPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{forceMock: mock, alertOnFlows: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if executionID == "" {
				executionID = flow.NewExecutionID(plan.FlowID, time.Now())
			}
			result, runErr := a.orchestrator.Execute(ctx, executionID, plan)
			if result != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}
			if runErr != nil {
				return runErr
			}
			if result == nil || result.ConsolidatedID == "" {
				return errors.New("flow finished without a consolidated session")
			}
			logger.L().Info("flow consolidated",
				slog.String(logger.KeyExecutionID, executionID),
				slog.String(logger.KeyFlowID, plan.FlowID),
				slog.String("consolidated_id", result.ConsolidatedID),
				slog.Bool("success", result.Success),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "Path to the flow plan YAML")
	cmd.Flags().StringVar(&executionID, "execution-id", "", "Execution id (generated when empty)")
	cmd.Flags().BoolVar(&mock, "mock", false, "Ask the agent service for mock responses")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
