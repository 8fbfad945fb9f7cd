package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/orchestrator"
	"github.com/yiyabo/gagent/internal/scheduler"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Propose, inspect, and run plans",
	}
	cmd.AddCommand(newPlanProposeCmd())
	cmd.AddCommand(newPlanListCmd())
	cmd.AddCommand(newPlanRunCmd())
	return cmd
}

func newPlanProposeCmd() *cobra.Command {
	var goal, title string
	var approve bool

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Ask the model for a plan draft, optionally approving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return fmt.Errorf("--goal is required")
			}
			application, err := startApp()
			if err != nil {
				return err
			}
			defer application.close()

			ctx := cmd.Context()
			draft, err := application.orch.ProposePlan(ctx, orchestrator.ProposeRequest{
				Goal: goal, Title: title,
			})
			if err != nil {
				return err
			}
			if !approve {
				return printJSON(draft)
			}

			planID, created, err := application.orch.ApprovePlan(ctx, draft)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"plan_id": planID,
				"title":   draft.Title,
				"created": len(created),
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "goal to plan for")
	cmd.Flags().StringVar(&title, "title", "", "override the proposed title")
	cmd.Flags().BoolVar(&approve, "approve", false, "persist the draft immediately")
	return cmd
}

func newPlanListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := startApp()
			if err != nil {
				return err
			}
			defer application.close()

			plans, err := application.store.ListPlans(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(plans)
		},
	}
}

func newPlanRunCmd() *cobra.Command {
	var strategy string
	var parallelism int
	var decompose, useContext, evaluate, assemble bool

	cmd := &cobra.Command{
		Use:   "run <plan-id-or-title>",
		Short: "Schedule and execute a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := startApp()
			if err != nil {
				return err
			}
			defer application.close()

			opts := orchestrator.RunOptions{
				Strategy:      scheduler.Strategy(strategy),
				Parallelism:   parallelism,
				AutoDecompose: decompose,
				AutoAssemble:  assemble,
			}
			opts.Execution.UseContext = useContext
			if useContext {
				opts.Execution.ContextOptions = assembler.Options{
					IncludeIndex:        true,
					IncludeDeps:         true,
					IncludePlanSiblings: true,
				}
			}
			opts.Execution.EnableEvaluation = evaluate
			opts.Execution.Timeout = application.cfg.TaskTimeout
			if opts.Parallelism <= 0 {
				opts.Parallelism = application.cfg.DefaultParallelism
			}
			if looksLikePlanID(args[0]) {
				opts.PlanID = args[0]
			} else {
				opts.Title = args[0]
			}

			report, err := application.orch.Run(cmd.Context(), opts)
			if err != nil && report == nil {
				return err
			}
			if err != nil && err != context.Canceled {
				fmt.Fprintln(os.Stderr, "run interrupted:", err)
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "dag", "scheduling strategy (bfs|dag|postorder)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent tasks (default DEFAULT_PARALLELISM)")
	cmd.Flags().BoolVar(&decompose, "decompose", false, "recursively decompose before running")
	cmd.Flags().BoolVar(&useContext, "context", true, "assemble context per task")
	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "run the evaluation loop")
	cmd.Flags().BoolVar(&assemble, "assemble", false, "assemble the artifact after the run")
	return cmd
}

func startApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(cfg)
}

func looksLikePlanID(s string) bool {
	return len(s) > 5 && s[:5] == "plan-"
}

func printJSON(v any) error {
	encoded, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
