package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/pipeline"
	"github.com/devhaven/conductor/internal/terminal"
)

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run and validate the project's pipeline steps",
	}
	cmd.AddCommand(newPipelineRunCmd(), newPipelineValidateCmd())
	return cmd
}

func newPipelineRunCmd() *cobra.Command {
	var (
		featureID string
		stepsPath string
		onlyStep  string
		skipSteps []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pipeline steps for a feature",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			steps, err := loadSteps(stepsPath)
			if err != nil {
				return err
			}
			exec := a.executor()

			// Record skips first so a skipped dependency is visible in the
			// stored results before dependents run.
			remaining := make([]pipeline.StepConfig, 0, len(steps))
			for _, step := range steps {
				if slices.Contains(skipSteps, step.ID) {
					if _, err := exec.SkipStep(step, featureID); err != nil {
						return err
					}
					continue
				}
				remaining = append(remaining, step)
			}

			var results []*pipeline.StepResult
			if onlyStep != "" {
				step, ok := stepByID(remaining, onlyStep)
				if !ok {
					return fmt.Errorf("step %q not found in pipeline config", onlyStep)
				}
				result, err := exec.RunStep(cmd.Context(), projectPath, step, featureID)
				if result != nil {
					results = append(results, result)
				}
				if err != nil {
					return err
				}
			} else {
				results, err = exec.RunPipeline(cmd.Context(), projectPath, remaining, featureID)
				if err != nil {
					printResults(a, results)
					return err
				}
			}

			printResults(a, results)
			for _, r := range results {
				if r.Status == pipeline.StatusFailed {
					return exitCodeError{code: 1, msg: "one or more pipeline steps failed"}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&featureID, "feature", "f", "", "Feature id to run the pipeline against (required)")
	cmd.Flags().StringVar(&stepsPath, "steps", "", "Pipeline config path (default: .conductor/pipeline.json)")
	cmd.Flags().StringVar(&onlyStep, "step", "", "Run a single step by id")
	cmd.Flags().StringArrayVar(&skipSteps, "skip", nil, "Skip a non-required step by id (repeatable)")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newPipelineValidateCmd() *cobra.Command {
	var stepsPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline configuration and print execution order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, err := loadSteps(stepsPath)
			if err != nil {
				return err
			}
			order, err := pipeline.ExecutionOrder(steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d step(s), execution order: %s\n", len(steps), strings.Join(order, " -> "))
			return nil
		},
	}

	cmd.Flags().StringVar(&stepsPath, "steps", "", "Pipeline config path (default: .conductor/pipeline.json)")
	return cmd
}

func printResults(a *app, results []*pipeline.StepResult) {
	for _, r := range results {
		style := terminal.StyleSuccess
		if r.Status == pipeline.StatusFailed {
			style = terminal.StyleError
		} else if r.Status == pipeline.StatusSkipped {
			style = terminal.StyleDim
		}
		line := fmt.Sprintf("step %s: %s", r.StepID, r.Status)
		if r.Summary != "" {
			line += " - " + r.Summary
		}
		if len(r.Issues) > 0 {
			line += fmt.Sprintf(" (%d issue(s))", len(r.Issues))
		}
		a.logger.Log(line, style)
	}
}

func stepByID(steps []pipeline.StepConfig, id string) (pipeline.StepConfig, bool) {
	for _, step := range steps {
		if step.ID == id {
			return step, true
		}
	}
	return pipeline.StepConfig{}, false
}
