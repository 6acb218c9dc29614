package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/git"
	"github.com/devhaven/conductor/internal/review"
	"github.com/devhaven/conductor/internal/terminal"
)

func newReviewCmd() *cobra.Command {
	var (
		featureID   string
		fixModel    string
		useWorktree bool
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Run the static check gate with a provider-driven fix loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			model := a.resolved.FixModel
			if cmd.Flags().Changed("fix-model") {
				model = fixModel
			}
			checks := make([]review.Check, 0, len(a.resolved.Checks))
			for _, c := range a.resolved.Checks {
				checks = append(checks, review.Check{Name: c.Name, Command: c.Command, Args: c.Args})
			}
			if len(checks) == 0 {
				a.logger.Log("no review checks configured, nothing to gate on", terminal.StyleWarning)
				return nil
			}

			// With --worktree the feature's branch is checked out into a
			// disposable worktree and the gate runs there instead of in the
			// developer's checkout.
			runDir := projectPath
			if useWorktree {
				feature, err := a.loader.Get(projectPath, featureID)
				if err != nil {
					return err
				}
				if feature == nil {
					return fmt.Errorf("feature %s not found in %s", featureID, projectPath)
				}
				wt, err := git.CheckoutBranch(projectPath, featureID, feature.Branch)
				if err != nil {
					return err
				}
				defer func() {
					a.logger.Log("Cleaning up worktree", terminal.StyleDim)
					_ = wt.Remove()
				}()
				a.logger.Logf(terminal.StyleInfo, "review: worktree ready (%s)", wt.Path)
				runDir = wt.Path
			}

			svc := review.New(a.queries, model, a.emitter, a.logger,
				review.WithMaxFixAttempts(a.resolved.MaxFixAttempts))
			result, err := svc.Run(cmd.Context(), runDir, featureID, checks)
			if err != nil {
				return err
			}

			for _, check := range result.Checks {
				style := terminal.StyleSuccess
				if !check.Passed {
					style = terminal.StyleError
				}
				a.logger.Logf(style, "check %s: passed=%t", check.Name, check.Passed)
			}
			if !result.Passed {
				return exitCodeError{code: 1, msg: "review gate failed"}
			}
			a.logger.Logf(terminal.StyleSuccess, "review passed after %d fix attempt(s)", result.FixAttempts)
			return nil
		},
	}

	cmd.Flags().StringVarP(&featureID, "feature", "f", "", "Feature id under review (required)")
	cmd.Flags().StringVar(&fixModel, "fix-model", "", "Model for fix attempts (empty disables the fix loop)")
	cmd.Flags().BoolVar(&useWorktree, "worktree", false, "Run the gate in a worktree of the feature's branch")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}
