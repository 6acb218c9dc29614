package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/gatekeeper"
	"github.com/devhaven/conductor/internal/terminal"
)

func newMergeCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Gate PR merges on CI, approvals, and unresolved comments",
	}
	cmd.PersistentFlags().StringVar(&repo, "repo", "", "GitHub repository (default: merge.allowed_repo from config)")
	cmd.AddCommand(
		newMergeWatchCmd(&repo),
		newMergeApproveCmd(&repo),
		newMergeRejectCmd(&repo),
	)
	return cmd
}

func mergeRepo(a *app, flag string) string {
	if flag != "" {
		return flag
	}
	return a.resolved.AllowedRepo
}

func parsePRNumber(arg string) (int, error) {
	pr, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil || pr < 1 {
		return 0, fmt.Errorf("invalid PR number %q", arg)
	}
	return pr, nil
}

func newMergeWatchCmd(repo *string) *cobra.Command {
	var (
		interval  time.Duration
		autoMerge bool
	)

	cmd := &cobra.Command{
		Use:   "watch <pr-number>",
		Short: "Monitor a PR until it is eligible to merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := parsePRNumber(args[0])
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}

			g := gatekeeper.New(&gatekeeper.ExecRunner{}, a.resolved.AllowedRepo,
				a.emitter, a.logger, gatekeeper.WithPollInterval(interval))
			defer g.Cleanup()

			target := mergeRepo(a, *repo)
			req, err := g.StartMonitoring(pr, target, currentUser())
			if err != nil {
				return err
			}
			a.logger.Logf(terminal.StyleInfo, "merge: monitoring PR #%d (%s), request %s", pr, target, req.ID)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-ticker.C:
				}
				current := g.Request(pr)
				if current == nil || current.Status == gatekeeper.StatusMonitoring {
					continue
				}
				if current.Status != gatekeeper.StatusReadyForMerge {
					return fmt.Errorf("PR #%d left monitoring with status %s", pr, current.Status)
				}
				a.logger.Logf(terminal.StyleSuccess, "merge: PR #%d is eligible to merge", pr)
				if !autoMerge {
					return nil
				}
				return g.ApproveMerge(pr, target)
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "How often to re-check the PR")
	cmd.Flags().BoolVar(&autoMerge, "merge", false, "Merge automatically once the PR is eligible")
	return cmd
}

func newMergeApproveCmd(repo *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "approve <pr-number>",
		Short: "Merge a PR after verifying eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := parsePRNumber(args[0])
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}

			g := gatekeeper.New(&gatekeeper.ExecRunner{}, a.resolved.AllowedRepo, a.emitter, a.logger)
			defer g.Cleanup()

			target := mergeRepo(a, *repo)
			elig, err := g.CheckPRStatus(pr, target)
			if err != nil {
				return err
			}
			if !elig.IsEligible && !force {
				for _, reason := range elig.Reasons {
					a.logger.Log(reason, terminal.StyleWarning)
				}
				return exitCodeError{code: 1, msg: fmt.Sprintf("PR #%d is not eligible to merge", pr)}
			}

			if _, err := g.StartMonitoring(pr, target, currentUser()); err != nil {
				return err
			}
			if err := g.ApproveMerge(pr, target); err != nil {
				return err
			}
			a.logger.Logf(terminal.StyleSuccess, "merge: PR #%d merged", pr)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Merge even when the eligibility check fails")
	return cmd
}

func newMergeRejectCmd(repo *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <pr-number> [reason]",
		Short: "Record a merge rejection for a PR",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := parsePRNumber(args[0])
			if err != nil {
				return err
			}
			reason := ""
			if len(args) > 1 {
				reason = args[1]
			}
			a, err := newApp()
			if err != nil {
				return err
			}

			g := gatekeeper.New(&gatekeeper.ExecRunner{}, a.resolved.AllowedRepo, a.emitter, a.logger)
			defer g.Cleanup()

			if _, err := g.StartMonitoring(pr, mergeRepo(a, *repo), currentUser()); err != nil {
				return err
			}
			if err := g.RejectMerge(pr, reason); err != nil {
				return err
			}
			a.logger.Logf(terminal.StyleWarning, "merge: PR #%d rejected", pr)
			return nil
		},
	}
}
