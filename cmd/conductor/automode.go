package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/automode"
)

func newAutomodeCmd() *cobra.Command {
	var (
		stepsPath   string
		maxFeatures int
	)

	cmd := &cobra.Command{
		Use:   "automode",
		Short: "Run the autonomous development loop over pending features",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			steps, err := loadSteps(stepsPath)
			if err != nil {
				return err
			}

			cfg := automode.Config{
				MaxConsecutiveFailures: a.resolved.MaxConsecutiveFailures,
				RateLimitPause:         a.resolved.RateLimitPause,
				MaxFeatures:            a.resolved.MaxFeatures,
			}
			if cmd.Flags().Changed("max-features") {
				cfg.MaxFeatures = maxFeatures
			}

			svc := automode.New(a.executor(), a.loader, steps, a.emitter, a.logger, cfg)
			err = svc.Run(cmd.Context(), projectPath)
			if errors.Is(err, automode.ErrTooManyFailures) {
				return exitCodeError{code: 1, msg: err.Error()}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&stepsPath, "steps", "", "Pipeline config path (default: .conductor/pipeline.json)")
	cmd.Flags().IntVar(&maxFeatures, "max-features", 0, "Stop after this many features (0 = no limit)")
	return cmd
}
