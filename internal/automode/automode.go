// Package automode drives the autonomous development loop: it walks pending
// features, runs their auto-trigger pipeline steps, and keeps going until
// the work runs out, the caller cancels, or failures accumulate.
package automode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devhaven/conductor/internal/events"
	"github.com/devhaven/conductor/internal/features"
	"github.com/devhaven/conductor/internal/pipeline"
	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/terminal"
)

const (
	// defaultMaxConsecutiveFailures pauses the loop after this many
	// generic failures in a row. Rate-limit pauses do not count.
	defaultMaxConsecutiveFailures = 3

	// defaultRateLimitPause is how long the loop sleeps after a
	// quota/rate-limit error before resuming.
	defaultRateLimitPause = 5 * time.Minute
)

// ErrTooManyFailures ends a run after the consecutive-failure threshold.
var ErrTooManyFailures = errors.New("auto mode paused: too many consecutive failures")

// Config bounds a run.
type Config struct {
	MaxConsecutiveFailures int
	RateLimitPause         time.Duration
	MaxFeatures            int // 0 means no limit
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = defaultRateLimitPause
	}
	return c
}

// PipelineRunner is the slice of the pipeline executor the loop needs.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, projectPath string, steps []pipeline.StepConfig, featureID string) ([]*pipeline.StepResult, error)
}

// Service runs the autonomous loop over one project.
type Service struct {
	executor PipelineRunner
	loader   features.Loader
	steps    []pipeline.StepConfig
	emitter  events.Emitter
	logger   *terminal.Logger
	cfg      Config

	// sleep is swapped by tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an auto-mode service over the given pipeline configuration.
func New(executor PipelineRunner, loader features.Loader, steps []pipeline.StepConfig, emitter events.Emitter, logger *terminal.Logger, cfg Config) *Service {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &Service{
		executor: executor,
		loader:   loader,
		steps:    steps,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run processes pending features until none remain, ctx is canceled, or the
// consecutive-failure threshold trips. Rate-limit errors pause the loop with
// a scheduled resume instead of counting toward the threshold.
func (s *Service) Run(ctx context.Context, projectPath string) error {
	if err := pipeline.ValidateSteps(s.steps); err != nil {
		return err
	}
	auto := make([]pipeline.StepConfig, 0, len(s.steps))
	for _, step := range s.steps {
		if step.AutoTrigger {
			auto = append(auto, step)
		}
	}
	if len(auto) == 0 {
		return errors.New("no auto-trigger steps configured")
	}

	s.emitter.Emit("automode:started", map[string]any{"project": projectPath})
	defer s.emitter.Emit("automode:stopped", map[string]any{"project": projectPath})

	consecutiveFailures := 0
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.MaxFeatures > 0 && processed >= s.cfg.MaxFeatures {
			return nil
		}

		feature, err := s.nextPending(projectPath)
		if err != nil {
			return err
		}
		if feature == nil {
			return nil // all done
		}

		err = s.runFeature(ctx, projectPath, feature, auto)
		processed++
		switch {
		case err == nil:
			consecutiveFailures = 0
		case provider.IsRateLimited(err):
			// Usage-limit backoff: pause with a scheduled resume, do
			// not count toward the failure threshold.
			resumeAt := time.Now().Add(s.cfg.RateLimitPause)
			s.logger.Logf(terminal.StyleWarning, "auto mode: rate limited, resuming at %s", resumeAt.Format(time.Kitchen))
			s.emitter.Emit("automode:rate-limited", map[string]any{
				"featureId": feature.ID,
				"resumeAt":  resumeAt,
			})
			if err := s.sleep(ctx, s.cfg.RateLimitPause); err != nil {
				return err
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			consecutiveFailures++
			s.logger.Logf(terminal.StyleWarning, "auto mode: feature %s failed (%d/%d): %v",
				feature.ID, consecutiveFailures, s.cfg.MaxConsecutiveFailures, err)
			if consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
				s.emitter.Emit("automode:paused", map[string]any{"reason": "consecutive failures"})
				return fmt.Errorf("%w (last: %v)", ErrTooManyFailures, err)
			}
		}
	}
}

// nextPending returns the first feature still waiting for work, or nil.
func (s *Service) nextPending(projectPath string) (*features.Feature, error) {
	all, err := s.loader.List(projectPath)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	for _, f := range all {
		if f.Status == features.StatusPending || f.Status == features.StatusInProgress {
			return f, nil
		}
	}
	return nil, nil
}

// runFeature runs the auto-trigger steps for one feature and advances its
// status based on the outcome.
func (s *Service) runFeature(ctx context.Context, projectPath string, feature *features.Feature, steps []pipeline.StepConfig) error {
	s.emitter.Emit("automode:feature:started", map[string]any{"featureId": feature.ID})

	results, err := s.executor.RunPipeline(ctx, projectPath, steps, feature.ID)
	status := feature.Status
	switch {
	case provider.IsRateLimited(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// Not the feature's fault: leave its status alone so the loop picks
		// it up again after the pause (or the next invocation does).
	case err != nil:
		status = features.StatusFailed
		s.updateStatus(projectPath, feature, status)
	default:
		status = features.StatusInReview
		for _, r := range results {
			if r.Status == pipeline.StatusFailed {
				status = features.StatusFailed
			}
		}
		s.updateStatus(projectPath, feature, status)
	}

	s.emitter.Emit("automode:feature:finished", map[string]any{
		"featureId": feature.ID,
		"status":    status,
	})
	return err
}

// updateStatus persists a feature's new status when the loader supports it.
func (s *Service) updateStatus(projectPath string, feature *features.Feature, status features.Status) {
	feature.Status = status
	saver, ok := s.loader.(interface {
		Save(projectPath string, f *features.Feature) error
	})
	if !ok {
		return
	}
	if err := saver.Save(projectPath, feature); err != nil {
		s.logger.Logf(terminal.StyleWarning, "auto mode: persist feature %s status: %v", feature.ID, err)
	}
}
