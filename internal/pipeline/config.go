package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrCircularDependency indicates the step dependency graph contains a cycle.
var ErrCircularDependency = errors.New("circular dependency between pipeline steps")

// validateStepFields checks one step's intrinsic fields. Dependency
// references are a property of the whole pipeline and are checked by
// ValidateSteps; a single step handed to the executor may name dependencies
// the caller already satisfied.
func validateStepFields(step StepConfig) error {
	if step.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if !knownStepTypes[step.Type] {
		return fmt.Errorf("step %q: unknown type %q", step.ID, step.Type)
	}
	return nil
}

// ValidateSteps checks a pipeline configuration: unique non-empty ids, known
// step types, dependency references that exist, and an acyclic dependency
// graph. Validation runs before every execution; an invalid configuration is
// rejected whole, never partially applied.
func ValidateSteps(steps []StepConfig) error {
	byID := make(map[string]*StepConfig, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if _, dup := byID[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		if !knownStepTypes[step.Type] {
			return fmt.Errorf("step %q: unknown type %q", step.ID, step.Type)
		}
		byID[step.ID] = step
	}

	for _, step := range steps {
		for _, dep := range step.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q: dependency %q does not exist", step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("step %q: depends on itself: %w", step.ID, ErrCircularDependency)
			}
		}
	}

	return checkAcyclic(steps, byID)
}

// checkAcyclic runs a three-color DFS over the dependency graph.
func checkAcyclic(steps []StepConfig, byID map[string]*StepConfig) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("step %q: %w", id, ErrCircularDependency)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, step := range steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}

// ExecutionOrder returns step ids in dependency order (dependencies before
// dependents). Steps must already validate.
func ExecutionOrder(steps []StepConfig) ([]string, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	byID := make(map[string]*StepConfig, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	var order []string
	done := make(map[string]bool, len(steps))
	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		for _, dep := range byID[id].Dependencies {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, step := range steps {
		visit(step.ID)
	}
	return order, nil
}

// LoadSteps reads and validates a pipeline configuration from a JSON file.
func LoadSteps(path string) ([]StepConfig, error) {
	var steps []StepConfig
	if err := ReadJSON(path, &steps); err != nil {
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// SaveSteps validates and writes a pipeline configuration to a JSON file.
func SaveSteps(path string, steps []StepConfig) error {
	if err := ValidateSteps(steps); err != nil {
		return err
	}
	if err := WriteJSON(path, steps); err != nil {
		return fmt.Errorf("save pipeline config: %w", err)
	}
	return nil
}

// DefaultStepsPath is where a project keeps its pipeline configuration.
func DefaultStepsPath(projectPath string) string {
	return filepath.Join(projectPath, ".conductor", "pipeline.json")
}

// DefaultStorageDir is where a project keeps persisted step results.
func DefaultStorageDir(projectPath string) string {
	return filepath.Join(projectPath, ".conductor")
}
