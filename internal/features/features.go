// Package features provides the feature records the pipeline and auto-mode
// loop operate on, loaded from the project's .conductor/features directory.
package features

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Status is a feature's position in the development flow.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Feature is one unit of work driven through the pipeline.
type Feature struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Branch      string    `json:"branch,omitempty"`
	PRNumber    int       `json:"prNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Loader retrieves features for a project. Get returns (nil, nil) when the
// feature does not exist.
type Loader interface {
	Get(projectPath, featureID string) (*Feature, error)
	List(projectPath string) ([]*Feature, error)
}

// FileLoader reads features from .conductor/features/<id>.json.
type FileLoader struct{}

// NewFileLoader creates a file-backed feature loader.
func NewFileLoader() *FileLoader {
	return &FileLoader{}
}

func featuresDir(projectPath string) string {
	return filepath.Join(projectPath, ".conductor", "features")
}

// Get loads one feature by id. A missing file yields (nil, nil).
func (l *FileLoader) Get(projectPath, featureID string) (*Feature, error) {
	data, err := os.ReadFile(filepath.Join(featuresDir(projectPath), featureID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feature %s: %w", featureID, err)
	}
	return &f, nil
}

// List loads every feature in the project, sorted by id.
func (l *FileLoader) List(projectPath string) ([]*Feature, error) {
	entries, err := os.ReadDir(featuresDir(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Feature
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		f, err := l.Get(projectPath, id)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save writes a feature record back to the project.
func (l *FileLoader) Save(projectPath string, f *Feature) error {
	dir := featuresDir(projectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, f.ID+".json"), append(data, '\n'), 0o644)
}

// ValidateWorkDir checks that a project path exists and is a directory
// before any process or file operation touches it.
func ValidateWorkDir(path string) error {
	if path == "" {
		return fmt.Errorf("project path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("project path %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", path)
	}
	return nil
}
