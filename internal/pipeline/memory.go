package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devhaven/conductor/internal/terminal"
)

// Iteration is one recorded round of feedback for a (step, feature) key.
type Iteration struct {
	Timestamp time.Time `json:"timestamp"`
	Issues    []Issue   `json:"issues"`
	Summary   string    `json:"summary,omitempty"`
}

// memoryEntry holds the ordered iteration history and the cumulative set of
// resolved-issue hashes for one key.
type memoryEntry struct {
	Iterations     []Iteration     `json:"iterations"`
	ResolvedHashes map[string]bool `json:"resolvedHashes"`
}

// IterationMemory is what the next prompt gets: the previous iteration's
// issues, everything already resolved, and whether to instruct the agent not
// to re-report addressed issues.
type IterationMemory struct {
	PreviousIssues []Issue
	ResolvedHashes []string
	AvoidRepeating bool
	Iterations     int
}

// Memory stores per-(step, feature) feedback across pipeline iterations.
// Issue identity is the caller-supplied hash; the store never re-derives it,
// so the avoid-repeating guarantee depends on upstream fingerprints being
// stable across iterations.
//
// When a project path is configured every mutation is mirrored to disk
// best-effort; persistence failures are logged and in-memory state stays
// authoritative for the process lifetime.
type Memory struct {
	mu          sync.Mutex
	entries     map[string]*memoryEntry
	projectPath string
	logger      *terminal.Logger
}

// NewMemory creates a feedback store. projectPath may be empty for a pure
// in-memory store.
func NewMemory(projectPath string, logger *terminal.Logger) *Memory {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	m := &Memory{
		entries:     make(map[string]*memoryEntry),
		projectPath: projectPath,
		logger:      logger,
	}
	m.load()
	return m
}

func memoryKey(stepID, featureID string) string {
	return fmt.Sprintf("%s:%s", stepID, featureID)
}

func (m *Memory) diskPath() string {
	return filepath.Join(m.projectPath, ".conductor", "pipeline-memory.json")
}

// StoreFeedback appends one iteration of issues for a (step, feature) key
// and marks every issue hash as resolved for future iterations.
func (m *Memory) StoreFeedback(stepID, featureID string, issues []Issue, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(stepID, featureID)
	entry := m.entries[key]
	if entry == nil {
		entry = &memoryEntry{ResolvedHashes: make(map[string]bool)}
		m.entries[key] = entry
	}

	entry.Iterations = append(entry.Iterations, Iteration{
		Timestamp: time.Now().UTC(),
		Issues:    issues,
		Summary:   summary,
	})
	for _, issue := range issues {
		if issue.Hash != "" {
			entry.ResolvedHashes[issue.Hash] = true
		}
	}

	m.persistLocked()
}

// MemoryForNextIteration returns the most recent iteration's issues plus the
// full resolved-hash set for a (step, feature) key. AvoidRepeating is set
// once there is any history, so the next prompt can instruct the agent not
// to re-report already-addressed issues.
func (m *Memory) MemoryForNextIteration(stepID, featureID string) IterationMemory {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[memoryKey(stepID, featureID)]
	if entry == nil || len(entry.Iterations) == 0 {
		return IterationMemory{}
	}

	hashes := make([]string, 0, len(entry.ResolvedHashes))
	for h := range entry.ResolvedHashes {
		hashes = append(hashes, h)
	}

	last := entry.Iterations[len(entry.Iterations)-1]
	return IterationMemory{
		PreviousIssues: last.Issues,
		ResolvedHashes: hashes,
		AvoidRepeating: true,
		Iterations:     len(entry.Iterations),
	}
}

// ClearFeature removes every key belonging to the feature, across all steps,
// and nothing else.
func (m *Memory) ClearFeature(featureID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	suffix := ":" + featureID
	for key := range m.entries {
		if strings.HasSuffix(key, suffix) {
			delete(m.entries, key)
		}
	}
	m.persistLocked()
}

// Clear removes all stored feedback.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	m.persistLocked()
}

// persistLocked mirrors state to disk when a project path is configured.
// Callers hold m.mu.
func (m *Memory) persistLocked() {
	if m.projectPath == "" {
		return
	}
	if err := WriteJSON(m.diskPath(), m.entries); err != nil {
		m.logger.Logf(terminal.StyleWarning, "pipeline memory: persist failed: %v", err)
	}
}

// load restores mirrored state from disk if present.
func (m *Memory) load() {
	if m.projectPath == "" {
		return
	}
	entries := make(map[string]*memoryEntry)
	if err := ReadJSON(m.diskPath(), &entries); err != nil {
		return
	}
	for _, entry := range entries {
		if entry.ResolvedHashes == nil {
			entry.ResolvedHashes = make(map[string]bool)
		}
	}
	m.entries = entries
}
