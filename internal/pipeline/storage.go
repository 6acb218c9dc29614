package pipeline

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devhaven/conductor/internal/terminal"
)

const (
	// envelopeVersion identifies the on-disk result format.
	envelopeVersion = 1

	// compressThreshold is the payload size above which results are
	// gzip-compressed before writing (1KB).
	compressThreshold = 1024

	// defaultMaxResultSize caps a single result payload (10MB).
	defaultMaxResultSize = 10 * 1024 * 1024

	// defaultRetention is how long result files are kept.
	defaultRetention = 30 * 24 * time.Hour
)

// envelope is the persisted result file format. Data is either the raw
// JSON-encoded result or a base64-encoded gzip blob, keyed by Compressed.
// A legacy file holding a bare result (no envelope) is still readable.
type envelope struct {
	Version        int       `json:"version"`
	Compressed     bool      `json:"compressed"`
	Size           int       `json:"size"`
	CompressedSize *int      `json:"compressedSize"`
	Data           string    `json:"data"`
	Timestamp      time.Time `json:"timestamp"`
}

// Storage persists step results under <root>/results, one file per
// (feature, step) pair.
type Storage struct {
	root          string
	maxResultSize int
	retention     time.Duration
	logger        *terminal.Logger
}

// StorageOption customizes a Storage.
type StorageOption func(*Storage)

// WithMaxResultSize overrides the maximum serialized result size.
func WithMaxResultSize(n int) StorageOption {
	return func(s *Storage) { s.maxResultSize = n }
}

// WithRetention overrides how long result files are kept.
func WithRetention(d time.Duration) StorageOption {
	return func(s *Storage) { s.retention = d }
}

// NewStorage creates a result store rooted at dir.
func NewStorage(dir string, logger *terminal.Logger, opts ...StorageOption) *Storage {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	s := &Storage{
		root:          dir,
		maxResultSize: defaultMaxResultSize,
		retention:     defaultRetention,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) resultPath(featureID, stepID string) string {
	return filepath.Join(s.root, "results", resultKey(featureID, stepID)+".json")
}

// SaveStepResult persists a result, compressing payloads above the
// threshold. The size limit is enforced before anything touches disk, and
// the final write is atomic.
func (s *Storage) SaveStepResult(result *StepResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	if len(payload) > s.maxResultSize {
		return fmt.Errorf("step result for %s/%s is %d bytes, exceeds limit of %d",
			result.FeatureID, result.StepID, len(payload), s.maxResultSize)
	}

	env := envelope{
		Version:   envelopeVersion,
		Size:      len(payload),
		Data:      string(payload),
		Timestamp: time.Now().UTC(),
	}
	if len(payload) > compressThreshold {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return fmt.Errorf("compress step result: %w", err)
		}
		n := len(compressed)
		env.Compressed = true
		env.CompressedSize = &n
		env.Data = base64.StdEncoding.EncodeToString(compressed)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	return WriteAtomic(s.resultPath(result.FeatureID, result.StepID), data)
}

// LoadStepResult reads the current result for a (feature, step) pair.
// Returns os.ErrNotExist (wrapped) when no result has been saved.
func (s *Storage) LoadStepResult(featureID, stepID string) (*StepResult, error) {
	data, err := os.ReadFile(s.resultPath(featureID, stepID))
	if err != nil {
		return nil, err
	}

	payload, err := decodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("decode result %s/%s: %w", featureID, stepID, err)
	}

	var result StepResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal step result: %w", err)
	}
	return &result, nil
}

// decodeEnvelope recovers the raw result payload from a stored file,
// handling both enveloped (possibly compressed) and legacy bare formats.
func decodeEnvelope(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Version == 0 {
		// Legacy file: the result was written bare, before envelopes.
		return data, nil
	}

	if !env.Compressed {
		return []byte(env.Data), nil
	}

	compressed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if env.CompressedSize != nil && *env.CompressedSize != len(compressed) {
		return nil, fmt.Errorf("compressed size mismatch: recorded %d, got %d", *env.CompressedSize, len(compressed))
	}
	payload, err := gunzipBytes(compressed)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	if env.Size != 0 && env.Size != len(payload) {
		return nil, fmt.Errorf("decompressed size mismatch: recorded %d, got %d", env.Size, len(payload))
	}
	return payload, nil
}

// DeleteStepResult removes the current result for a (feature, step) pair.
// A missing file is not an error.
func (s *Storage) DeleteStepResult(featureID, stepID string) error {
	err := os.Remove(s.resultPath(featureID, stepID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep deletes result files older than the retention window. Missing-file
// races are ignored; other deletion failures are logged and counted but do
// not stop the sweep.
func (s *Storage) Sweep() (deleted int, err error) {
	dir := filepath.Join(s.root, "results")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read results dir: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Logf(terminal.StyleWarning, "sweep: failed to delete %s: %v", entry.Name(), err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
