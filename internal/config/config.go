// Package config provides configuration file support for conductor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = ".conductor.yaml"

// providerNames are the providers conductor knows how to drive.
var providerNames = []string{"claude", "cursor", "opencode", "codex"}

// Duration is a custom type that handles YAML duration parsing.
// Supports both Go duration format ("5m", "300s") and numeric seconds.
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
	return nil
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// ProviderConfig enables or disables one provider and names the environment
// variable carrying its credential.
type ProviderConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
}

// ModelsConfig maps use cases to models and models to cross-provider
// equivalents.
type ModelsConfig struct {
	UseCases    map[string]string   `yaml:"use_cases"`
	Equivalents map[string][]string `yaml:"equivalents"`
}

// PipelineConfig holds pipeline execution and storage defaults.
type PipelineConfig struct {
	StepTimeout     *Duration `yaml:"step_timeout"`
	RetentionDays   *int      `yaml:"retention_days"`
	MaxResultSizeMB *int      `yaml:"max_result_size_mb"`
}

// MergeConfig holds the merge gatekeeper settings.
type MergeConfig struct {
	AllowedRepo *string `yaml:"allowed_repo"`
}

// AutomodeConfig bounds the autonomous loop.
type AutomodeConfig struct {
	MaxConsecutiveFailures *int      `yaml:"max_consecutive_failures"`
	RateLimitPause         *Duration `yaml:"rate_limit_pause"`
	MaxFeatures            *int      `yaml:"max_features"`
}

// CheckConfig is one static review gate command.
type CheckConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ReviewConfig holds the code review service settings.
type ReviewConfig struct {
	FixModel       *string       `yaml:"fix_model"`
	MaxFixAttempts *int          `yaml:"max_fix_attempts"`
	Checks         []CheckConfig `yaml:"checks"`
}

// Config represents the conductor configuration file.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Models    ModelsConfig              `yaml:"models"`
	Pipeline  PipelineConfig            `yaml:"pipeline"`
	Merge     MergeConfig               `yaml:"merge"`
	Automode  AutomodeConfig            `yaml:"automode"`
	Review    ReviewConfig              `yaml:"review"`
}

// LoadResult contains the loaded config and any warnings encountered.
type LoadResult struct {
	Config   *Config
	Warnings []string
}

// LoadFromDirWithWarnings reads .conductor.yaml from the specified directory
// and returns warnings. Returns an empty config (not error) if the file
// doesn't exist.
func LoadFromDirWithWarnings(dir string) (*LoadResult, error) {
	return LoadFromPathWithWarnings(filepath.Join(dir, ConfigFileName))
}

// LoadFromPathWithWarnings reads a config file and returns warnings for
// unknown keys. Returns an empty config (not error) if the file doesn't
// exist. Returns an error if the file exists but is invalid YAML or contains
// invalid values.
func LoadFromPathWithWarnings(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LoadResult{Config: &Config{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	warnings := checkUnknownKeys(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfigFileName, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFileName, err)
	}

	return &LoadResult{Config: &cfg, Warnings: warnings}, nil
}

// knownTopLevelKeys are the valid top-level keys in the config file.
var knownTopLevelKeys = []string{"providers", "models", "pipeline", "merge", "automode", "review"}

// knownSectionKeys are the valid keys under each nested section.
var knownSectionKeys = map[string][]string{
	"models":   {"use_cases", "equivalents"},
	"pipeline": {"step_timeout", "retention_days", "max_result_size_mb"},
	"merge":    {"allowed_repo"},
	"automode": {"max_consecutive_failures", "rate_limit_pause", "max_features"},
	"review":   {"fix_model", "max_fix_attempts", "checks"},
}

// knownProviderKeys are the valid keys under each providers entry.
var knownProviderKeys = []string{"enabled", "api_key_env", "default_model"}

// checkUnknownKeys checks for unknown keys in the YAML data and returns warnings.
func checkUnknownKeys(data []byte) []string {
	var warnings []string

	// Parse into a generic map to inspect keys
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		// If we can't parse, let the main parser handle the error
		return nil
	}

	for key := range raw {
		if !slices.Contains(knownTopLevelKeys, key) {
			warnings = append(warnings, unknownKeyWarning(key, ConfigFileName, knownTopLevelKeys))
		}
	}

	for section, known := range knownSectionKeys {
		sub, ok := raw[section].(map[string]any)
		if !ok {
			continue
		}
		for key := range sub {
			if !slices.Contains(known, key) {
				warnings = append(warnings, unknownKeyWarning(key, section+" section of "+ConfigFileName, known))
			}
		}
	}

	if providers, ok := raw["providers"].(map[string]any); ok {
		for name, entry := range providers {
			if !slices.Contains(providerNames, name) {
				warnings = append(warnings, unknownKeyWarning(name, "providers section of "+ConfigFileName, providerNames))
			}
			sub, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			for key := range sub {
				if !slices.Contains(knownProviderKeys, key) {
					warnings = append(warnings, unknownKeyWarning(key, fmt.Sprintf("providers.%s section of %s", name, ConfigFileName), knownProviderKeys))
				}
			}
		}
	}

	return warnings
}

func unknownKeyWarning(key, where string, known []string) string {
	warning := fmt.Sprintf("unknown key %q in %s", key, where)
	if suggestion := findSimilar(key, known); suggestion != "" {
		warning += fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return warning
}

// findSimilar finds the most similar string from candidates using Levenshtein distance.
// Returns empty string if no candidate is similar enough (threshold: 3 edits).
func findSimilar(input string, candidates []string) string {
	const maxDistance = 3
	bestMatch := ""
	bestDistance := maxDistance + 1

	for _, candidate := range candidates {
		dist := levenshtein(input, candidate)
		if dist < bestDistance {
			bestDistance = dist
			bestMatch = candidate
		}
	}

	if bestDistance <= maxDistance {
		return bestMatch
	}
	return ""
}

// levenshtein calculates the Levenshtein distance between two strings.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	matrix := make([][]int, len(ra)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(rb)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(ra)][len(rb)]
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	for name := range c.Providers {
		if !slices.Contains(providerNames, name) {
			return fmt.Errorf("unknown provider %q, supported: %v", name, providerNames)
		}
	}
	if c.Pipeline.StepTimeout != nil && *c.Pipeline.StepTimeout <= 0 {
		return fmt.Errorf("pipeline.step_timeout must be > 0, got %s", time.Duration(*c.Pipeline.StepTimeout))
	}
	if c.Pipeline.RetentionDays != nil && *c.Pipeline.RetentionDays < 1 {
		return fmt.Errorf("pipeline.retention_days must be >= 1, got %d", *c.Pipeline.RetentionDays)
	}
	if c.Pipeline.MaxResultSizeMB != nil && *c.Pipeline.MaxResultSizeMB < 1 {
		return fmt.Errorf("pipeline.max_result_size_mb must be >= 1, got %d", *c.Pipeline.MaxResultSizeMB)
	}
	if c.Automode.MaxConsecutiveFailures != nil && *c.Automode.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("automode.max_consecutive_failures must be >= 1, got %d", *c.Automode.MaxConsecutiveFailures)
	}
	if c.Automode.RateLimitPause != nil && *c.Automode.RateLimitPause <= 0 {
		return fmt.Errorf("automode.rate_limit_pause must be > 0, got %s", time.Duration(*c.Automode.RateLimitPause))
	}
	if c.Automode.MaxFeatures != nil && *c.Automode.MaxFeatures < 0 {
		return fmt.Errorf("automode.max_features must be >= 0, got %d", *c.Automode.MaxFeatures)
	}
	if c.Review.MaxFixAttempts != nil && *c.Review.MaxFixAttempts < 0 {
		return fmt.Errorf("review.max_fix_attempts must be >= 0, got %d", *c.Review.MaxFixAttempts)
	}
	for i, check := range c.Review.Checks {
		if check.Command == "" {
			return fmt.Errorf("review.checks[%d]: command is required", i)
		}
	}
	return nil
}

// Resolved holds the final resolved configuration values.
type Resolved struct {
	Enabled       map[string]bool
	CredentialEnv map[string]string
	DefaultModels map[string]string
	UseCaseModels map[string]string
	Equivalents   map[string][]string

	StepTimeout   time.Duration
	RetentionDays int
	MaxResultSize int64

	AllowedRepo string

	MaxConsecutiveFailures int
	RateLimitPause         time.Duration
	MaxFeatures            int

	FixModel       string
	MaxFixAttempts int
	Checks         []CheckConfig
}

// Defaults returns the built-in default values.
func Defaults() Resolved {
	return Resolved{
		Enabled: map[string]bool{
			"claude": true, "cursor": true, "opencode": true, "codex": true,
		},
		CredentialEnv: map[string]string{
			"claude":   "ANTHROPIC_API_KEY",
			"cursor":   "CURSOR_API_KEY",
			"opencode": "OPENCODE_API_KEY",
			"codex":    "OPENAI_API_KEY",
		},
		DefaultModels: map[string]string{
			"claude":   "claude-sonnet-4-5",
			"cursor":   "cursor/composer-1",
			"opencode": "opencode/big-pickle",
			"codex":    "gpt-5.2-codex",
		},
		UseCaseModels: map[string]string{},
		Equivalents:   map[string][]string{},

		StepTimeout:   10 * time.Minute,
		RetentionDays: 30,
		MaxResultSize: 10 * 1024 * 1024,

		AllowedRepo: "devhaven/conductor",

		MaxConsecutiveFailures: 3,
		RateLimitPause:         5 * time.Minute,
		MaxFeatures:            0,

		FixModel:       "claude-sonnet-4-5",
		MaxFixAttempts: 3,
	}
}

// EnvState captures env var values and whether they were set.
type EnvState struct {
	StepTimeout               time.Duration
	StepTimeoutSet            bool
	RetentionDays             int
	RetentionDaysSet          bool
	MaxResultSizeMB           int
	MaxResultSizeMBSet        bool
	AllowedRepo               string
	AllowedRepoSet            bool
	MaxConsecutiveFailures    int
	MaxConsecutiveFailuresSet bool
	RateLimitPause            time.Duration
	RateLimitPauseSet         bool
	MaxFeatures               int
	MaxFeaturesSet            bool
	FixModel                  string
	FixModelSet               bool
}

// LoadEnvState reads CONDUCTOR_* environment variables and returns their state.
func LoadEnvState() EnvState {
	var state EnvState

	if v := os.Getenv("CONDUCTOR_STEP_TIMEOUT"); v != "" {
		if d, ok := parseDurationOrSeconds(v); ok {
			state.StepTimeout = d
			state.StepTimeoutSet = true
		}
	}
	if v := os.Getenv("CONDUCTOR_RETENTION_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			state.RetentionDays = i
			state.RetentionDaysSet = true
		}
	}
	if v := os.Getenv("CONDUCTOR_MAX_RESULT_SIZE_MB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			state.MaxResultSizeMB = i
			state.MaxResultSizeMBSet = true
		}
	}
	if v := os.Getenv("CONDUCTOR_MERGE_REPO"); v != "" {
		state.AllowedRepo = v
		state.AllowedRepoSet = true
	}
	if v := os.Getenv("CONDUCTOR_MAX_FAILURES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			state.MaxConsecutiveFailures = i
			state.MaxConsecutiveFailuresSet = true
		}
	}
	if v := os.Getenv("CONDUCTOR_RATE_LIMIT_PAUSE"); v != "" {
		if d, ok := parseDurationOrSeconds(v); ok {
			state.RateLimitPause = d
			state.RateLimitPauseSet = true
		}
	}
	if v := os.Getenv("CONDUCTOR_MAX_FEATURES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			state.MaxFeatures = i
			state.MaxFeaturesSet = true
		}
	}
	if v := os.Getenv("CONDUCTOR_FIX_MODEL"); v != "" {
		state.FixModel = v
		state.FixModelSet = true
	}

	return state
}

func parseDurationOrSeconds(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// Resolve merges config file values with env vars.
// Precedence: env vars > config file > defaults. Flags are applied on top by
// the command layer, which knows which ones were explicitly set.
func Resolve(cfg *Config, envState EnvState) Resolved {
	result := Defaults()

	if cfg != nil {
		for name, pc := range cfg.Providers {
			if pc.Enabled != nil {
				result.Enabled[name] = *pc.Enabled
			}
			if pc.APIKeyEnv != "" {
				result.CredentialEnv[name] = pc.APIKeyEnv
			}
			if pc.DefaultModel != "" {
				result.DefaultModels[name] = pc.DefaultModel
			}
		}
		for useCase, model := range cfg.Models.UseCases {
			result.UseCaseModels[useCase] = model
		}
		for model, equivs := range cfg.Models.Equivalents {
			result.Equivalents[model] = equivs
		}
		if cfg.Pipeline.StepTimeout != nil {
			result.StepTimeout = cfg.Pipeline.StepTimeout.AsDuration()
		}
		if cfg.Pipeline.RetentionDays != nil {
			result.RetentionDays = *cfg.Pipeline.RetentionDays
		}
		if cfg.Pipeline.MaxResultSizeMB != nil {
			result.MaxResultSize = int64(*cfg.Pipeline.MaxResultSizeMB) * 1024 * 1024
		}
		if cfg.Merge.AllowedRepo != nil {
			result.AllowedRepo = *cfg.Merge.AllowedRepo
		}
		if cfg.Automode.MaxConsecutiveFailures != nil {
			result.MaxConsecutiveFailures = *cfg.Automode.MaxConsecutiveFailures
		}
		if cfg.Automode.RateLimitPause != nil {
			result.RateLimitPause = cfg.Automode.RateLimitPause.AsDuration()
		}
		if cfg.Automode.MaxFeatures != nil {
			result.MaxFeatures = *cfg.Automode.MaxFeatures
		}
		if cfg.Review.FixModel != nil {
			result.FixModel = *cfg.Review.FixModel
		}
		if cfg.Review.MaxFixAttempts != nil {
			result.MaxFixAttempts = *cfg.Review.MaxFixAttempts
		}
		if len(cfg.Review.Checks) > 0 {
			result.Checks = cfg.Review.Checks
		}
	}

	if envState.StepTimeoutSet {
		result.StepTimeout = envState.StepTimeout
	}
	if envState.RetentionDaysSet {
		result.RetentionDays = envState.RetentionDays
	}
	if envState.MaxResultSizeMBSet {
		result.MaxResultSize = int64(envState.MaxResultSizeMB) * 1024 * 1024
	}
	if envState.AllowedRepoSet {
		result.AllowedRepo = envState.AllowedRepo
	}
	if envState.MaxConsecutiveFailuresSet {
		result.MaxConsecutiveFailures = envState.MaxConsecutiveFailures
	}
	if envState.RateLimitPauseSet {
		result.RateLimitPause = envState.RateLimitPause
	}
	if envState.MaxFeaturesSet {
		result.MaxFeatures = envState.MaxFeatures
	}
	if envState.FixModelSet {
		result.FixModel = envState.FixModel
	}

	return result
}

// Retention converts the retention window to a duration.
func (r Resolved) Retention() time.Duration {
	return time.Duration(r.RetentionDays) * 24 * time.Hour
}

// Credentials reads the configured env var for each provider and returns the
// keys found. Providers with no key set are left to the adapter's own
// credential discovery (e.g. a logged-in CLI).
func (r Resolved) Credentials() provider.Credentials {
	creds := make(provider.Credentials, len(r.CredentialEnv))
	for name, envName := range r.CredentialEnv {
		if v := os.Getenv(envName); v != "" {
			creds[name] = v
		}
	}
	return creds
}

// ModelResolver builds the query-layer model resolver from the resolved
// configuration.
func (r Resolved) ModelResolver() *query.ModelResolver {
	return &query.ModelResolver{
		UseCaseModels: r.UseCaseModels,
		Equivalents:   r.Equivalents,
		Defaults:      r.DefaultModels,
		Enabled:       r.Enabled,
	}
}
