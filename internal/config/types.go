package config

import (
	"time"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// Config is the top-level configuration parsed from stagegate.yaml, layered
// over the embedded defaults.
type Config struct {
	Home           string                   `yaml:"home"`
	Store          StoreConfig              `yaml:"store"`
	Log            LogConfig                `yaml:"log"`
	Metrics        MetricsConfig            `yaml:"metrics"`
	Policy         Policy                   `yaml:"policy"`
	Gate           GateConfig               `yaml:"gate"`
	Classifier     ClassifierConfig         `yaml:"classifier"`
	Templates      map[string]Template      `yaml:"templates" validate:"required,dive"`
	PhaseTemplates map[string]PhaseTemplate `yaml:"phase_templates" validate:"dive"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file badger memory"`
	// Dir defaults to <home>/runs for the file backend and <home>/badger for badger.
	Dir string `yaml:"dir"`
}

// LogConfig controls the slog handler the CLI builds.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig controls the /metrics listener of the watch command.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Policy holds the numbers the controller enforces.
type Policy struct {
	RollbackThreshold string `yaml:"rollback_threshold" validate:"severity"`
	MaxRetries        int    `yaml:"max_retries" validate:"gte=1"`
	BarrierTimeout    string `yaml:"barrier_timeout" validate:"duration"`
	SoftWriteLimit    int    `yaml:"soft_write_limit" validate:"gte=0"`
	HardWriteLimit    int    `yaml:"hard_write_limit" validate:"gtefield=SoftWriteLimit"`
	CompletionGrace   string `yaml:"completion_grace" validate:"duration"`
	IdleExpiry        string `yaml:"idle_expiry" validate:"duration"`
}

// Threshold returns the rollback threshold as a severity.
func (p Policy) Threshold() pipeline.Severity {
	if s := pipeline.ParseSeverity(p.RollbackThreshold); s != pipeline.SeverityNone {
		return s
	}
	return pipeline.SeverityHigh
}

// BarrierTimeoutDuration returns the barrier timeout. Unparseable values were
// rejected by Validate; here they read as zero.
func (p Policy) BarrierTimeoutDuration() time.Duration { return parseDuration(p.BarrierTimeout) }

// CompletionGraceDuration returns how long completed runs are kept.
func (p Policy) CompletionGraceDuration() time.Duration { return parseDuration(p.CompletionGrace) }

// IdleExpiryDuration returns how long an untouched run is kept.
func (p Policy) IdleExpiryDuration() time.Duration { return parseDuration(p.IdleExpiry) }

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// GateConfig tunes the access gate's file exceptions.
type GateConfig struct {
	TestFilePatterns []string `yaml:"test_file_patterns"`
	ScratchDirs      []string `yaml:"scratch_dirs"`
}

// ClassifierConfig holds the task classifier rules.
type ClassifierConfig struct {
	Rules      []ClassifierRule `yaml:"rules" validate:"dive"`
	Heuristics Heuristics       `yaml:"heuristics"`
}

// ClassifierRule maps keywords or a pattern onto a template.
type ClassifierRule struct {
	Template string   `yaml:"template" validate:"required"`
	TaskType string   `yaml:"task_type"`
	Keywords []string `yaml:"keywords"`
	Pattern  string   `yaml:"pattern"`
}

// Heuristics names the templates chosen by the fallback heuristics.
type Heuristics struct {
	Trivial string `yaml:"trivial"`
	Small   string `yaml:"small"`
	Large   string `yaml:"large"`
	Default string `yaml:"default"`
}

// Template is a flat DAG template.
type Template struct {
	Description string `yaml:"description"`
	// PhaseTemplate names the per-phase template used when a task breakdown
	// is available.
	PhaseTemplate string  `yaml:"phase_template"`
	Stages        []Stage `yaml:"stages" validate:"dive"`
}

// Stage is one stage of a template.
type Stage struct {
	ID         string   `yaml:"id" validate:"required"`
	Kind       string   `yaml:"kind" validate:"omitempty,oneof=plan design dev review test docs other"`
	Deps       []string `yaml:"deps"`
	OnFail     string   `yaml:"on_fail"`
	MaxRetries int      `yaml:"max_retries" validate:"gte=0"`
	// Barrier names the join point shared by parallel siblings.
	Barrier string `yaml:"barrier"`
}

// PhaseTemplate is a stage set instantiated once per phase.
type PhaseTemplate struct {
	Entry  string  `yaml:"entry"`
	Stages []Stage `yaml:"stages" validate:"required,min=1,dive"`
	Final  *Stage  `yaml:"final"`
}
