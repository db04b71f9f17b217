package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

const validConfig = `
home: /tmp/sg-home
store:
  backend: badger
policy:
  rollback_threshold: medium
  max_retries: 2
  barrier_timeout: 90s
templates:
  review-only:
    description: Review an existing change.
    stages:
      - id: review
        kind: review
      - id: security-review
        kind: review
      - id: summarize
        kind: docs
        deps: [review, security-review]
classifier:
  rules:
    - template: review-only
      keywords: [audit]
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stagegate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() error: %v", err)
	}
	errs := Validate(cfg)
	for _, e := range errs {
		t.Errorf("  - %s", e)
	}
	for _, id := range []string{"none", "quick", "standard", "full"} {
		if _, ok := cfg.Template(id); !ok {
			t.Errorf("default template %q missing", id)
		}
	}
	if cfg.Policy.Threshold() != pipeline.SeverityHigh {
		t.Errorf("Threshold = %q, want HIGH", cfg.Policy.Threshold())
	}
	if cfg.Policy.BarrierTimeoutDuration() != 10*time.Minute {
		t.Errorf("BarrierTimeout = %v, want 10m", cfg.Policy.BarrierTimeoutDuration())
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.Backend != "badger" {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, "badger")
	}
	if cfg.Policy.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Policy.MaxRetries)
	}
	if cfg.Policy.Threshold() != pipeline.SeverityMedium {
		t.Errorf("Threshold = %q, want MEDIUM", cfg.Policy.Threshold())
	}
	if cfg.Policy.BarrierTimeoutDuration() != 90*time.Second {
		t.Errorf("BarrierTimeout = %v, want 90s", cfg.Policy.BarrierTimeoutDuration())
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for valid config:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestDefaultsMerge(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Templates merge by key: the built-ins survive next to the new one.
	for _, id := range []string{"none", "standard", "review-only"} {
		if _, ok := cfg.Templates[id]; !ok {
			t.Errorf("template %q missing after merge", id)
		}
	}
	// Unset policy fields keep their defaults.
	if cfg.Policy.HardWriteLimit != 15 {
		t.Errorf("HardWriteLimit = %d, want 15 (from defaults)", cfg.Policy.HardWriteLimit)
	}
	// Lists replace.
	if len(cfg.Classifier.Rules) != 1 {
		t.Errorf("len(Classifier.Rules) = %d, want 1", len(cfg.Classifier.Rules))
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeTestConfig(t, "polcy:\n  max_retries: 2\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for misspelled top-level key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Policy.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Policy.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvHome, "/srv/stagegate")
	t.Setenv(EnvStore, "MEMORY")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}
	ApplyEnv(cfg)
	if cfg.Home != "/srv/stagegate" || cfg.Store.Backend != "memory" || cfg.Log.Level != "debug" {
		t.Errorf("after ApplyEnv: home=%q store=%q level=%q", cfg.Home, cfg.Store.Backend, cfg.Log.Level)
	}
	dir, err := cfg.StoreDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/srv/stagegate/runs" {
		t.Errorf("StoreDir = %q", dir)
	}
}

func TestLoadDefaultFromEnvPath(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvHome, "")
	t.Setenv(EnvStore, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Store.Backend != "badger" {
		t.Errorf("Store.Backend = %q, want badger", cfg.Store.Backend)
	}
	dir, _ := cfg.StoreDir()
	if dir != "/tmp/sg-home/badger" {
		t.Errorf("StoreDir = %q", dir)
	}

	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadDefault(); err == nil {
		t.Error("expected error when STAGEGATE_CONFIG points nowhere")
	}
}

func hasField(errs []ValidationError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad backend", "store:\n  backend: postgres\n", "store.backend"},
		{"bad threshold", "policy:\n  rollback_threshold: SEVERE\n", "policy.rollback_threshold"},
		{"bad duration", "policy:\n  barrier_timeout: soon\n", "policy.barrier_timeout"},
		{"zero retries", "policy:\n  max_retries: 0\n", "policy.max_retries"},
		{"hard below soft", "policy:\n  soft_write_limit: 20\n  hard_write_limit: 10\n", "policy.hard_write_limit"},
		{"bad kind", "templates:\n  x:\n    stages:\n      - id: a\n        kind: wizard\n", "templates[x].stages[0].kind"},
		{"missing stage id", "templates:\n  x:\n    stages:\n      - kind: dev\n", "templates[x].stages[0].id"},
		{"unknown dep", "templates:\n  x:\n    stages:\n      - id: a\n        deps: [ghost]\n", "templates.x.stages.a"},
		{"duplicate stage", "templates:\n  x:\n    stages:\n      - id: a\n      - id: a\n", "templates.x.stages[1].id"},
		{"cycle", "templates:\n  x:\n    stages:\n      - id: a\n        deps: [b]\n      - id: b\n        deps: [a]\n", "templates.x"},
		{"empty template", "templates:\n  x:\n    stages: []\n", "templates.x.stages"},
		{"unknown phase template", "templates:\n  x:\n    phase_template: nope\n    stages:\n      - id: a\n", "templates.x.phase_template"},
		{"rule template", "classifier:\n  rules:\n    - template: nope\n      keywords: [x]\n", "classifier.rules[0].template"},
		{"rule without match", "classifier:\n  rules:\n    - template: quick\n", "classifier.rules[0]"},
		{"heuristic template", "classifier:\n  heuristics:\n    large: nope\n", "classifier.heuristics.large"},
		{"phase entry", "phase_templates:\n  p:\n    entry: ghost\n    stages:\n      - id: a\n", "phase_templates.p.entry"},
		{"phase final collides", "phase_templates:\n  p:\n    stages:\n      - id: a\n    final:\n      id: a\n", "phase_templates.p.final.id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			errs := Validate(cfg)
			if !hasField(errs, tt.field) {
				var got []string
				for _, e := range errs {
					got = append(got, e.Error())
				}
				t.Errorf("no error for %s; got:\n  %s", tt.field, strings.Join(got, "\n  "))
			}
		})
	}
}

func TestBuildDAG(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}
	tmpl, _ := cfg.Template("standard")
	dag := tmpl.BuildDAG()

	if got := dag.IDs(); !slices.Equal(got, []string{"document", "implement", "plan", "review", "test"}) {
		t.Fatalf("IDs = %v", got)
	}
	b := dag["review"].Barrier
	if b == nil {
		t.Fatal("review has no barrier")
	}
	if b.Group != "gates" || b.Next != "document" || !slices.Equal(b.Siblings, []string{"review", "test"}) {
		t.Errorf("barrier = %+v", b)
	}
	if dag["review"].OnFail != "implement" {
		t.Errorf("review onFail = %q", dag["review"].OnFail)
	}
	if dag.KindOf("plan") != pipeline.KindPlan {
		t.Errorf("plan kind = %q", dag.KindOf("plan"))
	}
}

func TestPhaseTemplateRegistry(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}
	pt, ok := cfg.PhaseTemplate("phased")
	if !ok {
		t.Fatal("phased template missing")
	}
	if pt.Entry != "implement" || len(pt.Stages) != 3 || pt.Final == nil || pt.Final.ID != "document" {
		t.Errorf("phased = %+v", pt)
	}
	if _, ok := cfg.PhaseTemplate("nope"); ok {
		t.Error("unknown phase template found")
	}
}
