// Package gate decides whether an attempted operation is allowed given the
// current run. Rules are checked in order and the first match wins.
package gate

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// Action is the gate's answer.
type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
)

// Rule names, reported on every Decision.
const (
	RuleAlwaysBlocked  = "always_blocked"
	RuleDestructive    = "destructive_command"
	RuleWriteBypass    = "write_bypass"
	RuleNoPipeline     = "no_pipeline"
	RuleReadOnly       = "read_only"
	RuleStageActive    = "stage_active"
	RuleTestFile       = "test_file"
	RuleScratch        = "scratch_artifact"
	RuleGateStageWrite = "gate_stage_write"
	RuleDelegation     = "delegation"
	RuleMustDelegate   = "must_delegate"
	RuleDefault        = "default"
)

// Decision is the result of Evaluate.
type Decision struct {
	Action Action `json:"decision"`
	Reason string `json:"reason"`
	Rule   string `json:"rule"`
	// Signature is set when a command signature caused the decision.
	Signature string `json:"signature,omitempty"`
}

// Allowed reports whether the decision is Allow.
func (d Decision) Allowed() bool { return d.Action == Allow }

// DefaultTestFilePatterns match file base names, or a directory segment when
// they end in "/".
var DefaultTestFilePatterns = []string{
	"*_test.go", "*.test.*", "*.spec.*", "test_*.py", "*_test.py", "*Test.java", "*_spec.rb",
	"tests/", "__tests__/", "testdata/", "spec/",
}

// DefaultScratchDirs are directories whose files never count as project writes.
var DefaultScratchDirs = []string{".stagegate", ".pipeline", ".scratch"}

// Options configures a Gate. Nil slices use the defaults.
type Options struct {
	TestFilePatterns []string
	ScratchDirs      []string
	Logger           *slog.Logger
}

// Gate evaluates operations. It is safe for concurrent use once built.
type Gate struct {
	cat          *catalogue
	testPatterns []string
	scratchDirs  []string
	logger       *slog.Logger
}

// New loads the embedded catalogue and builds a Gate.
func New(opts Options) (*Gate, error) {
	cat, err := defaultCatalogue()
	if err != nil {
		return nil, err
	}
	g := &Gate{
		cat:          cat,
		testPatterns: opts.TestFilePatterns,
		scratchDirs:  opts.ScratchDirs,
		logger:       opts.Logger,
	}
	if g.testPatterns == nil {
		g.testPatterns = DefaultTestFilePatterns
	}
	if g.scratchDirs == nil {
		g.scratchDirs = DefaultScratchDirs
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, p := range g.testPatterns {
		if _, err := path.Match(strings.TrimSuffix(p, "/"), "x"); err != nil {
			return nil, fmt.Errorf("bad test file pattern %q: %w", p, err)
		}
	}
	return g, nil
}

// Kind returns the class of an operation name. Unknown names are OpOther.
func (g *Gate) Kind(op string) OpKind {
	if k, ok := g.cat.ops[op]; ok {
		return k
	}
	return OpOther
}

// ScanCommand returns the first destructive or write-bypass signature in cmd.
func (g *Gate) ScanCommand(cmd string) (Match, bool) {
	if m, ok := g.cat.scan(ClassDestructive, cmd); ok {
		return m, true
	}
	return g.cat.scan(ClassWriteBypass, cmd)
}

// Evaluate decides whether op may act on target. For commands target is the
// command line; for file operations it is the path. run may be nil.
func (g *Gate) Evaluate(op, target string, run *pipeline.Run) Decision {
	d := g.evaluate(op, target, run)
	if !d.Allowed() {
		g.logger.Debug("gate blocked operation", "op", op, "rule", d.Rule, "signature", d.Signature)
	}
	return d
}

func (g *Gate) evaluate(op, target string, run *pipeline.Run) Decision {
	kind := g.Kind(op)

	if kind == OpAlwaysBlocked {
		return Decision{Action: Block, Rule: RuleAlwaysBlocked, Reason: fmt.Sprintf("%s is not available while stagegate manages this session", op)}
	}

	if kind == OpCommand {
		if m, ok := g.cat.scan(ClassDestructive, target); ok {
			return Decision{Action: Block, Rule: RuleDestructive, Signature: m.ID, Reason: fmt.Sprintf("destructive command blocked: %s (%q)", m.Description, m.Text)}
		}
		if writesRestricted(run) {
			if m, ok := g.cat.scan(ClassWriteBypass, target); ok {
				return Decision{Action: Block, Rule: RuleWriteBypass, Signature: m.ID, Reason: fmt.Sprintf("command writes files while writes are gated: %s (%q)", m.Description, m.Text)}
			}
		}
	}

	if run == nil || !run.PipelineActive {
		return Decision{Action: Allow, Rule: RuleNoPipeline, Reason: "no active pipeline"}
	}

	if kind == OpReadOnly {
		return Decision{Action: Allow, Rule: RuleReadOnly, Reason: "read-only operation"}
	}

	gates, others := activeByClass(run)
	if len(others) > 0 && len(gates) == 0 {
		return Decision{Action: Allow, Rule: RuleStageActive, Reason: fmt.Sprintf("stage %s is active", strings.Join(others, ", "))}
	}

	if len(gates) > 0 && kind == OpWrite {
		if hasKind(run, gates, pipeline.KindTest) && g.IsTestFile(target) {
			return Decision{Action: Allow, Rule: RuleTestFile, Reason: "test-class stage writing a test file"}
		}
		if g.IsScratch(target) {
			return Decision{Action: Allow, Rule: RuleScratch, Reason: "scratch artifact"}
		}
		return Decision{Action: Block, Rule: RuleGateStageWrite, Reason: fmt.Sprintf("quality-gate stage %s may not modify %s", strings.Join(gates, ", "), target)}
	}

	if kind == OpDelegation {
		return Decision{Action: Allow, Rule: RuleDelegation, Reason: "delegation is always allowed"}
	}

	if len(run.ActiveStages) == 0 {
		ready := pipeline.ReadyStages(run)
		reason := "pipeline active: delegate the work to a stage agent"
		if len(ready) > 0 {
			reason = fmt.Sprintf("pipeline active: delegate to a stage agent (ready: %s)", strings.Join(ready, ", "))
		}
		return Decision{Action: Block, Rule: RuleMustDelegate, Reason: reason}
	}

	return Decision{Action: Allow, Rule: RuleDefault, Reason: "allowed"}
}

// writesRestricted reports whether a general write would currently be refused.
func writesRestricted(run *pipeline.Run) bool {
	if run == nil || !run.PipelineActive {
		return false
	}
	gates, others := activeByClass(run)
	return len(gates) > 0 || len(others) == 0
}

func activeByClass(run *pipeline.Run) (gates, others []string) {
	for _, id := range run.ActiveStages {
		if run.DAG.KindOf(id).QualityGate() {
			gates = append(gates, id)
		} else {
			others = append(others, id)
		}
	}
	return gates, others
}

func hasKind(run *pipeline.Run, ids []string, k pipeline.Kind) bool {
	for _, id := range ids {
		if run.DAG.KindOf(id) == k {
			return true
		}
	}
	return false
}

// IsTestFile reports whether target matches a test file pattern.
func (g *Gate) IsTestFile(target string) bool {
	p := filepath.ToSlash(filepath.Clean(target))
	base := path.Base(p)
	segments := strings.Split(path.Dir(p), "/")
	for _, pat := range g.testPatterns {
		if dir, ok := strings.CutSuffix(pat, "/"); ok {
			for _, seg := range segments {
				if ok, _ := path.Match(dir, seg); ok {
					return true
				}
			}
			continue
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// IsScratch reports whether target lives under a scratch directory. Relative
// entries match any path segment; absolute entries match as a prefix.
func (g *Gate) IsScratch(target string) bool {
	if target == "" {
		return false
	}
	p := filepath.ToSlash(filepath.Clean(target))
	segments := strings.Split(path.Dir(p), "/")
	for _, dir := range g.scratchDirs {
		dir = filepath.ToSlash(filepath.Clean(dir))
		if path.IsAbs(dir) {
			if p == dir || strings.HasPrefix(p, dir+"/") {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if seg == dir {
				return true
			}
		}
	}
	return false
}
