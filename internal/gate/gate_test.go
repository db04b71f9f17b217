package gate

import (
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newGate(t *testing.T) *Gate {
	t.Helper()
	g, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func runWith(active ...string) *pipeline.Run {
	dag := pipeline.DAG{
		"implement": {Kind: pipeline.KindDev},
		"review":    {Kind: pipeline.KindReview, Deps: []string{"implement"}},
		"test":      {Kind: pipeline.KindTest, Deps: []string{"implement"}},
	}
	r := pipeline.Classify(pipeline.NewRun("s"), pipeline.Decision{TemplateID: "standard", DAG: dag}, t0)
	for _, id := range active {
		r = pipeline.MarkStageActive(r, id, "agent-"+id, t0)
	}
	return r
}

func TestEvaluate(t *testing.T) {
	g := newGate(t)
	inactive := pipeline.Cancel(runWith(), t0)

	tests := []struct {
		name   string
		op     string
		target string
		run    *pipeline.Run
		want   Action
		rule   string
	}{
		{"plan mode always blocked", "EnterPlanMode", "", nil, Block, RuleAlwaysBlocked},
		{"destructive without pipeline", "Bash", "rm -rf /", nil, Block, RuleDestructive},
		{"destructive with dev active", "Bash", "git reset --hard HEAD~3", runWith("implement"), Block, RuleDestructive},
		{"force push", "Bash", "git push origin main --force", nil, Block, RuleDestructive},
		{"scoped rm allowed", "Bash", "rm -rf build/", nil, Allow, RuleNoPipeline},
		{"no run", "Write", "main.go", nil, Allow, RuleNoPipeline},
		{"cancelled run", "Write", "main.go", inactive, Allow, RuleNoPipeline},
		{"bypass ignored without pipeline", "Bash", "echo hi > notes.txt", nil, Allow, RuleNoPipeline},
		{"read while idle", "Read", "main.go", runWith(), Allow, RuleReadOnly},
		{"grep during review", "Grep", "TODO", runWith("review"), Allow, RuleReadOnly},
		{"dev writes", "Edit", "main.go", runWith("implement"), Allow, RuleStageActive},
		{"dev redirect", "Bash", "go test ./... > out.txt", runWith("implement"), Allow, RuleStageActive},
		{"review write blocked", "Edit", "main.go", runWith("review"), Block, RuleGateStageWrite},
		{"review test file blocked", "Write", "pkg/foo_test.go", runWith("review"), Block, RuleGateStageWrite},
		{"test stage test file", "Write", "pkg/foo_test.go", runWith("test"), Allow, RuleTestFile},
		{"test stage tests dir", "Write", "web/__tests__/app.js", runWith("test"), Allow, RuleTestFile},
		{"test stage source blocked", "Write", "pkg/foo.go", runWith("test"), Block, RuleGateStageWrite},
		{"review scratch", "Write", ".stagegate/review-notes.md", runWith("review"), Allow, RuleScratch},
		{"review bypass via sed", "Bash", "sed -i 's/a/b/' main.go", runWith("review"), Block, RuleWriteBypass},
		{"review bypass via tee", "Bash", "echo x | tee main.go", runWith("review"), Block, RuleWriteBypass},
		{"review runs tests", "Bash", "go test ./... 2>&1", runWith("review"), Allow, RuleDefault},
		{"review dev null", "Bash", "make lint >/dev/null 2>&1", runWith("review"), Allow, RuleDefault},
		{"delegate while idle", "Task", "implement the feature", runWith(), Allow, RuleDelegation},
		{"write while idle", "Write", "main.go", runWith(), Block, RuleMustDelegate},
		{"bash while idle", "Bash", "ls -la", runWith(), Block, RuleMustDelegate},
		{"bypass while idle", "Bash", "cat <<EOF > main.go", runWith(), Block, RuleWriteBypass},
		{"unknown tool while idle", "mcp__thing", "", runWith(), Block, RuleMustDelegate},
		{"mixed active blocks writes", "Write", "main.go", runWith("implement", "review"), Block, RuleGateStageWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Evaluate(tt.op, tt.target, tt.run)
			if d.Action != tt.want {
				t.Errorf("Action = %q, want %q (rule %s: %s)", d.Action, tt.want, d.Rule, d.Reason)
			}
			if d.Rule != tt.rule {
				t.Errorf("Rule = %q, want %q", d.Rule, tt.rule)
			}
			if d.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestMustDelegateNamesReadyStages(t *testing.T) {
	g := newGate(t)
	d := g.Evaluate("Edit", "main.go", runWith())
	if d.Reason != "pipeline active: delegate to a stage agent (ready: implement)" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestScanCommand(t *testing.T) {
	g := newGate(t)
	hits := map[string]string{
		"rm -rf ~":                        "rm-recursive-root",
		"sudo rm -fr .":                   "rm-recursive-root",
		"git clean -fdx":                  "git-clean-force",
		"git checkout -- .":               "git-checkout-all",
		"dd if=/dev/zero of=/dev/sda":     "dd-device",
		":(){ :|:& };:":                   "fork-bomb",
		"psql -c 'DROP DATABASE prod'":    "drop-database",
		"python -c \"open('a.txt','w')\"": "scripted-open-write",
		"node -e 'fs.writeFileSync(1)'":   "node-write-file",
		"perl -pi -e 's/a/b/' x":          "perl-in-place",
		"cp a.go b.go":                    "copy-move",
		"git apply fix.diff":              "apply-patch",
		"echo >> log.txt":                 "redirect",
	}
	for cmd, id := range hits {
		m, ok := g.ScanCommand(cmd)
		if !ok {
			t.Errorf("ScanCommand(%q) found nothing, want %s", cmd, id)
			continue
		}
		if m.ID != id {
			t.Errorf("ScanCommand(%q) = %s, want %s", cmd, m.ID, id)
		}
	}

	for _, cmd := range []string{
		"go build ./...",
		"ls -la | grep foo",
		"rm -rf ./node_modules",
		"git status",
		"cmd 2>&1",
		"echo hi > /dev/null",
		"git log --oneline",
	} {
		if m, ok := g.ScanCommand(cmd); ok {
			t.Errorf("ScanCommand(%q) = %s (%q), want no match", cmd, m.ID, m.Text)
		}
	}
}

func TestKind(t *testing.T) {
	g := newGate(t)
	for op, want := range map[string]OpKind{
		"Bash":         OpCommand,
		"MultiEdit":    OpWrite,
		"Agent":        OpDelegation,
		"WebSearch":    OpReadOnly,
		"ExitPlanMode": OpAlwaysBlocked,
		"Whatever":     OpOther,
	} {
		if got := g.Kind(op); got != want {
			t.Errorf("Kind(%q) = %q, want %q", op, got, want)
		}
	}
}

func TestCustomPatterns(t *testing.T) {
	g, err := New(Options{TestFilePatterns: []string{"*.check"}, ScratchDirs: []string{"/var/scratch"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !g.IsTestFile("a/b.check") || g.IsTestFile("a/b_test.go") {
		t.Error("custom test patterns not applied")
	}
	if !g.IsScratch("/var/scratch/x.md") || g.IsScratch("/var/scratchy/x.md") {
		t.Error("absolute scratch dir matched wrong")
	}

	if _, err := New(Options{TestFilePatterns: []string{"[bad"}}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestLoadCatalogueErrors(t *testing.T) {
	if _, err := loadCatalogue([]byte("operations:\n  teleport: [Beam]\n")); err == nil {
		t.Error("expected error for unknown operation kind")
	}
	if _, err := loadCatalogue([]byte("signatures:\n  - class: destructive\n    patterns:\n      - id: bad\n        regex: '('\n")); err == nil {
		t.Error("expected error for invalid regex")
	}
}
