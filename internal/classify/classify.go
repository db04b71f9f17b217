// Package classify picks a DAG template for a task description using
// configured rules first and a few heuristics second.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// Rule maps matching task text onto a template.
type Rule struct {
	Template string
	TaskType string
	// Keywords match as whole words, case-insensitively. Any keyword matches.
	Keywords []string
	// Pattern is an optional regex checked after the keywords.
	Pattern string
}

// Heuristics name the templates the fallback heuristics choose.
type Heuristics struct {
	Trivial string
	Small   string
	Large   string
	Default string
}

// Result is the classifier's choice.
type Result struct {
	TemplateID string
	TaskType   string
	Method     pipeline.ClassificationMethod
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Classifier is safe for concurrent use.
type Classifier struct {
	rules []compiledRule
	h     Heuristics
}

// New compiles rules. Empty heuristic names fall back to none/quick/full/standard.
func New(rules []Rule, h Heuristics) (*Classifier, error) {
	if h.Trivial == "" {
		h.Trivial = pipeline.NoopTemplate
	}
	if h.Small == "" {
		h.Small = "quick"
	}
	if h.Large == "" {
		h.Large = "full"
	}
	if h.Default == "" {
		h.Default = "standard"
	}
	c := &Classifier{h: h}
	for _, r := range rules {
		var parts []string
		for _, k := range r.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				parts = append(parts, regexp.QuoteMeta(k))
			}
		}
		expr := ""
		if len(parts) > 0 {
			expr = `(?i)\b(?:` + strings.Join(parts, "|") + `)\b`
		}
		if r.Pattern != "" {
			if expr != "" {
				expr += "|"
			}
			expr += "(?i)" + r.Pattern
		}
		if expr == "" {
			return nil, fmt.Errorf("rule for template %q has no keywords or pattern", r.Template)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile rule for template %q: %w", r.Template, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: r, re: re})
	}
	return c, nil
}

var (
	trivialWords = regexp.MustCompile(`(?i)\b(?:typo|spelling|rename|bump|comment|readme|wording|whitespace|format(?:ting)?|lint)\b`)
	fixWords     = regexp.MustCompile(`(?i)\b(?:fix|bug|broken|crash|regression|hotfix|error)\b`)
	listItem     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+\S`)
)

// Classify chooses a template. An explicit template always wins.
func (c *Classifier) Classify(text, explicit string) Result {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return Result{TemplateID: explicit, TaskType: taskType(text), Method: pipeline.MethodExplicit}
	}
	for _, r := range c.rules {
		if r.re.MatchString(text) {
			tt := r.TaskType
			if tt == "" {
				tt = taskType(text)
			}
			return Result{TemplateID: r.Template, TaskType: tt, Method: pipeline.MethodRule}
		}
	}

	words := len(strings.Fields(text))
	items := len(listItem.FindAllString(text, -1))
	switch {
	case words == 0:
		return Result{TemplateID: c.h.Default, TaskType: "unknown", Method: pipeline.MethodDefault}
	case words <= 12 && trivialWords.MatchString(text):
		return Result{TemplateID: c.h.Trivial, TaskType: "trivial", Method: pipeline.MethodHeuristic}
	case items >= 5 || words >= 150:
		return Result{TemplateID: c.h.Large, TaskType: taskType(text), Method: pipeline.MethodHeuristic}
	case words <= 40 && fixWords.MatchString(text):
		return Result{TemplateID: c.h.Small, TaskType: "bugfix", Method: pipeline.MethodHeuristic}
	}
	return Result{TemplateID: c.h.Default, TaskType: taskType(text), Method: pipeline.MethodDefault}
}

var taskTypes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"bugfix", fixWords},
	{"refactor", regexp.MustCompile(`(?i)\b(?:refactor|cleanup|clean up|restructure|extract)\b`)},
	{"docs", regexp.MustCompile(`(?i)\b(?:docs?|documentation|readme|guide)\b`)},
	{"test", regexp.MustCompile(`(?i)\b(?:tests?|coverage|flaky)\b`)},
	{"feature", regexp.MustCompile(`(?i)\b(?:add|implement|build|create|support|introduce|new)\b`)},
}

func taskType(text string) string {
	for _, t := range taskTypes {
		if t.re.MatchString(text) {
			return t.name
		}
	}
	return "task"
}
