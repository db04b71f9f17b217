package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// configValidate checks struct tags. Custom tags are registered in init.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("duration", validateDuration)
	_ = configValidate.RegisterValidation("severity", validateSeverity)
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateSeverity(fl validator.FieldLevel) bool {
	return pipeline.ParseSeverity(fl.Field().String()).Valid()
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if err := configValidate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, ValidationError{Field: fieldPath(fe.Namespace()), Message: tagMessage(fe)})
			}
		} else {
			errs = append(errs, ValidationError{Field: "config", Message: err.Error()})
		}
	}

	names := make([]string, 0, len(cfg.Templates))
	for name := range cfg.Templates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tmpl := cfg.Templates[name]
		prefix := "templates." + name
		if name != pipeline.NoopTemplate && len(tmpl.Stages) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".stages", Message: "at least one stage is required"})
		}
		seen := map[string]bool{}
		for i, s := range tmpl.Stages {
			if s.ID != "" && seen[s.ID] {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.stages[%d].id", prefix, i), Message: fmt.Sprintf("duplicate stage ID %q", s.ID)})
			}
			seen[s.ID] = true
		}
		for _, ve := range pipeline.ValidateDAG(tmpl.BuildDAG()) {
			field := prefix
			if ve.Stage != "" {
				field += ".stages." + ve.Stage
			}
			errs = append(errs, ValidationError{Field: field, Message: ve.Message})
		}
		if tmpl.PhaseTemplate != "" {
			if _, ok := cfg.PhaseTemplates[tmpl.PhaseTemplate]; !ok {
				errs = append(errs, ValidationError{Field: prefix + ".phase_template", Message: fmt.Sprintf("references undefined phase template %q", tmpl.PhaseTemplate)})
			}
		}
	}
	if _, ok := cfg.Templates[pipeline.NoopTemplate]; !ok {
		errs = append(errs, ValidationError{Field: "templates", Message: fmt.Sprintf("the %q template is required", pipeline.NoopTemplate)})
	}

	for name, pt := range cfg.PhaseTemplates {
		prefix := "phase_templates." + name
		ids := map[string]bool{}
		for _, s := range pt.Stages {
			ids[s.ID] = true
		}
		if pt.Entry != "" && !ids[pt.Entry] {
			errs = append(errs, ValidationError{Field: prefix + ".entry", Message: fmt.Sprintf("references undefined stage %q", pt.Entry)})
		}
		for i, s := range pt.Stages {
			for _, d := range s.Deps {
				if !ids[d] {
					errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.stages[%d].deps", prefix, i), Message: fmt.Sprintf("references undefined stage %q", d)})
				}
			}
		}
		if pt.Final != nil && ids[pt.Final.ID] {
			errs = append(errs, ValidationError{Field: prefix + ".final.id", Message: fmt.Sprintf("final stage %q collides with a per-phase stage", pt.Final.ID)})
		}
	}

	for i, r := range cfg.Classifier.Rules {
		if _, ok := cfg.Templates[r.Template]; r.Template != "" && !ok {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("classifier.rules[%d].template", i), Message: fmt.Sprintf("references undefined template %q", r.Template)})
		}
		if len(r.Keywords) == 0 && r.Pattern == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("classifier.rules[%d]", i), Message: "needs keywords or a pattern"})
		}
	}
	h := cfg.Classifier.Heuristics
	for field, name := range map[string]string{"trivial": h.Trivial, "small": h.Small, "large": h.Large, "default": h.Default} {
		if _, ok := cfg.Templates[name]; name != "" && !ok {
			errs = append(errs, ValidationError{Field: "classifier.heuristics." + field, Message: fmt.Sprintf("references undefined template %q", name)})
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// fieldPath turns "Config.Policy.MaxRetries" into "policy.max_retries".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	inKey := false
	var prev rune
	for _, r := range s {
		orig := r
		switch {
		case r == '[':
			inKey = true
		case r == ']':
			inKey = false
		case !inKey && r >= 'A' && r <= 'Z':
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
		prev = orig
	}
	return b.String()
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "duration":
		return fmt.Sprintf("invalid duration %q", fe.Value())
	case "severity":
		return fmt.Sprintf("must be LOW, MEDIUM, HIGH or CRITICAL, got %q", fe.Value())
	case "gtefield":
		return fmt.Sprintf("must be >= %s", snake(fe.Param()))
	case "gte", "min":
		return fmt.Sprintf("must be >= %s", fe.Param())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
