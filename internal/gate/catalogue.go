package gate

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/stagegate/internal/gate/policy"
)

// OpKind is the class of an attempted operation.
type OpKind string

const (
	OpAlwaysBlocked OpKind = "always_blocked"
	OpCommand       OpKind = "command"
	OpReadOnly      OpKind = "read_only"
	OpWrite         OpKind = "write"
	OpDelegation    OpKind = "delegation"
	OpOther         OpKind = "other"
)

// Signature classes in the catalogue.
const (
	ClassDestructive = "destructive"
	ClassWriteBypass = "write_bypass"
)

type catalogueFile struct {
	Operations map[OpKind][]string `yaml:"operations"`
	Signatures []signatureClass    `yaml:"signatures"`
}

type signatureClass struct {
	Class       string      `yaml:"class"`
	Description string      `yaml:"description"`
	Patterns    []signature `yaml:"patterns"`
}

type signature struct {
	ID           string   `yaml:"id"`
	Description  string   `yaml:"description"`
	Regex        string   `yaml:"regex"`
	AllowTargets []string `yaml:"allow_targets"`

	re    *regexp.Regexp
	allow []*regexp.Regexp
}

// Match is a signature hit inside a command.
type Match struct {
	Class       string
	ID          string
	Description string
	Text        string
}

type catalogue struct {
	ops     map[string]OpKind
	classes map[string][]signature
}

func loadCatalogue(data []byte) (*catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal gate catalogue: %w", err)
	}
	c := &catalogue{ops: map[string]OpKind{}, classes: map[string][]signature{}}
	for kind, names := range f.Operations {
		switch kind {
		case OpAlwaysBlocked, OpCommand, OpReadOnly, OpWrite, OpDelegation:
		default:
			return nil, fmt.Errorf("unknown operation kind %q", kind)
		}
		for _, n := range names {
			c.ops[n] = kind
		}
	}
	for _, cls := range f.Signatures {
		for _, sig := range cls.Patterns {
			re, err := regexp.Compile(sig.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile signature %s: %w", sig.ID, err)
			}
			sig.re = re
			for _, a := range sig.AllowTargets {
				are, err := regexp.Compile(a)
				if err != nil {
					return nil, fmt.Errorf("compile allow target for %s: %w", sig.ID, err)
				}
				sig.allow = append(sig.allow, are)
			}
			c.classes[cls.Class] = append(c.classes[cls.Class], sig)
		}
	}
	return c, nil
}

func defaultCatalogue() (*catalogue, error) {
	return loadCatalogue(policy.Patterns)
}

// scan returns the first signature of class that matches command.
func (c *catalogue) scan(class, command string) (Match, bool) {
	for _, sig := range c.classes[class] {
		for _, m := range sig.re.FindAllStringSubmatch(command, -1) {
			if len(m) > 1 && sig.allowed(m[1]) {
				continue
			}
			return Match{Class: class, ID: sig.ID, Description: sig.Description, Text: m[0]}, true
		}
	}
	return Match{}, false
}

func (s signature) allowed(target string) bool {
	for _, re := range s.allow {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}
