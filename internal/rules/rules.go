// Package rules defines the versioned scoring rule representation: a YAML
// document of tagged-variant predicates with weights and explanation
// templates. Rulesets are parsed and validated once on submission so the
// engine never interprets opaque blobs at evaluation time.
package rules

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Predicate kinds.
const (
	KindSubstring = "substring_match"
	KindRegex     = "regex_match"
	KindNumeric   = "numeric_threshold"
	KindComposite = "composite"
)

// Numeric comparison operators.
const (
	OpGT  = "gt"
	OpGTE = "gte"
	OpLT  = "lt"
	OpLTE = "lte"
	OpEQ  = "eq"
)

// Feature fields addressable by numeric_threshold predicates.
var numericFields = map[string]bool{
	"rate":             true,
	"prev_rate":        true,
	"rate_diff":        true,
	"term_months":      true,
	"account_age_days": true,
}

// Composite modes.
const (
	ModeAll = "all"
	ModeAny = "any"
)

// Predicate is a tagged-variant condition over (note text, customer
// features). Exactly the fields for its Kind are set.
type Predicate struct {
	Kind string `yaml:"kind" json:"kind"`

	// substring_match / regex_match
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// numeric_threshold
	Field string  `yaml:"field,omitempty" json:"field,omitempty"`
	Op    string  `yaml:"op,omitempty" json:"op,omitempty"`
	Value float64 `yaml:"value,omitempty" json:"value,omitempty"`

	// composite
	Mode  string      `yaml:"mode,omitempty" json:"mode,omitempty"`
	Rules []Predicate `yaml:"rules,omitempty" json:"rules,omitempty"`

	re *regexp.Regexp
}

// Rule is one scoring rule: a predicate, its score contribution, and a
// human-readable explanation template filled from the structured snapshot
// and the note at evaluation time.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Weight    float64   `yaml:"weight" json:"weight"`
	Explain   string    `yaml:"explain" json:"explain"`
	Predicate Predicate `yaml:"predicate" json:"predicate"`
}

// Ruleset is a parsed, validated ruleset version. MinScore and
// ConfidenceFloor are pinned constants of the version, not engine behavior.
type Ruleset struct {
	Version         string  `yaml:"version" json:"version"`
	MinScore        float64 `yaml:"min_score" json:"min_score"`
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor"`
	Rules           []Rule  `yaml:"rules" json:"rules"`
}

// Parse decodes and validates a ruleset YAML document. Rules are sorted by
// id so evaluation order, and therefore explanation text, is deterministic.
func Parse(doc []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(doc, &rs); err != nil {
		return nil, eris.Wrap(err, "rules: parse yaml")
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	sort.Slice(rs.Rules, func(i, j int) bool { return rs.Rules[i].ID < rs.Rules[j].ID })
	return &rs, nil
}

func (rs *Ruleset) validate() error {
	if rs.Version == "" {
		return eris.New("rules: missing version")
	}
	if len(rs.Rules) == 0 {
		return eris.Errorf("rules: ruleset %s has no rules", rs.Version)
	}
	if rs.ConfidenceFloor < 0 || rs.ConfidenceFloor > 1 {
		return eris.Errorf("rules: confidence_floor %g out of range", rs.ConfidenceFloor)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return eris.Errorf("rules: rule %d has no id", i)
		}
		if seen[r.ID] {
			return eris.Errorf("rules: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Weight == 0 {
			return eris.Errorf("rules: rule %q has zero weight", r.ID)
		}
		if err := r.Predicate.compile(); err != nil {
			return eris.Wrapf(err, "rules: rule %q", r.ID)
		}
	}
	return nil
}

// compile checks structural validity and pre-compiles regex patterns.
func (p *Predicate) compile() error {
	switch p.Kind {
	case KindSubstring:
		if strings.TrimSpace(p.Pattern) == "" {
			return eris.New("substring_match: empty pattern")
		}
	case KindRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return eris.Wrap(err, "regex_match: compile pattern")
		}
		p.re = re
	case KindNumeric:
		if !numericFields[p.Field] {
			return eris.Errorf("numeric_threshold: unknown field %q", p.Field)
		}
		switch p.Op {
		case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		default:
			return eris.Errorf("numeric_threshold: unknown op %q", p.Op)
		}
	case KindComposite:
		if p.Mode != ModeAll && p.Mode != ModeAny {
			return eris.Errorf("composite: unknown mode %q", p.Mode)
		}
		if len(p.Rules) == 0 {
			return eris.New("composite: no child predicates")
		}
		for i := range p.Rules {
			if err := p.Rules[i].compile(); err != nil {
				return err
			}
		}
	default:
		return eris.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

// IsText reports whether the predicate matches on note text only. Text
// rules are the ones the optional semantic matcher may handle.
func (p *Predicate) IsText() bool {
	return p.Kind == KindSubstring || p.Kind == KindRegex
}
