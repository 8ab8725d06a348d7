// Package engine evaluates rulesets against note streams, producing lead
// cards. Evaluation is deterministic for a pinned ruleset version: the same
// snapshot and version always yield the same cards.
package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/rules"
)

// MatchResult is one rule's verdict on a note.
type MatchResult struct {
	Hit        bool
	Confidence float64
	Evidence   string
}

// Matcher decides whether a text rule matches a note. The deterministic
// matcher is the baseline; a semantic matcher may sit in front of it.
type Matcher interface {
	Match(ctx context.Context, rule rules.Rule, note model.Note, features model.CustomerFeatures) (MatchResult, error)
}

// DeterministicMatcher evaluates predicates mechanically. Confidence is
// always 1.0 and evidence is the literal matched fragment of the note.
type DeterministicMatcher struct{}

func (DeterministicMatcher) Match(_ context.Context, rule rules.Rule, note model.Note, features model.CustomerFeatures) (MatchResult, error) {
	hit, err := rule.Predicate.Eval(note.Text, features)
	if err != nil || !hit {
		return MatchResult{}, err
	}
	return MatchResult{
		Hit:        true,
		Confidence: 1.0,
		Evidence:   extractEvidence(rule.Predicate, note.Text),
	}, nil
}

// extractEvidence pulls the note fragment a text predicate matched on.
// Non-text predicates have no textual evidence.
func extractEvidence(p rules.Predicate, text string) string {
	switch p.Kind {
	case rules.KindSubstring:
		idx := strings.Index(strings.ToLower(text), strings.ToLower(p.Pattern))
		if idx < 0 {
			return ""
		}
		return text[idx : idx+len(p.Pattern)]
	case rules.KindRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return ""
		}
		return re.FindString(text)
	case rules.KindComposite:
		for i := range p.Rules {
			if ev := extractEvidence(p.Rules[i], text); ev != "" {
				return ev
			}
		}
	}
	return ""
}
