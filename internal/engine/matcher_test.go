package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/rules"
)

func TestDeterministicMatcher_Substring(t *testing.T) {
	m := DeterministicMatcher{}
	rule := rules.Rule{
		ID:        "payoff_mention",
		Weight:    1.0,
		Predicate: rules.Predicate{Kind: rules.KindSubstring, Pattern: "Payoff"},
	}
	note := model.Note{ID: "n1", CustomerID: "c1", Text: "customer asked for a payoff quote"}

	res, err := m.Match(context.Background(), rule, note, model.CustomerFeatures{})
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "payoff", res.Evidence, "evidence is the matched span from the note, not the pattern")
}

func TestDeterministicMatcher_Regex_Evidence(t *testing.T) {
	m := DeterministicMatcher{}
	rule := rules.Rule{
		ID:        "rate_shopping",
		Weight:    1.0,
		Predicate: rules.Predicate{Kind: rules.KindRegex, Pattern: `rate\s+shop\w*`},
	}
	note := model.Note{ID: "n1", Text: "they are rate shopping again"}

	res, err := m.Match(context.Background(), rule, note, model.CustomerFeatures{})
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "rate shopping", res.Evidence)
}

func TestDeterministicMatcher_Miss(t *testing.T) {
	m := DeterministicMatcher{}
	rule := rules.Rule{
		ID:        "payoff_mention",
		Predicate: rules.Predicate{Kind: rules.KindSubstring, Pattern: "payoff"},
	}
	note := model.Note{ID: "n1", Text: "routine checkin"}

	res, err := m.Match(context.Background(), rule, note, model.CustomerFeatures{})
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Empty(t, res.Evidence)
}

func TestDeterministicMatcher_Numeric_NoEvidence(t *testing.T) {
	m := DeterministicMatcher{}
	tm := 60
	rule := rules.Rule{
		ID:        "term_long",
		Predicate: rules.Predicate{Kind: rules.KindNumeric, Field: "term_months", Op: rules.OpGTE, Value: 48},
	}
	note := model.Note{ID: "n1", Text: "anything"}

	res, err := m.Match(context.Background(), rule, note, model.CustomerFeatures{TermMonths: &tm})
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Empty(t, res.Evidence)
}
