package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/pii"
	"github.com/sells-group/retention-cli/internal/rules"
	"github.com/sells-group/retention-cli/internal/store"
)

// maxExplanationLen bounds the persisted explanation text.
const maxExplanationLen = 1000

// truncate caps s at max bytes, backing up so a multi-byte rune is never
// split at the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Engine evaluates notes against a pinned ruleset version.
type Engine struct {
	store        store.Store
	matcher      Matcher
	agentVersion string
}

func New(st store.Store, matcher Matcher, agentVersion string) *Engine {
	if matcher == nil {
		matcher = DeterministicMatcher{}
	}
	return &Engine{store: st, matcher: matcher, agentVersion: agentVersion}
}

// Evaluation is the outcome of evaluating one note. Card is nil when no
// rule hit or the score fell below the ruleset's minimum.
type Evaluation struct {
	Score      float64
	Hits       []model.RuleHit
	Card       *model.LeadCard
	RuleErrors int
}

// Evaluate applies every rule of the ruleset to one note. Rules run in id
// order; a rule whose predicate errors is logged and contributes nothing.
// Hits below the ruleset's confidence floor are discarded.
func (e *Engine) Evaluate(ctx context.Context, rs *rules.Ruleset, note model.Note, features *model.CustomerFeatures) (*Evaluation, error) {
	f := model.CustomerFeatures{CustomerID: note.CustomerID}
	if features != nil {
		f = *features
	}

	ev := &Evaluation{}
	var parts []string

	for i := range rs.Rules {
		rule := rs.Rules[i]

		res, err := e.matcher.Match(ctx, rule, note, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			zap.L().Warn("engine: rule evaluation failed",
				zap.String("rule", rule.ID),
				zap.String("note", note.ID),
				zap.Error(err),
			)
			ev.RuleErrors++
			continue
		}
		if !res.Hit {
			continue
		}
		if res.Confidence < rs.ConfidenceFloor {
			zap.L().Debug("engine: hit below confidence floor",
				zap.String("rule", rule.ID),
				zap.Float64("confidence", res.Confidence),
				zap.Float64("floor", rs.ConfidenceFloor),
			)
			continue
		}

		hit := model.RuleHit{
			RuleID:     rule.ID,
			Confidence: res.Confidence,
			Evidence:   res.Evidence,
			Weight:     rule.Weight,
		}
		ev.Hits = append(ev.Hits, hit)
		ev.Score += rule.Weight * res.Confidence

		part := rule.ID
		if rule.Explain != "" {
			part = rules.FillTemplate(rule.Explain, f, note, hit)
		}
		parts = append(parts, part)
	}

	if len(ev.Hits) == 0 || ev.Score < rs.MinScore {
		return ev, nil
	}

	explanation := truncate(pii.Scrub(strings.Join(parts, " | ")), maxExplanationLen)

	ev.Card = &model.LeadCard{
		ID:             uuid.New().String(),
		CustomerID:     note.CustomerID,
		NoteID:         note.ID,
		Score:          ev.Score,
		RuleHits:       ev.Hits,
		Features:       f,
		Explanation:    explanation,
		AgentVersion:   e.agentVersion,
		RulesetVersion: rs.Version,
		CreatedAt:      time.Now().UTC(),
	}
	return ev, nil
}

// EvaluateNote loads a stored note and its features as of the note's
// timestamp, evaluates it, and persists the card if one is produced.
// Returns the evaluation and whether a new card was inserted.
func (e *Engine) EvaluateNote(ctx context.Context, rs *rules.Ruleset, noteID string) (*Evaluation, bool, error) {
	note, err := e.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, false, err
	}
	features, err := e.store.FeaturesAsOf(ctx, note.CustomerID, note.CreatedTS)
	if err != nil {
		return nil, false, err
	}

	ev, err := e.Evaluate(ctx, rs, *note, features)
	if err != nil {
		return nil, false, err
	}
	if ev.Card == nil {
		return ev, false, nil
	}

	inserted, err := e.store.InsertLeadCard(ctx, ev.Card)
	if err != nil {
		return nil, false, err
	}
	return ev, inserted, nil
}
