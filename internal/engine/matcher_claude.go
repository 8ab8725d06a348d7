package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resilience"
	"github.com/sells-group/retention-cli/internal/rules"
	"github.com/sells-group/retention-cli/pkg/anthropic"
)

const matcherSystemPrompt = `You judge whether an advisor note matches a retention signal rule.
Respond with a single JSON object and nothing else:
{"hit": true|false, "confidence": 0.0-1.0, "evidence": "exact substring of the note that triggered the match, or empty"}
The evidence MUST be copied verbatim from the note. If the note does not match, return {"hit": false, "confidence": 0, "evidence": ""}.`

// ClaudeMatcher answers text rules with a model call and falls back to the
// deterministic matcher when the call fails or its output breaks the
// guardrails. Non-text rules always go to the deterministic matcher.
type ClaudeMatcher struct {
	client   anthropic.Client
	model    string
	retryCfg resilience.RetryConfig
	fallback DeterministicMatcher
}

func NewClaudeMatcher(client anthropic.Client, modelID string) *ClaudeMatcher {
	return &ClaudeMatcher{
		client:   client,
		model:    modelID,
		retryCfg: resilience.DefaultRetryConfig(),
	}
}

type matcherVerdict struct {
	Hit        bool    `json:"hit"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

func (m *ClaudeMatcher) Match(ctx context.Context, rule rules.Rule, note model.Note, features model.CustomerFeatures) (MatchResult, error) {
	if !rule.Predicate.IsText() {
		return m.fallback.Match(ctx, rule, note, features)
	}

	log := zap.L().With(zap.String("phase", "matcher"), zap.String("rule", rule.ID), zap.String("note", note.ID))

	prompt := fmt.Sprintf("Rule %s matches notes containing this pattern (kind %s): %q\n\nNote:\n%s",
		rule.ID, rule.Predicate.Kind, rule.Predicate.Pattern, note.Text)

	resp, err := resilience.DoVal(ctx, m.retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return m.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     m.model,
			MaxTokens: 256,
			System:    []anthropic.SystemBlock{{Text: matcherSystemPrompt}},
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		log.Warn("matcher: model call failed, using deterministic fallback", zap.Error(err))
		return m.fallback.Match(ctx, rule, note, features)
	}
	resp.Usage.LogCost(m.model, "matcher")

	verdict, ok := m.parseVerdict(resp, log)
	if !ok {
		return m.fallback.Match(ctx, rule, note, features)
	}
	if !verdict.Hit {
		return MatchResult{}, nil
	}

	// Guardrail: a hit without verbatim evidence in the note is not
	// auditable and is rejected.
	if verdict.Evidence == "" || !strings.Contains(note.Text, verdict.Evidence) {
		log.Warn("matcher: evidence not found in note, using deterministic fallback",
			zap.String("evidence", verdict.Evidence))
		return m.fallback.Match(ctx, rule, note, features)
	}

	conf := verdict.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return MatchResult{Hit: true, Confidence: conf, Evidence: verdict.Evidence}, nil
}

func (m *ClaudeMatcher) parseVerdict(resp *anthropic.MessageResponse, log *zap.Logger) (matcherVerdict, bool) {
	var text string
	for _, b := range resp.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}

	var v matcherVerdict
	if err := json.Unmarshal([]byte(cleanJSON(text)), &v); err != nil {
		log.Warn("matcher: failed to parse verdict JSON", zap.Error(err))
		return matcherVerdict{}, false
	}
	return v, true
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
