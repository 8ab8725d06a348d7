package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

// newDiscoveryFixture seeds 40 customers with one note each. Customers
// c00-c19 mention rate shopping, of whom c00-c15 close within the horizon.
// Four control customers (c20-c23) also close, two more (c30, c31) have
// closures outside the horizon window.
func newDiscoveryFixture(t *testing.T) (store.Store, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		custID := fmt.Sprintf("c%02d", i)
		noteTS := base.Add(time.Duration(i) * time.Minute)

		text := "customer routine checkin today"
		if i < 20 {
			text = "customer rate shopping today"
		}
		if i == 0 {
			text = "customer rate shopping today reach jane.doe@example.com"
		}
		require.NoError(t, st.AppendNote(ctx, model.Note{
			ID:         fmt.Sprintf("n%02d", i),
			CustomerID: custID,
			CreatedTS:  noteTS,
			Text:       text,
		}))

		switch {
		case i < 16:
			require.NoError(t, st.AppendClosure(ctx, model.Closure{
				CustomerID: custID, ClosureTS: noteTS.Add(10 * 24 * time.Hour),
			}))
		case i >= 20 && i < 24:
			require.NoError(t, st.AppendClosure(ctx, model.Closure{
				CustomerID: custID, ClosureTS: noteTS.Add(5 * 24 * time.Hour),
			}))
		case i == 30:
			// Outside the horizon: does not label the customer closed.
			require.NoError(t, st.AppendClosure(ctx, model.Closure{
				CustomerID: custID, ClosureTS: noteTS.Add(60 * 24 * time.Hour),
			}))
		case i == 31:
			// Before the note: never counts.
			require.NoError(t, st.AppendClosure(ctx, model.Closure{
				CustomerID: custID, ClosureTS: noteTS.Add(-5 * 24 * time.Hour),
			}))
		}
	}

	snap, err := st.MaterializeNoteSnapshot(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 40, snap.NoteCount)
	return st, snap.ID
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxNgram = 2
	cfg.MinSupport = 8
	return cfg
}

func TestPipeline_Run(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)
	ctx := context.Background()

	res, err := NewPipeline(st, testConfig()).Run(ctx, snapID)
	require.NoError(t, err)

	assert.Equal(t, 40, res.Customers)
	assert.Equal(t, 20, res.Closed)
	// Twelve n-grams clear min_support; "customer" and "today" appear in
	// every note and carry no signal.
	assert.Equal(t, 12, res.PhrasesTested)
	require.Len(t, res.Cards, 10)

	phrases := make(map[string]model.DiscoveryCard, len(res.Cards))
	for _, c := range res.Cards {
		phrases[c.Phrase] = c
		assert.Equal(t, model.DiscoveryStatusCandidate, c.Status)
		assert.Equal(t, res.RunID, c.RunID)
		assert.LessOrEqual(t, c.FDR, 0.1)
	}
	assert.NotContains(t, phrases, "customer")
	assert.NotContains(t, phrases, "today")

	card, ok := phrases["rate shopping"]
	require.True(t, ok)
	assert.Equal(t, 20, card.Support)
	assert.InDelta(t, 1.6, card.Lift, 1e-9) // 16/20 over 20/40
	assert.Less(t, card.PValue, 0.01)

	// Cards come back sorted by (fdr, phrase).
	for i := 1; i < len(res.Cards); i++ {
		prev, cur := res.Cards[i-1], res.Cards[i]
		assert.True(t, prev.FDR < cur.FDR || (prev.FDR == cur.FDR && prev.Phrase < cur.Phrase))
	}

	// Cards were persisted, run completed.
	stored, err := st.ListDiscoveryCards(ctx, store.DiscoveryCardFilter{RunID: res.RunID})
	require.NoError(t, err)
	assert.Len(t, stored, 10)
}

func TestExcerpt_PunctuationSeparatedPhrase(t *testing.T) {
	p := &Pipeline{cfg: DefaultConfig()}

	// The tokenizer saw "rate shopping"; the raw note spells it with a
	// hyphen. The excerpt still centers on the occurrence.
	got := p.excerpt("long preamble before they were Rate-shopping, again", "rate shopping")
	assert.Contains(t, got, "Rate-shopping")
}

func TestExcerpt_RuneBoundaryWindow(t *testing.T) {
	p := &Pipeline{cfg: Config{ExcerptLen: 10}}

	text := "aa " + strings.Repeat("é", 10)
	got := p.excerpt(text, "aa")
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "aa "+strings.Repeat("é", 3), got)
}

func TestPipeline_ExamplesScrubbed(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)

	res, err := NewPipeline(st, testConfig()).Run(context.Background(), snapID)
	require.NoError(t, err)

	var card *model.DiscoveryCard
	for i := range res.Cards {
		if res.Cards[i].Phrase == "rate shopping" {
			card = &res.Cards[i]
		}
	}
	require.NotNil(t, card)
	require.NotEmpty(t, card.Examples)
	assert.LessOrEqual(t, len(card.Examples), 3)

	// c00's note carried an email address; the stored example must not.
	assert.Contains(t, card.Examples[0], "[email]")
	for _, ex := range card.Examples {
		assert.NotContains(t, ex, "jane.doe@example.com")
	}
}

func TestPipeline_MinSupportFiltersBeforeTesting(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)

	cfg := testConfig()
	cfg.MinSupport = 25

	res, err := NewPipeline(st, cfg).Run(context.Background(), snapID)
	require.NoError(t, err)
	// Only the universal unigrams have support 25+, and neither is
	// associated with closure.
	assert.Equal(t, 2, res.PhrasesTested)
	assert.Empty(t, res.Cards)
}

func TestPipeline_MaxCardsCap(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)

	cfg := testConfig()
	cfg.MaxCards = 3

	res, err := NewPipeline(st, cfg).Run(context.Background(), snapID)
	require.NoError(t, err)
	assert.Len(t, res.Cards, 3)
}

func TestPipeline_ClosurePolicyAny(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)
	ctx := context.Background()

	// c30's first closure is outside the horizon; a later one lands inside.
	// "first" ignores it, "any" counts it.
	require.NoError(t, st.AppendClosure(ctx, model.Closure{
		CustomerID: "c30",
		ClosureTS:  time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC).Add(90 * 24 * time.Hour),
	}))

	res, err := NewPipeline(st, testConfig()).Run(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Closed)

	cfg := testConfig()
	cfg.ClosurePolicy = PolicyAny
	res, err = NewPipeline(st, cfg).Run(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Closed, "both of c30's closures sit outside the horizon")
}

func TestPipeline_InvalidConfig(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)

	cfg := testConfig()
	cfg.ClosurePolicy = "latest"

	_, err := NewPipeline(st, cfg).Run(context.Background(), snapID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closure_policy")
}

func TestPipeline_UnknownSnapshot(t *testing.T) {
	st, _ := newDiscoveryFixture(t)

	_, err := NewPipeline(st, testConfig()).Run(context.Background(), "missing")
	require.Error(t, err)
}

func TestPipeline_CancelledRunPersistsNothing(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPipeline(st, testConfig()).Run(ctx, snapID)
	require.Error(t, err)

	cards, err := st.ListDiscoveryCards(context.Background(), store.DiscoveryCardFilter{})
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestReview(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)
	ctx := context.Background()

	res, err := NewPipeline(st, testConfig()).Run(ctx, snapID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Cards)

	approved, err := Review(ctx, st, res.Cards[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryStatusApproved, approved.Status)
	assert.NotEmpty(t, approved.Severity)

	// Terminal states cannot be re-reviewed.
	_, err = Review(ctx, st, res.Cards[0].ID, false)
	require.Error(t, err)

	rejected, err := Review(ctx, st, res.Cards[1].ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryStatusRejected, rejected.Status)
	assert.Empty(t, rejected.Severity)
}

func TestExportWorkbook(t *testing.T) {
	st, snapID := newDiscoveryFixture(t)
	ctx := context.Background()

	res, err := NewPipeline(st, testConfig()).Run(ctx, snapID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Cards)

	path := filepath.Join(t.TempDir(), "cards.xlsx")
	n, err := ExportWorkbook(ctx, st, store.DiscoveryCardFilter{RunID: res.RunID}, path)
	require.NoError(t, err)
	assert.Equal(t, len(res.Cards), n)
	assert.FileExists(t, path)
}
