package discovery

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/pii"
	"github.com/sells-group/retention-cli/internal/store"
)

// Closure selection policies for customers with more than one closure.
const (
	PolicyFirst = "first"
	PolicyLast  = "last"
	PolicyAny   = "any"
)

// Config pins every knob of a discovery run. The whole struct is recorded
// on the run, so a run's output can be reproduced from its row.
type Config struct {
	MaxNgram      int     `json:"max_ngram"`
	HorizonDays   int     `json:"horizon_days"`
	MinSupport    int     `json:"min_support"`
	FDRThreshold  float64 `json:"fdr_threshold"`
	MaxCards      int     `json:"max_cards"`
	MaxExamples   int     `json:"max_examples"`
	ExcerptLen    int     `json:"excerpt_len"`
	ClosurePolicy string  `json:"closure_policy"`
	Workers       int     `json:"workers"`
}

func DefaultConfig() Config {
	return Config{
		MaxNgram:      3,
		HorizonDays:   30,
		MinSupport:    30,
		FDRThreshold:  0.1,
		MaxCards:      200,
		MaxExamples:   3,
		ExcerptLen:    240,
		ClosurePolicy: PolicyFirst,
		Workers:       4,
	}
}

func (c Config) validate() error {
	if c.MaxNgram < 1 {
		return eris.Errorf("discovery: max_ngram %d must be at least 1", c.MaxNgram)
	}
	if c.MinSupport < 1 {
		return eris.Errorf("discovery: min_support %d must be at least 1", c.MinSupport)
	}
	if c.FDRThreshold <= 0 || c.FDRThreshold > 1 {
		return eris.Errorf("discovery: fdr_threshold %g out of range", c.FDRThreshold)
	}
	switch c.ClosurePolicy {
	case PolicyFirst, PolicyLast, PolicyAny:
	default:
		return eris.Errorf("discovery: unknown closure_policy %q", c.ClosurePolicy)
	}
	return nil
}

// Pipeline runs phrase discovery over a materialized note snapshot.
type Pipeline struct {
	store store.Store
	cfg   Config
}

func NewPipeline(st store.Store, cfg Config) *Pipeline {
	return &Pipeline{store: st, cfg: cfg}
}

// Result summarizes one discovery run.
type Result struct {
	RunID         string
	Customers     int
	Closed        int
	PhrasesTested int
	Cards         []model.DiscoveryCard
}

// Run mines the snapshot and persists surviving cards in one transaction.
// A cancelled or failed run records its failure and persists no cards.
func (p *Pipeline) Run(ctx context.Context, snapshotID string) (*Result, error) {
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}

	if _, err := p.store.GetNoteSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	notes, err := p.store.ListSnapshotNotes(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	closures, err := p.store.ListClosures(ctx)
	if err != nil {
		return nil, err
	}

	cfgJSON, err := json.Marshal(p.cfg)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: marshal config")
	}
	runID, err := p.store.CreateDiscoveryRun(ctx, snapshotID, cfgJSON)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("phase", "discovery"),
		zap.String("run_id", runID),
		zap.String("snapshot_id", snapshotID),
	)
	log.Info("discovery: starting", zap.Int("notes", len(notes)), zap.Int("closures", len(closures)))

	res, err := p.mine(ctx, runID, notes, closures, log)
	if err != nil {
		if failErr := p.store.FailDiscoveryRun(ctx, runID, err.Error()); failErr != nil {
			log.Warn("discovery: failed to record run failure", zap.Error(failErr))
		}
		return nil, eris.Wrap(err, "discovery: run")
	}

	if err := p.store.InsertDiscoveryCards(ctx, res.Cards); err != nil {
		if failErr := p.store.FailDiscoveryRun(ctx, runID, err.Error()); failErr != nil {
			log.Warn("discovery: failed to record run failure", zap.Error(failErr))
		}
		return nil, err
	}
	if err := p.store.CompleteDiscoveryRun(ctx, runID, res.PhrasesTested, len(res.Cards)); err != nil {
		return nil, err
	}

	log.Info("discovery: completed",
		zap.Int("customers", res.Customers),
		zap.Int("closed", res.Closed),
		zap.Int("phrases_tested", res.PhrasesTested),
		zap.Int("cards_emitted", len(res.Cards)),
	)
	return res, nil
}

// phraseIndex accumulates per-phrase customer sets and example notes.
type phraseIndex struct {
	customers map[string]struct{}
	examples  []string
}

func (p *Pipeline) mine(ctx context.Context, runID string, notes []model.Note, closures []model.Closure, log *zap.Logger) (*Result, error) {
	horizon := time.Duration(p.cfg.HorizonDays) * 24 * time.Hour

	notesByCustomer := make(map[string][]model.Note)
	for _, n := range notes {
		notesByCustomer[n.CustomerID] = append(notesByCustomer[n.CustomerID], n)
	}
	closuresByCustomer := make(map[string][]time.Time)
	for _, c := range closures {
		closuresByCustomer[c.CustomerID] = append(closuresByCustomer[c.CustomerID], c.ClosureTS.UTC())
	}

	// Label each customer: closed iff a policy-selected closure falls
	// within the horizon after one of their notes.
	closed := make(map[string]bool, len(notesByCustomer))
	for customerID, custNotes := range notesByCustomer {
		closed[customerID] = p.isClosed(custNotes, closuresByCustomer[customerID], horizon)
	}

	n := len(notesByCustomer)
	closedCount := 0
	for _, c := range closed {
		if c {
			closedCount++
		}
	}

	index := make(map[string]*phraseIndex)
	for _, note := range notes {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, phrase := range Phrases(note.Text, p.cfg.MaxNgram) {
			pi := index[phrase]
			if pi == nil {
				pi = &phraseIndex{customers: make(map[string]struct{})}
				index[phrase] = pi
			}
			if _, seen := pi.customers[note.CustomerID]; !seen {
				pi.customers[note.CustomerID] = struct{}{}
			}
			if len(pi.examples) < p.cfg.MaxExamples {
				pi.examples = append(pi.examples, p.excerpt(note.Text, phrase))
			}
		}
	}

	// Support filter runs before testing, so the correction only pays for
	// phrases that could plausibly survive.
	candidates := make([]string, 0, len(index))
	for phrase, pi := range index {
		if len(pi.customers) >= p.cfg.MinSupport {
			candidates = append(candidates, phrase)
		}
	}
	sort.Strings(candidates)
	log.Debug("discovery: candidates selected",
		zap.Int("distinct_phrases", len(index)),
		zap.Int("candidates", len(candidates)),
	)

	stats := make([]phraseStat, len(candidates))
	g, gCtx := errgroup.WithContext(ctx)
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)
	for i, phrase := range candidates {
		i, phrase := i, phrase
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			pi := index[phrase]
			a := 0
			for customerID := range pi.customers {
				if closed[customerID] {
					a++
				}
			}
			ct := NewContingency(a, len(pi.customers), closedCount, n)
			stats[i] = phraseStat{
				Phrase:    phrase,
				Support:   len(pi.customers),
				Closed:    a,
				OddsRatio: ct.OddsRatio(),
				Lift:      ct.Lift(),
				PValue:    ct.PValue(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Correction is a batch operation over every tested phrase; it cannot
	// run until all tests finish.
	BenjaminiHochberg(stats)

	var survivors []phraseStat
	for _, s := range stats {
		if s.FDR <= p.cfg.FDRThreshold {
			survivors = append(survivors, s)
		}
	}
	sort.Slice(survivors, func(x, y int) bool {
		if survivors[x].FDR != survivors[y].FDR {
			return survivors[x].FDR < survivors[y].FDR
		}
		return survivors[x].Phrase < survivors[y].Phrase
	})
	if p.cfg.MaxCards > 0 && len(survivors) > p.cfg.MaxCards {
		survivors = survivors[:p.cfg.MaxCards]
	}

	now := time.Now().UTC()
	cards := make([]model.DiscoveryCard, 0, len(survivors))
	for _, s := range survivors {
		cards = append(cards, model.DiscoveryCard{
			ID:        uuid.New().String(),
			RunID:     runID,
			Phrase:    s.Phrase,
			Support:   s.Support,
			Lift:      s.Lift,
			OddsRatio: s.OddsRatio,
			PValue:    s.PValue,
			FDR:       s.FDR,
			Examples:  index[s.Phrase].examples,
			Status:    model.DiscoveryStatusCandidate,
			CreatedAt: now,
		})
	}

	return &Result{
		RunID:         runID,
		Customers:     n,
		Closed:        closedCount,
		PhrasesTested: len(candidates),
		Cards:         cards,
	}, nil
}

// isClosed applies the closure policy: with "first" or "last" only that one
// closure can label the customer, with "any" every closure is considered.
func (p *Pipeline) isClosed(notes []model.Note, closures []time.Time, horizon time.Duration) bool {
	if len(closures) == 0 {
		return false
	}
	sort.Slice(closures, func(i, j int) bool { return closures[i].Before(closures[j]) })

	var selected []time.Time
	switch p.cfg.ClosurePolicy {
	case PolicyFirst:
		selected = closures[:1]
	case PolicyLast:
		selected = closures[len(closures)-1:]
	default:
		selected = closures
	}

	for _, note := range notes {
		ts := note.CreatedTS.UTC()
		for _, closureTS := range selected {
			if !closureTS.Before(ts) && closureTS.Sub(ts) <= horizon {
				return true
			}
		}
	}
	return false
}

// phrasePattern matches a tokenized phrase in raw note text. Tokens may be
// separated by any punctuation run, mirroring how the tokenizer split them.
func phrasePattern(phrase string) *regexp.Regexp {
	tokens := strings.Fields(phrase)
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = regexp.QuoteMeta(tok)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(parts, `[^a-z0-9]+`) + `\b`)
}

// excerpt returns a scrubbed window of the note around the phrase's first
// occurrence. PII is removed before anything leaves the store. Window edges
// land on rune boundaries so a multi-byte character is never split.
func (p *Pipeline) excerpt(text, phrase string) string {
	limit := p.cfg.ExcerptLen
	if limit <= 0 {
		limit = 240
	}

	start := 0
	if loc := phrasePattern(phrase).FindStringIndex(text); loc != nil {
		// Center the window on the match where the note allows.
		start = loc[0] - limit/3
		if start < 0 {
			start = 0
		}
	}
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := start + limit
	if end >= len(text) {
		end = len(text)
	} else {
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
	}
	return pii.Scrub(strings.TrimSpace(text[start:end]))
}
