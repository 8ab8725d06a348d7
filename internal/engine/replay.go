package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resilience"
	"github.com/sells-group/retention-cli/internal/rules"
)

// cardInsertRetry retries lead card inserts that lose a lock race under
// concurrent workers (SQLite busy, Postgres serialization failures).
// Non-transient errors still fail the worker on the first attempt.
var cardInsertRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	OnRetry:        resilience.RetryLogger("store", "insert_lead_card"),
}

// ReplayOptions tune replay throughput. NotesPerSec of 0 disables the
// throttle, which is the accelerated mode for backtesting.
type ReplayOptions struct {
	Workers     int
	NotesPerSec float64
}

// Replay evaluates every note of a materialized snapshot against the given
// ruleset and persists the resulting cards. Cards already present for
// (note, ruleset version) are counted as deduped, so re-running a replay is
// idempotent. Notes are dispatched in stream order; workers make the card
// set, not the processing order, the deterministic artifact.
func (e *Engine) Replay(ctx context.Context, rs *rules.Ruleset, snapshotID string, opts ReplayOptions) (string, *model.ReplaySummary, error) {
	snap, err := e.store.GetNoteSnapshot(ctx, snapshotID)
	if err != nil {
		return "", nil, err
	}
	notes, err := e.store.ListSnapshotNotes(ctx, snapshotID)
	if err != nil {
		return "", nil, err
	}

	runID, err := e.store.CreateReplayRun(ctx, rs.Version, snapshotID, snap.AsOf)
	if err != nil {
		return "", nil, err
	}

	log := zap.L().With(
		zap.String("phase", "replay"),
		zap.String("run_id", runID),
		zap.String("ruleset_version", rs.Version),
		zap.String("snapshot_id", snapshotID),
	)
	log.Info("replay: starting", zap.Int("notes", len(notes)))

	summary, err := e.replayNotes(ctx, rs, notes, opts, log)
	if err != nil {
		if failErr := e.store.FailReplayRun(ctx, runID, err.Error()); failErr != nil {
			log.Warn("replay: failed to record run failure", zap.Error(failErr))
		}
		return runID, nil, eris.Wrap(err, "engine: replay")
	}

	if err := e.store.CompleteReplayRun(ctx, runID, summary); err != nil {
		return runID, nil, err
	}
	log.Info("replay: completed",
		zap.Int("processed", summary.Processed),
		zap.Int("emitted", summary.Emitted),
		zap.Int("deduped", summary.Deduped),
		zap.Int("skipped_no_snapshot", summary.SkippedNoSnapshot),
		zap.Int("rule_errors", summary.RuleErrors),
	)
	return runID, summary, nil
}

func (e *Engine) replayNotes(ctx context.Context, rs *rules.Ruleset, notes []model.Note, opts ReplayOptions, log *zap.Logger) (*model.ReplaySummary, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	var limiter *rate.Limiter
	if opts.NotesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.NotesPerSec), 1)
	}

	var processed, emitted, deduped, skipped, ruleErrors atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	start := time.Now()
	for _, note := range notes {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		note := note
		g.Go(func() error {
			features, err := e.store.FeaturesAsOf(gCtx, note.CustomerID, note.CreatedTS)
			if err != nil {
				return eris.Wrapf(err, "features for note %s", note.ID)
			}
			if features == nil {
				skipped.Add(1)
			}

			ev, err := e.Evaluate(gCtx, rs, note, features)
			if err != nil {
				return eris.Wrapf(err, "evaluate note %s", note.ID)
			}
			processed.Add(1)
			ruleErrors.Add(int64(ev.RuleErrors))

			if ev.Card == nil {
				return nil
			}
			inserted, err := resilience.DoVal(gCtx, cardInsertRetry, func(ctx context.Context) (bool, error) {
				return e.store.InsertLeadCard(ctx, ev.Card)
			})
			if err != nil {
				return eris.Wrapf(err, "insert card for note %s", note.ID)
			}
			if inserted {
				emitted.Add(1)
			} else {
				deduped.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debug("replay: worker pool drained",
		zap.Int("workers", workers),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &model.ReplaySummary{
		Processed:         int(processed.Load()),
		Emitted:           int(emitted.Load()),
		Deduped:           int(deduped.Load()),
		SkippedNoSnapshot: int(skipped.Load()),
		RuleErrors:        int(ruleErrors.Load()),
	}, nil
}
