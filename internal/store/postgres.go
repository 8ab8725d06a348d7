package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/db"
	"github.com/sells-group/retention-cli/internal/model"
)

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to the given database URL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Tests use this with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS notes (
	note_id     TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	created_ts  TIMESTAMPTZ NOT NULL,
	note_text   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_snapshots (
	customer_id      TEXT NOT NULL,
	snapshot_ts      TIMESTAMPTZ NOT NULL,
	rate             DOUBLE PRECISION NOT NULL,
	term_months      INTEGER NOT NULL,
	origination_date TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (customer_id, snapshot_ts)
);

CREATE TABLE IF NOT EXISTS closures (
	customer_id TEXT NOT NULL,
	closure_ts  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (customer_id, closure_ts)
);

CREATE TABLE IF NOT EXISTS note_snapshots (
	id         TEXT PRIMARY KEY,
	as_of      TIMESTAMPTZ NOT NULL,
	note_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS note_snapshot_entries (
	snapshot_id TEXT NOT NULL REFERENCES note_snapshots(id),
	note_id     TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	created_ts  TIMESTAMPTZ NOT NULL,
	note_text   TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, note_id)
);

CREATE TABLE IF NOT EXISTS rulesets (
	version      TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'DRAFT',
	definition   TEXT NOT NULL,
	activated_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rulesets_single_active
	ON rulesets(status) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS lead_cards (
	id              TEXT PRIMARY KEY,
	customer_id     TEXT NOT NULL,
	note_id         TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	rule_hits       JSONB NOT NULL,
	features        JSONB NOT NULL,
	explanation     TEXT NOT NULL,
	agent_version   TEXT NOT NULL,
	ruleset_version TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (note_id, ruleset_version)
);

CREATE TABLE IF NOT EXISTS replay_runs (
	id              TEXT PRIMARY KEY,
	ruleset_version TEXT NOT NULL,
	snapshot_id     TEXT NOT NULL,
	as_of           TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	summary         JSONB,
	error           TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS discovery_runs (
	id             TEXT PRIMARY KEY,
	snapshot_id    TEXT NOT NULL,
	config         JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	phrases_tested INTEGER NOT NULL DEFAULT 0,
	cards_emitted  INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS discovery_cards (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES discovery_runs(id),
	phrase     TEXT NOT NULL,
	support    INTEGER NOT NULL,
	lift       DOUBLE PRECISION NOT NULL,
	odds_ratio DOUBLE PRECISION NOT NULL,
	p_value    DOUBLE PRECISION NOT NULL,
	fdr        DOUBLE PRECISION NOT NULL,
	examples   JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'CANDIDATE',
	severity   TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_customer ON notes(customer_id, created_ts);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_customer ON customer_snapshots(customer_id, snapshot_ts);
CREATE INDEX IF NOT EXISTS idx_entries_snapshot ON note_snapshot_entries(snapshot_id, created_ts, note_id);
CREATE INDEX IF NOT EXISTS idx_lead_cards_customer ON lead_cards(customer_id);
CREATE INDEX IF NOT EXISTS idx_lead_cards_score ON lead_cards(score);
CREATE INDEX IF NOT EXISTS idx_discovery_cards_status ON discovery_cards(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if p, ok := s.pool.(*pgxpool.Pool); ok {
		p.Close()
	}
	return nil
}

// --- Note stream ---

func (s *PostgresStore) AppendNote(ctx context.Context, n model.Note) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append note")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Re-ingesting a known note id is a no-op; ordering is only enforced
	// for notes the stream has not seen.
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM notes WHERE note_id = $1`, n.ID).Scan(&one)
	if err == nil {
		return eris.Wrap(tx.Commit(ctx), "postgres: commit append note")
	}
	if err != pgx.ErrNoRows {
		return eris.Wrapf(err, "postgres: check note %s", n.ID)
	}

	if err := pgCheckMonotonic(ctx, tx, n.CustomerID, n.CreatedTS); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO notes (note_id, customer_id, created_ts, note_text) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (note_id) DO NOTHING`,
		n.ID, n.CustomerID, n.CreatedTS.UTC(), n.Text,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert note %s", n.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit append note")
}

func (s *PostgresStore) BulkAppendNotes(ctx context.Context, notes []model.Note) (int, error) {
	if len(notes) == 0 {
		return 0, nil
	}

	// Validate ordering against the stored stream up front so a bad batch
	// fails before any note lands. Already-stored note ids are replays and
	// bypass the ordering check.
	existing, err := s.existingNoteIDs(ctx, notes)
	if err != nil {
		return 0, err
	}
	lastSeen := make(map[string]time.Time)
	for _, n := range notes {
		if existing[n.ID] {
			continue
		}
		ts := n.CreatedTS.UTC()
		prev, ok := lastSeen[n.CustomerID]
		if !ok {
			stored, err := s.latestNoteTS(ctx, n.CustomerID)
			if err != nil {
				return 0, err
			}
			if stored != nil && ts.Before(*stored) {
				return 0, eris.Wrapf(ErrOutOfOrder, "note %s for customer %s", n.ID, n.CustomerID)
			}
		} else if ts.Before(prev) {
			return 0, eris.Wrapf(ErrOutOfOrder, "note %s for customer %s", n.ID, n.CustomerID)
		}
		lastSeen[n.CustomerID] = ts
	}

	rows := make([][]any, 0, len(notes))
	for _, n := range notes {
		rows = append(rows, []any{n.ID, n.CustomerID, n.CreatedTS.UTC(), n.Text})
	}
	inserted, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table:        "notes",
		Columns:      []string{"note_id", "customer_id", "created_ts", "note_text"},
		ConflictKeys: []string{"note_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bulk append notes")
	}
	return int(inserted), nil
}

func (s *PostgresStore) existingNoteIDs(ctx context.Context, notes []model.Note) (map[string]bool, error) {
	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	rows, err := s.pool.Query(ctx, `SELECT note_id FROM notes WHERE note_id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: check existing notes")
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan existing note id")
		}
		existing[id] = true
	}
	return existing, eris.Wrap(rows.Err(), "postgres: check existing notes iterate")
}

func (s *PostgresStore) latestNoteTS(ctx context.Context, customerID string) (*time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_ts FROM notes WHERE customer_id = $1 ORDER BY created_ts DESC LIMIT 1`,
		customerID,
	).Scan(&ts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest note ts for %s", customerID)
	}
	u := ts.UTC()
	return &u, nil
}

func pgCheckMonotonic(ctx context.Context, tx pgx.Tx, customerID string, ts time.Time) error {
	var latest time.Time
	err := tx.QueryRow(ctx,
		`SELECT created_ts FROM notes WHERE customer_id = $1 ORDER BY created_ts DESC LIMIT 1`,
		customerID,
	).Scan(&latest)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: latest note ts for %s", customerID)
	}
	if ts.UTC().Before(latest.UTC()) {
		return eris.Wrapf(ErrOutOfOrder, "customer %s: %s < %s",
			customerID, ts.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (*model.Note, error) {
	var n model.Note
	err := s.pool.QueryRow(ctx,
		`SELECT note_id, customer_id, created_ts, note_text FROM notes WHERE note_id = $1`,
		noteID,
	).Scan(&n.ID, &n.CustomerID, &n.CreatedTS, &n.Text)
	if err == pgx.ErrNoRows {
		return nil, eris.Errorf("note not found: %s", noteID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get note %s", noteID)
	}
	return &n, nil
}

// --- Closures ---

func (s *PostgresStore) AppendClosure(ctx context.Context, c model.Closure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO closures (customer_id, closure_ts) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		c.CustomerID, c.ClosureTS.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert closure for %s", c.CustomerID)
}

func (s *PostgresStore) ListClosures(ctx context.Context) ([]model.Closure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id, closure_ts FROM closures ORDER BY customer_id, closure_ts`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list closures")
	}
	defer rows.Close()

	var closures []model.Closure
	for rows.Next() {
		var c model.Closure
		if err := rows.Scan(&c.CustomerID, &c.ClosureTS); err != nil {
			return nil, eris.Wrap(err, "postgres: scan closure")
		}
		closures = append(closures, c)
	}
	return closures, eris.Wrap(rows.Err(), "postgres: list closures iterate")
}

// --- Customer snapshots ---

func (s *PostgresStore) AppendCustomerSnapshot(ctx context.Context, snap model.CustomerSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO customer_snapshots (customer_id, snapshot_ts, rate, term_months, origination_date)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.CustomerID, snap.SnapshotTS.UTC(), snap.Rate, snap.TermMonths, snap.OriginationDate.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert snapshot for %s", snap.CustomerID)
}

func (s *PostgresStore) FeaturesAsOf(ctx context.Context, customerID string, asOf time.Time) (*model.CustomerFeatures, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rate, term_months, origination_date FROM customer_snapshots
		 WHERE customer_id = $1 AND snapshot_ts <= $2
		 ORDER BY snapshot_ts DESC LIMIT 2`,
		customerID, asOf.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: features for %s", customerID)
	}
	defer rows.Close()

	type snapRow struct {
		rate       float64
		termMonths int
		origDate   time.Time
	}
	var snaps []snapRow
	for rows.Next() {
		var r snapRow
		if err := rows.Scan(&r.rate, &r.termMonths, &r.origDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snaps = append(snaps, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: features iterate")
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	f := buildFeatures(customerID, asOf, snaps[0].rate, snaps[0].termMonths, snaps[0].origDate)
	if len(snaps) > 1 {
		prev := snaps[1].rate
		f.PrevRate = &prev
		diff := snaps[0].rate - prev
		f.RateDiff = &diff
	}
	return f, nil
}

// --- Note snapshots ---

func (s *PostgresStore) MaterializeNoteSnapshot(ctx context.Context, asOf time.Time) (*model.NoteSnapshot, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin materialize")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO note_snapshots (id, as_of, note_count, created_at) VALUES ($1, $2, 0, $3)`,
		id, asOf.UTC(), now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert note snapshot")
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO note_snapshot_entries (snapshot_id, note_id, customer_id, created_ts, note_text)
		 SELECT $1, note_id, customer_id, created_ts, note_text FROM notes WHERE created_ts <= $2`,
		id, asOf.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: copy snapshot entries")
	}
	count := tag.RowsAffected()

	if _, err := tx.Exec(ctx,
		`UPDATE note_snapshots SET note_count = $1 WHERE id = $2`,
		count, id,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: update snapshot count")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit materialize")
	}

	return &model.NoteSnapshot{ID: id, AsOf: asOf.UTC(), NoteCount: int(count), CreatedAt: now}, nil
}

func (s *PostgresStore) GetNoteSnapshot(ctx context.Context, id string) (*model.NoteSnapshot, error) {
	var ns model.NoteSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, as_of, note_count, created_at FROM note_snapshots WHERE id = $1`,
		id,
	).Scan(&ns.ID, &ns.AsOf, &ns.NoteCount, &ns.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Errorf("note snapshot not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get note snapshot %s", id)
	}
	return &ns, nil
}

func (s *PostgresStore) ListSnapshotNotes(ctx context.Context, snapshotID string) ([]model.Note, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT note_id, customer_id, created_ts, note_text FROM note_snapshot_entries
		 WHERE snapshot_id = $1 ORDER BY created_ts, note_id`,
		snapshotID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list snapshot notes %s", snapshotID)
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.ID, &n.CustomerID, &n.CreatedTS, &n.Text); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot note")
		}
		notes = append(notes, n)
	}
	return notes, eris.Wrap(rows.Err(), "postgres: list snapshot notes iterate")
}

// --- Ruleset registry ---

func (s *PostgresStore) InsertRuleset(ctx context.Context, version, definition string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rulesets (version, status, definition, created_at) VALUES ($1, $2, $3, $4)`,
		version, string(model.RulesetStatusDraft), definition, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: insert ruleset %s", version)
}

func (s *PostgresStore) GetRuleset(ctx context.Context, version string) (*model.RulesetVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT version, status, definition, activated_at, created_at FROM rulesets WHERE version = $1`,
		version,
	)
	rs, err := scanPGRuleset(row)
	if err == errNoRuleset {
		return nil, eris.Wrapf(ErrRulesetNotFound, "version %s", version)
	}
	return rs, err
}

func (s *PostgresStore) GetActiveRuleset(ctx context.Context) (*model.RulesetVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT version, status, definition, activated_at, created_at FROM rulesets WHERE status = $1`,
		string(model.RulesetStatusActive),
	)
	rs, err := scanPGRuleset(row)
	if err == errNoRuleset {
		return nil, ErrNoActiveRuleset
	}
	return rs, err
}

func (s *PostgresStore) ActivateRuleset(ctx context.Context, version string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin activate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM rulesets WHERE version = $1 FOR UPDATE`, version,
	).Scan(&status)
	if err == pgx.ErrNoRows {
		return eris.Wrapf(ErrRulesetNotFound, "version %s", version)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: activate %s", version)
	}
	if status == string(model.RulesetStatusActive) {
		return eris.Wrapf(ErrAlreadyActive, "version %s", version)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rulesets SET status = $1 WHERE status = $2`,
		string(model.RulesetStatusSuperseded), string(model.RulesetStatusActive),
	); err != nil {
		return eris.Wrap(err, "postgres: supersede active ruleset")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rulesets SET status = $1, activated_at = $2 WHERE version = $3`,
		string(model.RulesetStatusActive), time.Now().UTC(), version,
	); err != nil {
		return eris.Wrapf(err, "postgres: activate ruleset %s", version)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit activate")
}

func (s *PostgresStore) ListRulesets(ctx context.Context) ([]model.RulesetVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, status, definition, activated_at, created_at FROM rulesets ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rulesets")
	}
	defer rows.Close()

	var out []model.RulesetVersion
	for rows.Next() {
		rs, err := scanPGRuleset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rulesets iterate")
}

// --- Lead cards ---

func (s *PostgresStore) InsertLeadCard(ctx context.Context, card *model.LeadCard) (bool, error) {
	hitsJSON, err := json.Marshal(card.RuleHits)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal rule hits")
	}
	featuresJSON, err := json.Marshal(card.Features)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal features")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO lead_cards
		 (id, customer_id, note_id, score, rule_hits, features, explanation, agent_version, ruleset_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (note_id, ruleset_version) DO NOTHING`,
		card.ID, card.CustomerID, card.NoteID, card.Score, hitsJSON, featuresJSON,
		card.Explanation, card.AgentVersion, card.RulesetVersion, card.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert lead card for note %s", card.NoteID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListLeadCards(ctx context.Context, filter LeadCardFilter) ([]model.LeadCard, error) {
	query := `SELECT id, customer_id, note_id, score, rule_hits, features, explanation,
		agent_version, ruleset_version, created_at FROM lead_cards WHERE 1=1`
	var args []any

	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		query += ` AND customer_id = $` + strconv.Itoa(len(args))
	}
	if filter.RulesetVersion != "" {
		args = append(args, filter.RulesetVersion)
		query += ` AND ruleset_version = $` + strconv.Itoa(len(args))
	}
	if filter.MinScore > 0 {
		args = append(args, filter.MinScore)
		query += ` AND score >= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY score DESC, created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lead cards")
	}
	defer rows.Close()

	var cards []model.LeadCard
	for rows.Next() {
		var c model.LeadCard
		var hitsJSON, featuresJSON []byte
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.NoteID, &c.Score, &hitsJSON, &featuresJSON,
			&c.Explanation, &c.AgentVersion, &c.RulesetVersion, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead card")
		}
		if err := json.Unmarshal(hitsJSON, &c.RuleHits); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal rule hits")
		}
		if err := json.Unmarshal(featuresJSON, &c.Features); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal features")
		}
		cards = append(cards, c)
	}
	return cards, eris.Wrap(rows.Err(), "postgres: list lead cards iterate")
}

// --- Replay runs ---

func (s *PostgresStore) CreateReplayRun(ctx context.Context, rulesetVersion, snapshotID string, asOf time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO replay_runs (id, ruleset_version, snapshot_id, as_of, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, rulesetVersion, snapshotID, asOf.UTC(), string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: create replay run")
	}
	return id, nil
}

func (s *PostgresStore) CompleteReplayRun(ctx context.Context, runID string, sum *model.ReplaySummary) error {
	sumJSON, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal replay summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE replay_runs SET status = $1, summary = $2, completed_at = $3 WHERE id = $4`,
		string(model.RunStatusCompleted), sumJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete replay run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("replay_run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailReplayRun(ctx context.Context, runID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replay_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail replay run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("replay_run not found: %s", runID)
	}
	return nil
}

// --- Discovery runs and cards ---

func (s *PostgresStore) CreateDiscoveryRun(ctx context.Context, snapshotID string, config []byte) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO discovery_runs (id, snapshot_id, config, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, snapshotID, config, string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: create discovery run")
	}
	return id, nil
}

func (s *PostgresStore) CompleteDiscoveryRun(ctx context.Context, runID string, phrasesTested, cardsEmitted int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discovery_runs SET status = $1, phrases_tested = $2, cards_emitted = $3, completed_at = $4 WHERE id = $5`,
		string(model.RunStatusCompleted), phrasesTested, cardsEmitted, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete discovery run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("discovery_run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailDiscoveryRun(ctx context.Context, runID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discovery_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail discovery run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("discovery_run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) InsertDiscoveryCards(ctx context.Context, cards []model.DiscoveryCard) error {
	if len(cards) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert discovery cards")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range cards {
		examplesJSON, err := json.Marshal(c.Examples)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal examples")
		}
		var severity any
		if c.Severity != "" {
			severity = c.Severity
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO discovery_cards
			 (id, run_id, phrase, support, lift, odds_ratio, p_value, fdr, examples, status, severity, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			c.ID, c.RunID, c.Phrase, c.Support, c.Lift, c.OddsRatio, c.PValue, c.FDR,
			examplesJSON, string(c.Status), severity, c.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: insert discovery card %q", c.Phrase)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert discovery cards")
}

func (s *PostgresStore) GetDiscoveryCard(ctx context.Context, cardID string) (*model.DiscoveryCard, error) {
	var c model.DiscoveryCard
	var examplesJSON []byte
	var severity *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, phrase, support, lift, odds_ratio, p_value, fdr, examples, status, severity, created_at
		 FROM discovery_cards WHERE id = $1`,
		cardID,
	).Scan(&c.ID, &c.RunID, &c.Phrase, &c.Support, &c.Lift, &c.OddsRatio,
		&c.PValue, &c.FDR, &examplesJSON, &c.Status, &severity, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Errorf("discovery card not found: %s", cardID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get discovery card %s", cardID)
	}
	if err := json.Unmarshal(examplesJSON, &c.Examples); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal examples")
	}
	if severity != nil {
		c.Severity = *severity
	}
	return &c, nil
}

func (s *PostgresStore) ListDiscoveryCards(ctx context.Context, filter DiscoveryCardFilter) ([]model.DiscoveryCard, error) {
	query := `SELECT id, run_id, phrase, support, lift, odds_ratio, p_value, fdr, examples, status, severity, created_at
		FROM discovery_cards WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += ` AND run_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY fdr, phrase`

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list discovery cards")
	}
	defer rows.Close()

	var cards []model.DiscoveryCard
	for rows.Next() {
		var c model.DiscoveryCard
		var examplesJSON []byte
		var severity *string
		if err := rows.Scan(&c.ID, &c.RunID, &c.Phrase, &c.Support, &c.Lift, &c.OddsRatio,
			&c.PValue, &c.FDR, &examplesJSON, &c.Status, &severity, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan discovery card")
		}
		if err := json.Unmarshal(examplesJSON, &c.Examples); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal examples")
		}
		if severity != nil {
			c.Severity = *severity
		}
		cards = append(cards, c)
	}
	return cards, eris.Wrap(rows.Err(), "postgres: list discovery cards iterate")
}

func (s *PostgresStore) UpdateDiscoveryCardStatus(ctx context.Context, cardID string, status model.DiscoveryStatus, severity string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discovery_cards SET status = $1, severity = $2 WHERE id = $3 AND status = $4`,
		string(status), severity, cardID, string(model.DiscoveryStatusCandidate),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update discovery card %s", cardID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotReviewable, "card %s", cardID)
	}
	return nil
}

// --- helpers ---

func scanPGRuleset(row scannable) (*model.RulesetVersion, error) {
	var rs model.RulesetVersion
	var activated *time.Time

	err := row.Scan(&rs.Version, &rs.Status, &rs.Definition, &activated, &rs.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errNoRuleset
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan ruleset")
	}
	if activated != nil {
		t := activated.UTC()
		rs.ActivatedAt = &t
	}
	return &rs, nil
}
