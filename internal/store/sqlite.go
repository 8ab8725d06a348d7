package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/retention-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Serialize writers; the activation transition and conditional card
	// inserts rely on it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS notes (
	note_id     TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	created_ts  DATETIME NOT NULL,
	note_text   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_snapshots (
	customer_id      TEXT NOT NULL,
	snapshot_ts      DATETIME NOT NULL,
	rate             REAL NOT NULL,
	term_months      INTEGER NOT NULL,
	origination_date DATETIME NOT NULL,
	PRIMARY KEY (customer_id, snapshot_ts)
);

CREATE TABLE IF NOT EXISTS closures (
	customer_id TEXT NOT NULL,
	closure_ts  DATETIME NOT NULL,
	PRIMARY KEY (customer_id, closure_ts)
);

CREATE TABLE IF NOT EXISTS note_snapshots (
	id         TEXT PRIMARY KEY,
	as_of      DATETIME NOT NULL,
	note_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS note_snapshot_entries (
	snapshot_id TEXT NOT NULL REFERENCES note_snapshots(id),
	note_id     TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	created_ts  DATETIME NOT NULL,
	note_text   TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, note_id)
);

CREATE TABLE IF NOT EXISTS rulesets (
	version      TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'DRAFT',
	definition   TEXT NOT NULL,
	activated_at DATETIME,
	created_at   DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rulesets_single_active
	ON rulesets(status) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS lead_cards (
	id              TEXT PRIMARY KEY,
	customer_id     TEXT NOT NULL,
	note_id         TEXT NOT NULL,
	score           REAL NOT NULL,
	rule_hits       TEXT NOT NULL,
	features        TEXT NOT NULL,
	explanation     TEXT NOT NULL,
	agent_version   TEXT NOT NULL,
	ruleset_version TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	UNIQUE (note_id, ruleset_version)
);

CREATE TABLE IF NOT EXISTS replay_runs (
	id              TEXT PRIMARY KEY,
	ruleset_version TEXT NOT NULL,
	snapshot_id     TEXT NOT NULL,
	as_of           DATETIME NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	summary         TEXT,
	error           TEXT,
	created_at      DATETIME NOT NULL,
	completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS discovery_runs (
	id             TEXT PRIMARY KEY,
	snapshot_id    TEXT NOT NULL,
	config         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	phrases_tested INTEGER NOT NULL DEFAULT 0,
	cards_emitted  INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	created_at     DATETIME NOT NULL,
	completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS discovery_cards (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES discovery_runs(id),
	phrase     TEXT NOT NULL,
	support    INTEGER NOT NULL,
	lift       REAL NOT NULL,
	odds_ratio REAL NOT NULL,
	p_value    REAL NOT NULL,
	fdr        REAL NOT NULL,
	examples   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'CANDIDATE',
	severity   TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_customer ON notes(customer_id, created_ts);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_customer ON customer_snapshots(customer_id, snapshot_ts);
CREATE INDEX IF NOT EXISTS idx_entries_snapshot ON note_snapshot_entries(snapshot_id, created_ts, note_id);
CREATE INDEX IF NOT EXISTS idx_lead_cards_customer ON lead_cards(customer_id);
CREATE INDEX IF NOT EXISTS idx_lead_cards_score ON lead_cards(score);
CREATE INDEX IF NOT EXISTS idx_discovery_cards_status ON discovery_cards(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Note stream ---

func (s *SQLiteStore) AppendNote(ctx context.Context, n model.Note) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append note")
	}
	defer tx.Rollback() //nolint:errcheck

	// Re-ingesting a known note id is a no-op; ordering is only enforced
	// for notes the stream has not seen.
	exists, err := sqliteNoteExists(ctx, tx, n.ID)
	if err != nil {
		return err
	}
	if exists {
		return eris.Wrap(tx.Commit(), "sqlite: commit append note")
	}

	if err := sqliteCheckMonotonic(ctx, tx, n.CustomerID, n.CreatedTS); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO notes (note_id, customer_id, created_ts, note_text) VALUES (?, ?, ?, ?)`,
		n.ID, n.CustomerID, n.CreatedTS.UTC(), n.Text,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert note %s", n.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append note")
}

func (s *SQLiteStore) BulkAppendNotes(ctx context.Context, notes []model.Note) (int, error) {
	if len(notes) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk append")
	}
	defer tx.Rollback() //nolint:errcheck

	// Batches may replay already-ingested files; duplicate note ids are
	// ignored, not errors.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO notes (note_id, customer_id, created_ts, note_text) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare bulk append")
	}
	defer stmt.Close() //nolint:errcheck

	lastSeen := make(map[string]time.Time)
	inserted := 0
	for _, n := range notes {
		ts := n.CreatedTS.UTC()
		exists, err := sqliteNoteExists(ctx, tx, n.ID)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		prev, ok := lastSeen[n.CustomerID]
		if !ok {
			if err := sqliteCheckMonotonic(ctx, tx, n.CustomerID, ts); err != nil {
				return 0, err
			}
		} else if ts.Before(prev) {
			return 0, eris.Wrapf(ErrOutOfOrder, "note %s for customer %s", n.ID, n.CustomerID)
		}
		lastSeen[n.CustomerID] = ts

		res, err := stmt.ExecContext(ctx, n.ID, n.CustomerID, ts, n.Text)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: bulk insert note %s", n.ID)
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit bulk append")
	}
	return inserted, nil
}

func sqliteNoteExists(ctx context.Context, tx *sql.Tx, noteID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM notes WHERE note_id = ?`, noteID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check note %s", noteID)
	}
	return true, nil
}

func sqliteCheckMonotonic(ctx context.Context, tx *sql.Tx, customerID string, ts time.Time) error {
	var latest sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT created_ts FROM notes WHERE customer_id = ? ORDER BY created_ts DESC LIMIT 1`,
		customerID,
	).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrapf(err, "sqlite: latest note ts for %s", customerID)
	}
	if latest.Valid && ts.UTC().Before(latest.Time.UTC()) {
		return eris.Wrapf(ErrOutOfOrder, "customer %s: %s < %s",
			customerID, ts.UTC().Format(time.RFC3339), latest.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *SQLiteStore) GetNote(ctx context.Context, noteID string) (*model.Note, error) {
	var n model.Note
	err := s.db.QueryRowContext(ctx,
		`SELECT note_id, customer_id, created_ts, note_text FROM notes WHERE note_id = ?`,
		noteID,
	).Scan(&n.ID, &n.CustomerID, &n.CreatedTS, &n.Text)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("note not found: %s", noteID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get note %s", noteID)
	}
	return &n, nil
}

// --- Closures ---

func (s *SQLiteStore) AppendClosure(ctx context.Context, c model.Closure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO closures (customer_id, closure_ts) VALUES (?, ?)`,
		c.CustomerID, c.ClosureTS.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert closure for %s", c.CustomerID)
}

func (s *SQLiteStore) ListClosures(ctx context.Context) ([]model.Closure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, closure_ts FROM closures ORDER BY customer_id, closure_ts`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list closures")
	}
	defer rows.Close()

	var closures []model.Closure
	for rows.Next() {
		var c model.Closure
		if err := rows.Scan(&c.CustomerID, &c.ClosureTS); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan closure")
		}
		closures = append(closures, c)
	}
	return closures, eris.Wrap(rows.Err(), "sqlite: list closures iterate")
}

// --- Customer snapshots ---

func (s *SQLiteStore) AppendCustomerSnapshot(ctx context.Context, snap model.CustomerSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_snapshots (customer_id, snapshot_ts, rate, term_months, origination_date)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.CustomerID, snap.SnapshotTS.UTC(), snap.Rate, snap.TermMonths, snap.OriginationDate.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert snapshot for %s", snap.CustomerID)
}

func (s *SQLiteStore) FeaturesAsOf(ctx context.Context, customerID string, asOf time.Time) (*model.CustomerFeatures, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rate, term_months, origination_date FROM customer_snapshots
		 WHERE customer_id = ? AND snapshot_ts <= ?
		 ORDER BY snapshot_ts DESC LIMIT 2`,
		customerID, asOf.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: features for %s", customerID)
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
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snaps = append(snaps, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: features iterate")
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

// buildFeatures assembles the current-snapshot portion of CustomerFeatures.
func buildFeatures(customerID string, asOf time.Time, rate float64, termMonths int, origDate time.Time) *model.CustomerFeatures {
	age := int(asOf.UTC().Sub(origDate.UTC()).Hours() / 24)
	r := rate
	tm := termMonths
	return &model.CustomerFeatures{
		CustomerID:     customerID,
		CurrentRate:    &r,
		TermMonths:     &tm,
		AccountAgeDays: &age,
	}
}

// --- Note snapshots ---

func (s *SQLiteStore) MaterializeNoteSnapshot(ctx context.Context, asOf time.Time) (*model.NoteSnapshot, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin materialize")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO note_snapshots (id, as_of, note_count, created_at) VALUES (?, ?, 0, ?)`,
		id, asOf.UTC(), now,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert note snapshot")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO note_snapshot_entries (snapshot_id, note_id, customer_id, created_ts, note_text)
		 SELECT ?, note_id, customer_id, created_ts, note_text FROM notes WHERE created_ts <= ?`,
		id, asOf.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: copy snapshot entries")
	}
	count, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot entry count")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE note_snapshots SET note_count = ? WHERE id = ?`,
		count, id,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: update snapshot count")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit materialize")
	}

	return &model.NoteSnapshot{ID: id, AsOf: asOf.UTC(), NoteCount: int(count), CreatedAt: now}, nil
}

func (s *SQLiteStore) GetNoteSnapshot(ctx context.Context, id string) (*model.NoteSnapshot, error) {
	var ns model.NoteSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, as_of, note_count, created_at FROM note_snapshots WHERE id = ?`,
		id,
	).Scan(&ns.ID, &ns.AsOf, &ns.NoteCount, &ns.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("note snapshot not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get note snapshot %s", id)
	}
	return &ns, nil
}

func (s *SQLiteStore) ListSnapshotNotes(ctx context.Context, snapshotID string) ([]model.Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT note_id, customer_id, created_ts, note_text FROM note_snapshot_entries
		 WHERE snapshot_id = ? ORDER BY created_ts, note_id`,
		snapshotID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list snapshot notes %s", snapshotID)
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.ID, &n.CustomerID, &n.CreatedTS, &n.Text); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot note")
		}
		notes = append(notes, n)
	}
	return notes, eris.Wrap(rows.Err(), "sqlite: list snapshot notes iterate")
}

// --- Ruleset registry ---

func (s *SQLiteStore) InsertRuleset(ctx context.Context, version, definition string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rulesets (version, status, definition, created_at) VALUES (?, ?, ?, ?)`,
		version, string(model.RulesetStatusDraft), definition, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert ruleset %s", version)
}

func (s *SQLiteStore) GetRuleset(ctx context.Context, version string) (*model.RulesetVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, status, definition, activated_at, created_at FROM rulesets WHERE version = ?`,
		version,
	)
	rs, err := scanRuleset(row)
	if err == errNoRuleset {
		return nil, eris.Wrapf(ErrRulesetNotFound, "version %s", version)
	}
	return rs, err
}

func (s *SQLiteStore) GetActiveRuleset(ctx context.Context) (*model.RulesetVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, status, definition, activated_at, created_at FROM rulesets WHERE status = ?`,
		string(model.RulesetStatusActive),
	)
	rs, err := scanRuleset(row)
	if err == errNoRuleset {
		return nil, ErrNoActiveRuleset
	}
	return rs, err
}

func (s *SQLiteStore) ActivateRuleset(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin activate")
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM rulesets WHERE version = ?`, version,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrRulesetNotFound, "version %s", version)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: activate %s", version)
	}
	if status == string(model.RulesetStatusActive) {
		return eris.Wrapf(ErrAlreadyActive, "version %s", version)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rulesets SET status = ? WHERE status = ?`,
		string(model.RulesetStatusSuperseded), string(model.RulesetStatusActive),
	); err != nil {
		return eris.Wrap(err, "sqlite: supersede active ruleset")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rulesets SET status = ?, activated_at = ? WHERE version = ?`,
		string(model.RulesetStatusActive), time.Now().UTC(), version,
	); err != nil {
		return eris.Wrapf(err, "sqlite: activate ruleset %s", version)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit activate")
}

func (s *SQLiteStore) ListRulesets(ctx context.Context) ([]model.RulesetVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, status, definition, activated_at, created_at FROM rulesets ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rulesets")
	}
	defer rows.Close()

	var out []model.RulesetVersion
	for rows.Next() {
		rs, err := scanRuleset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rulesets iterate")
}

// --- Lead cards ---

func (s *SQLiteStore) InsertLeadCard(ctx context.Context, card *model.LeadCard) (bool, error) {
	hitsJSON, err := json.Marshal(card.RuleHits)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal rule hits")
	}
	featuresJSON, err := json.Marshal(card.Features)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal features")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lead_cards
		 (id, customer_id, note_id, score, rule_hits, features, explanation, agent_version, ruleset_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.CustomerID, card.NoteID, card.Score, string(hitsJSON), string(featuresJSON),
		card.Explanation, card.AgentVersion, card.RulesetVersion, card.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert lead card for note %s", card.NoteID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: lead card rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListLeadCards(ctx context.Context, filter LeadCardFilter) ([]model.LeadCard, error) {
	query := `SELECT id, customer_id, note_id, score, rule_hits, features, explanation,
		agent_version, ruleset_version, created_at FROM lead_cards WHERE 1=1`
	var args []any

	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.RulesetVersion != "" {
		query += ` AND ruleset_version = ?`
		args = append(args, filter.RulesetVersion)
	}
	if filter.MinScore > 0 {
		query += ` AND score >= ?`
		args = append(args, filter.MinScore)
	}
	query += ` ORDER BY score DESC, created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lead cards")
	}
	defer rows.Close()

	var cards []model.LeadCard
	for rows.Next() {
		var c model.LeadCard
		var hitsJSON, featuresJSON string
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.NoteID, &c.Score, &hitsJSON, &featuresJSON,
			&c.Explanation, &c.AgentVersion, &c.RulesetVersion, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead card")
		}
		if err := json.Unmarshal([]byte(hitsJSON), &c.RuleHits); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal rule hits")
		}
		if err := json.Unmarshal([]byte(featuresJSON), &c.Features); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal features")
		}
		cards = append(cards, c)
	}
	return cards, eris.Wrap(rows.Err(), "sqlite: list lead cards iterate")
}

// --- Replay runs ---

func (s *SQLiteStore) CreateReplayRun(ctx context.Context, rulesetVersion, snapshotID string, asOf time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_runs (id, ruleset_version, snapshot_id, as_of, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, rulesetVersion, snapshotID, asOf.UTC(), string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: create replay run")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteReplayRun(ctx context.Context, runID string, sum *model.ReplaySummary) error {
	sumJSON, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal replay summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE replay_runs SET status = ?, summary = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusCompleted), string(sumJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete replay run %s", runID)
	}
	return checkRowsAffected(res, "replay_run", runID)
}

func (s *SQLiteStore) FailReplayRun(ctx context.Context, runID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE replay_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail replay run %s", runID)
	}
	return checkRowsAffected(res, "replay_run", runID)
}

// --- Discovery runs and cards ---

func (s *SQLiteStore) CreateDiscoveryRun(ctx context.Context, snapshotID string, config []byte) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discovery_runs (id, snapshot_id, config, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, snapshotID, string(config), string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: create discovery run")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteDiscoveryRun(ctx context.Context, runID string, phrasesTested, cardsEmitted int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_runs SET status = ?, phrases_tested = ?, cards_emitted = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusCompleted), phrasesTested, cardsEmitted, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete discovery run %s", runID)
	}
	return checkRowsAffected(res, "discovery_run", runID)
}

func (s *SQLiteStore) FailDiscoveryRun(ctx context.Context, runID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail discovery run %s", runID)
	}
	return checkRowsAffected(res, "discovery_run", runID)
}

func (s *SQLiteStore) InsertDiscoveryCards(ctx context.Context, cards []model.DiscoveryCard) error {
	if len(cards) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert discovery cards")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO discovery_cards
		 (id, run_id, phrase, support, lift, odds_ratio, p_value, fdr, examples, status, severity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert discovery cards")
	}
	defer stmt.Close() //nolint:errcheck

	for _, c := range cards {
		examplesJSON, err := json.Marshal(c.Examples)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal examples")
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.RunID, c.Phrase, c.Support, c.Lift, c.OddsRatio, c.PValue, c.FDR,
			string(examplesJSON), string(c.Status), c.Severity, c.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert discovery card %q", c.Phrase)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit insert discovery cards")
}

func (s *SQLiteStore) GetDiscoveryCard(ctx context.Context, cardID string) (*model.DiscoveryCard, error) {
	var c model.DiscoveryCard
	var examplesJSON string
	var severity sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, phrase, support, lift, odds_ratio, p_value, fdr, examples, status, severity, created_at
		 FROM discovery_cards WHERE id = ?`,
		cardID,
	).Scan(&c.ID, &c.RunID, &c.Phrase, &c.Support, &c.Lift, &c.OddsRatio,
		&c.PValue, &c.FDR, &examplesJSON, &c.Status, &severity, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("discovery card not found: %s", cardID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get discovery card %s", cardID)
	}
	if err := json.Unmarshal([]byte(examplesJSON), &c.Examples); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal examples")
	}
	c.Severity = severity.String
	return &c, nil
}

func (s *SQLiteStore) ListDiscoveryCards(ctx context.Context, filter DiscoveryCardFilter) ([]model.DiscoveryCard, error) {
	query := `SELECT id, run_id, phrase, support, lift, odds_ratio, p_value, fdr, examples, status, severity, created_at
		FROM discovery_cards WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY fdr, phrase`

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list discovery cards")
	}
	defer rows.Close()

	var cards []model.DiscoveryCard
	for rows.Next() {
		var c model.DiscoveryCard
		var examplesJSON string
		var severity sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Phrase, &c.Support, &c.Lift, &c.OddsRatio,
			&c.PValue, &c.FDR, &examplesJSON, &c.Status, &severity, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan discovery card")
		}
		if err := json.Unmarshal([]byte(examplesJSON), &c.Examples); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal examples")
		}
		c.Severity = severity.String
		cards = append(cards, c)
	}
	return cards, eris.Wrap(rows.Err(), "sqlite: list discovery cards iterate")
}

func (s *SQLiteStore) UpdateDiscoveryCardStatus(ctx context.Context, cardID string, status model.DiscoveryStatus, severity string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_cards SET status = ?, severity = ? WHERE id = ? AND status = ?`,
		string(status), severity, cardID, string(model.DiscoveryStatusCandidate),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update discovery card %s", cardID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: discovery card rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotReviewable, "card %s", cardID)
	}
	return nil
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// errNoRuleset distinguishes "no row" from scan failures inside scanRuleset.
var errNoRuleset = eris.New("sqlite: ruleset row not found")

func scanRuleset(row scannable) (*model.RulesetVersion, error) {
	var rs model.RulesetVersion
	var activated sql.NullTime

	err := row.Scan(&rs.Version, &rs.Status, &rs.Definition, &activated, &rs.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errNoRuleset
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan ruleset")
	}
	if activated.Valid {
		t := activated.Time.UTC()
		rs.ActivatedAt = &t
	}
	return &rs, nil
}
