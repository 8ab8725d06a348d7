package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_GetNote(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT note_id, customer_id, created_ts, note_text FROM notes WHERE note_id = \$1`).
		WithArgs("n1").
		WillReturnRows(pgxmock.NewRows([]string{"note_id", "customer_id", "created_ts", "note_text"}).
			AddRow("n1", "c1", created, "asked for a payoff quote"))

	n, err := s.GetNote(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "c1", n.CustomerID)
	assert.Equal(t, "asked for a payoff quote", n.Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNote_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT note_id, customer_id, created_ts, note_text FROM notes`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetNote(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendNote_OutOfOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	latest := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM notes WHERE note_id = \$1`).
		WithArgs("n2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT created_ts FROM notes WHERE customer_id = \$1 ORDER BY created_ts DESC LIMIT 1`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"created_ts"}).AddRow(latest))
	mock.ExpectRollback()

	err := s.AppendNote(context.Background(), model.Note{
		ID: "n2", CustomerID: "c1", CreatedTS: latest.Add(-time.Hour), Text: "late",
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrOutOfOrder))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendNote_ReplayedIDSkipsOrderingCheck(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM notes WHERE note_id = \$1`).
		WithArgs("n1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectCommit()

	// Older than anything stored, but the id is already present so the
	// append is a no-op instead of an ordering failure.
	err := s.AppendNote(context.Background(), model.Note{
		ID: "n1", CustomerID: "c1", CreatedTS: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Text: "replay",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertLeadCard_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO lead_cards`).
		WithArgs(pgxmock.AnyArg(), "c1", "n1", 1.5, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.InsertLeadCard(context.Background(), &model.LeadCard{
		ID: "card-1", CustomerID: "c1", NoteID: "n1", Score: 1.5,
		Explanation: "payoff_mention", AgentVersion: "retention-engine/1",
		RulesetVersion: "v1", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActivateRuleset_Supersedes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM rulesets WHERE version = \$1 FOR UPDATE`).
		WithArgs("v2").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("DRAFT"))
	mock.ExpectExec(`UPDATE rulesets SET status = \$1 WHERE status = \$2`).
		WithArgs("SUPERSEDED", "ACTIVE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE rulesets SET status = \$1, activated_at = \$2 WHERE version = \$3`).
		WithArgs("ACTIVE", pgxmock.AnyArg(), "v2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ActivateRuleset(context.Background(), "v2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActivateRuleset_AlreadyActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM rulesets WHERE version = \$1 FOR UPDATE`).
		WithArgs("v1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("ACTIVE"))
	mock.ExpectRollback()

	err := s.ActivateRuleset(context.Background(), "v1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAlreadyActive))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetActiveRuleset_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT version, status, definition, activated_at, created_at FROM rulesets WHERE status = \$1`).
		WithArgs("ACTIVE").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetActiveRuleset(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNoActiveRuleset))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteReplayRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE replay_runs SET status = \$1, summary = \$2, completed_at = \$3 WHERE id = \$4`).
		WithArgs("completed", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteReplayRun(context.Background(), "missing", &model.ReplaySummary{Processed: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDiscoveryCardStatus_NotReviewable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE discovery_cards SET status = \$1, severity = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("APPROVED", "HIGH", "dc-1", "CANDIDATE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDiscoveryCardStatus(context.Background(), "dc-1", model.DiscoveryStatusApproved, "HIGH")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotReviewable))
	assert.NoError(t, mock.ExpectationsWereMet())
}
