// Package store persists the six durable entities of the retention engine
// and enforces their write invariants: streams are append-only, lead cards
// are unique per (note_id, ruleset_version), and at most one ruleset
// version is ACTIVE at any instant.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/model"
)

// Sentinel errors surfaced to callers for control flow. Match with eris.Is.
var (
	// ErrNoActiveRuleset is returned when scoring is requested and no
	// ruleset version has been activated.
	ErrNoActiveRuleset = eris.New("store: no active ruleset")

	// ErrAlreadyActive is returned when activating a version that is
	// already ACTIVE, including the losing side of concurrent activations.
	ErrAlreadyActive = eris.New("store: ruleset version already active")

	// ErrRulesetNotFound is returned for operations on unknown versions.
	ErrRulesetNotFound = eris.New("store: ruleset version not found")

	// ErrOutOfOrder is returned when an appended note or closure would
	// violate per-customer timestamp monotonicity.
	ErrOutOfOrder = eris.New("store: append out of order for customer")

	// ErrNotReviewable is returned when a discovery card status change
	// targets a card that is missing or no longer CANDIDATE.
	ErrNotReviewable = eris.New("store: discovery card not reviewable")
)

// LeadCardFilter selects lead cards for the read API.
type LeadCardFilter struct {
	CustomerID     string  `json:"customer_id,omitempty"`
	RulesetVersion string  `json:"ruleset_version,omitempty"`
	MinScore       float64 `json:"min_score,omitempty"`
	Limit          int     `json:"limit,omitempty"`
	Offset         int     `json:"offset,omitempty"`
}

// DiscoveryCardFilter selects discovery cards for the read API.
type DiscoveryCardFilter struct {
	Status model.DiscoveryStatus `json:"status,omitempty"`
	RunID  string                `json:"run_id,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// Store defines the persistence interface for the retention engine.
type Store interface {
	// Note stream (append-only, monotonic per customer)
	AppendNote(ctx context.Context, n model.Note) error
	BulkAppendNotes(ctx context.Context, notes []model.Note) (int, error)
	GetNote(ctx context.Context, noteID string) (*model.Note, error)

	// Closure stream
	AppendClosure(ctx context.Context, c model.Closure) error
	ListClosures(ctx context.Context) ([]model.Closure, error)

	// Customer snapshots
	AppendCustomerSnapshot(ctx context.Context, s model.CustomerSnapshot) error
	// FeaturesAsOf resolves the customer's structured view as of the given
	// time. Returns (nil, nil) when the customer has no snapshot at or
	// before asOf.
	FeaturesAsOf(ctx context.Context, customerID string, asOf time.Time) (*model.CustomerFeatures, error)

	// Note snapshots (frozen prefixes of the note stream)
	MaterializeNoteSnapshot(ctx context.Context, asOf time.Time) (*model.NoteSnapshot, error)
	GetNoteSnapshot(ctx context.Context, id string) (*model.NoteSnapshot, error)
	// ListSnapshotNotes returns snapshot entries ordered by (created_ts,
	// note_id) so every replay walks them in the same order.
	ListSnapshotNotes(ctx context.Context, snapshotID string) ([]model.Note, error)

	// Ruleset registry
	InsertRuleset(ctx context.Context, version, definition string) error
	GetRuleset(ctx context.Context, version string) (*model.RulesetVersion, error)
	GetActiveRuleset(ctx context.Context) (*model.RulesetVersion, error)
	// ActivateRuleset atomically supersedes the current ACTIVE version (if
	// any) and activates the target, stamping activated_at. Concurrent
	// activations lose with ErrAlreadyActive.
	ActivateRuleset(ctx context.Context, version string) error
	ListRulesets(ctx context.Context) ([]model.RulesetVersion, error)

	// Lead cards. InsertLeadCard is conditional: it reports false (and
	// persists nothing) when a card for (note_id, ruleset_version) exists.
	InsertLeadCard(ctx context.Context, card *model.LeadCard) (bool, error)
	ListLeadCards(ctx context.Context, filter LeadCardFilter) ([]model.LeadCard, error)

	// Replay runs
	CreateReplayRun(ctx context.Context, rulesetVersion, snapshotID string, asOf time.Time) (string, error)
	CompleteReplayRun(ctx context.Context, runID string, sum *model.ReplaySummary) error
	FailReplayRun(ctx context.Context, runID, errMsg string) error

	// Discovery runs and cards
	CreateDiscoveryRun(ctx context.Context, snapshotID string, config []byte) (string, error)
	CompleteDiscoveryRun(ctx context.Context, runID string, phrasesTested, cardsEmitted int) error
	FailDiscoveryRun(ctx context.Context, runID, errMsg string) error
	// InsertDiscoveryCards persists all cards in one transaction; a
	// cancelled pipeline run must leave no partial output behind.
	InsertDiscoveryCards(ctx context.Context, cards []model.DiscoveryCard) error
	GetDiscoveryCard(ctx context.Context, cardID string) (*model.DiscoveryCard, error)
	ListDiscoveryCards(ctx context.Context, filter DiscoveryCardFilter) ([]model.DiscoveryCard, error)
	// UpdateDiscoveryCardStatus applies a terminal CANDIDATE -> APPROVED or
	// CANDIDATE -> REJECTED transition; anything else is ErrNotReviewable.
	UpdateDiscoveryCardStatus(ctx context.Context, cardID string, status model.DiscoveryStatus, severity string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
