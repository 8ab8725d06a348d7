// Package model defines the durable entities of the retention engine:
// the append-only note and closure streams, point-in-time customer
// snapshots, versioned rulesets, and the derived lead/discovery cards.
package model

import (
	"time"
)

// Note is a single free-text customer note. Notes are append-only and are
// the primary replay unit; they are never mutated or deleted.
type Note struct {
	ID         string    `json:"note_id" db:"note_id"`
	CustomerID string    `json:"customer_id" db:"customer_id"`
	CreatedTS  time.Time `json:"created_ts" db:"created_ts"`
	Text       string    `json:"text" db:"note_text"`
}

// CustomerSnapshot is a point-in-time copy of a customer's structured
// attributes. Immutable once written; a customer accumulates snapshots
// ordered by SnapshotTS.
type CustomerSnapshot struct {
	CustomerID      string    `json:"customer_id" db:"customer_id"`
	SnapshotTS      time.Time `json:"snapshot_ts" db:"snapshot_ts"`
	Rate            float64   `json:"rate" db:"rate"`
	TermMonths      int       `json:"term_months" db:"term_months"`
	OriginationDate time.Time `json:"origination_date" db:"origination_date"`
}

// Closure marks an outcome event for a customer. It is the dependent
// variable for discovery statistics.
type Closure struct {
	CustomerID string    `json:"customer_id" db:"customer_id"`
	ClosureTS  time.Time `json:"closure_ts" db:"closure_ts"`
}

// NoteSnapshot is a frozen prefix (by created_ts) of the live note stream,
// materialized so replay and discovery runs are unaffected by concurrent
// ingestion.
type NoteSnapshot struct {
	ID        string    `json:"id" db:"id"`
	AsOf      time.Time `json:"as_of" db:"as_of"`
	NoteCount int       `json:"note_count" db:"note_count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RulesetStatus is the lifecycle state of a ruleset version.
type RulesetStatus string

const (
	RulesetStatusDraft      RulesetStatus = "DRAFT"
	RulesetStatusActive     RulesetStatus = "ACTIVE"
	RulesetStatusSuperseded RulesetStatus = "SUPERSEDED"
)

// RulesetVersion is an immutable, versioned bundle of scoring rules.
// Definition holds the YAML document as submitted, so versions remain
// diffable and auditable. At most one version is ACTIVE at any instant.
type RulesetVersion struct {
	Version     string        `json:"version" db:"version"`
	Status      RulesetStatus `json:"status" db:"status"`
	Definition  string        `json:"definition" db:"definition"`
	ActivatedAt *time.Time    `json:"activated_at,omitempty" db:"activated_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// CustomerFeatures is the structured view of a customer resolved as of an
// evaluation timestamp: the latest snapshot at or before that time, the
// rate delta against the preceding snapshot, and the account age.
// Pointer fields are nil when the underlying data does not exist.
type CustomerFeatures struct {
	CustomerID     string   `json:"customer_id"`
	CurrentRate    *float64 `json:"current_rate,omitempty"`
	PrevRate       *float64 `json:"prev_rate,omitempty"`
	RateDiff       *float64 `json:"rate_diff,omitempty"`
	TermMonths     *int     `json:"term_months,omitempty"`
	AccountAgeDays *int     `json:"account_age_days,omitempty"`
}

// RuleHit records one rule that matched during evaluation. Confidence is
// 1.0 for deterministic predicate matches; the optional semantic matcher
// reports its own confidence, floored by the ruleset.
type RuleHit struct {
	RuleID     string  `json:"rule_id"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
	Weight     float64 `json:"weight"`
}

// LeadCard is a persisted, explainable scoring result for one note against
// one ruleset version. Exactly one card exists per (note_id,
// ruleset_version); cards are immutable once created.
type LeadCard struct {
	ID             string           `json:"id" db:"id"`
	CustomerID     string           `json:"customer_id" db:"customer_id"`
	NoteID         string           `json:"note_id" db:"note_id"`
	Score          float64          `json:"score" db:"score"`
	RuleHits       []RuleHit        `json:"rule_hits" db:"rule_hits"`
	Features       CustomerFeatures `json:"features" db:"features"`
	Explanation    string           `json:"explanation" db:"explanation"`
	AgentVersion   string           `json:"agent_version" db:"agent_version"`
	RulesetVersion string           `json:"ruleset_version" db:"ruleset_version"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// DiscoveryStatus is the review state of a discovery card.
type DiscoveryStatus string

const (
	DiscoveryStatusCandidate DiscoveryStatus = "CANDIDATE"
	DiscoveryStatusApproved  DiscoveryStatus = "APPROVED"
	DiscoveryStatusRejected  DiscoveryStatus = "REJECTED"
)

// DiscoveryCard is a candidate rule proposal mined from the note stream,
// pending human approval. APPROVED and REJECTED are terminal.
type DiscoveryCard struct {
	ID        string          `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	Phrase    string          `json:"phrase" db:"phrase"`
	Support   int             `json:"support" db:"support"`
	Lift      float64         `json:"lift" db:"lift"`
	OddsRatio float64         `json:"odds_ratio" db:"odds_ratio"`
	PValue    float64         `json:"p_value" db:"p_value"`
	FDR       float64         `json:"fdr" db:"fdr"`
	Examples  []string        `json:"examples" db:"examples"`
	Status    DiscoveryStatus `json:"status" db:"status"`
	Severity  string          `json:"severity,omitempty" db:"severity"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// RunStatus is the lifecycle state of a replay or discovery run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ReplaySummary tallies the outcome of a replay run. Runs always complete
// and report these counts; gaps and per-rule errors never abort the batch.
type ReplaySummary struct {
	Processed         int `json:"processed"`
	Emitted           int `json:"emitted"`
	Deduped           int `json:"deduped"`
	SkippedNoSnapshot int `json:"skipped_no_snapshot"`
	RuleErrors        int `json:"rule_errors"`
}

// ReplayRun records one deterministic replay of a note snapshot against a
// ruleset version.
type ReplayRun struct {
	ID             string         `json:"id" db:"id"`
	RulesetVersion string         `json:"ruleset_version" db:"ruleset_version"`
	SnapshotID     string         `json:"snapshot_id" db:"snapshot_id"`
	AsOf           time.Time      `json:"as_of" db:"as_of"`
	Status         RunStatus      `json:"status" db:"status"`
	Summary        *ReplaySummary `json:"summary,omitempty" db:"summary"`
	Error          string         `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// DiscoveryRun records one batch mining pass over a note snapshot.
type DiscoveryRun struct {
	ID            string     `json:"id" db:"id"`
	SnapshotID    string     `json:"snapshot_id" db:"snapshot_id"`
	Config        []byte     `json:"config" db:"config"`
	Status        RunStatus  `json:"status" db:"status"`
	PhrasesTested int        `json:"phrases_tested" db:"phrases_tested"`
	CardsEmitted  int        `json:"cards_emitted" db:"cards_emitted"`
	Error         string     `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
