// Package registry manages the ruleset version lifecycle. A submitted
// definition starts as DRAFT, a single version is ACTIVE at a time, and
// activation supersedes the previous active version.
package registry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/rules"
	"github.com/sells-group/retention-cli/internal/store"
)

type Registry struct {
	store store.Store
}

func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// Submit validates a ruleset definition and records it as a DRAFT version.
// The version is taken from the definition itself so the stored document and
// its registry entry cannot drift apart.
func (r *Registry) Submit(ctx context.Context, definition []byte) (*rules.Ruleset, error) {
	rs, err := rules.Parse(definition)
	if err != nil {
		return nil, eris.Wrap(err, "registry: submit")
	}

	if existing, err := r.store.GetRuleset(ctx, rs.Version); err == nil && existing != nil {
		return nil, eris.Errorf("registry: version %s already exists", rs.Version)
	} else if err != nil && !eris.Is(err, store.ErrRulesetNotFound) {
		return nil, eris.Wrap(err, "registry: submit")
	}

	if err := r.store.InsertRuleset(ctx, rs.Version, string(definition)); err != nil {
		return nil, eris.Wrap(err, "registry: submit")
	}

	zap.L().Info("ruleset submitted",
		zap.String("version", rs.Version),
		zap.Int("rules", len(rs.Rules)),
	)
	return rs, nil
}

// Activate promotes a DRAFT or SUPERSEDED version to ACTIVE, demoting the
// current active version in the same transaction.
func (r *Registry) Activate(ctx context.Context, version string) error {
	if err := r.store.ActivateRuleset(ctx, version); err != nil {
		return eris.Wrapf(err, "registry: activate %s", version)
	}
	zap.L().Info("ruleset activated", zap.String("version", version))
	return nil
}

// GetActive returns the parsed active ruleset and its version record.
func (r *Registry) GetActive(ctx context.Context) (*rules.Ruleset, *model.RulesetVersion, error) {
	rec, err := r.store.GetActiveRuleset(ctx)
	if err != nil {
		return nil, nil, err
	}
	rs, err := rules.Parse([]byte(rec.Definition))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "registry: stored active ruleset %s is invalid", rec.Version)
	}
	return rs, rec, nil
}

// Get returns the parsed ruleset for a specific version.
func (r *Registry) Get(ctx context.Context, version string) (*rules.Ruleset, *model.RulesetVersion, error) {
	rec, err := r.store.GetRuleset(ctx, version)
	if err != nil {
		return nil, nil, err
	}
	rs, err := rules.Parse([]byte(rec.Definition))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "registry: stored ruleset %s is invalid", version)
	}
	return rs, rec, nil
}

// List returns all recorded versions in submission order.
func (r *Registry) List(ctx context.Context) ([]model.RulesetVersion, error) {
	return r.store.ListRulesets(ctx)
}
