package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

const rulesetV1 = `
version: v1
min_score: 1.0
rules:
  - id: payoff_mention
    weight: 1.0
    predicate:
      kind: substring_match
      pattern: payoff
`

const rulesetV2 = `
version: v2
min_score: 1.5
rules:
  - id: payoff_mention
    weight: 1.0
    predicate:
      kind: substring_match
      pattern: payoff
  - id: rate_concern
    weight: 0.8
    predicate:
      kind: substring_match
      pattern: rate
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func TestRegistry_SubmitAndActivate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rs, err := reg.Submit(ctx, []byte(rulesetV1))
	require.NoError(t, err)
	assert.Equal(t, "v1", rs.Version)

	// No active version until activation.
	_, _, err = reg.GetActive(ctx)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNoActiveRuleset))

	require.NoError(t, reg.Activate(ctx, "v1"))

	active, rec, err := reg.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
	assert.Equal(t, model.RulesetStatusActive, rec.Status)
	require.Len(t, active.Rules, 1)
}

func TestRegistry_SubmitRejectsInvalid(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Submit(context.Background(), []byte("version: v1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no rules")
}

func TestRegistry_SubmitRejectsDuplicateVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Submit(ctx, []byte(rulesetV1))
	require.NoError(t, err)

	_, err = reg.Submit(ctx, []byte(rulesetV1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRegistry_ActivationSupersedes(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Submit(ctx, []byte(rulesetV1))
	require.NoError(t, err)
	_, err = reg.Submit(ctx, []byte(rulesetV2))
	require.NoError(t, err)

	require.NoError(t, reg.Activate(ctx, "v1"))
	require.NoError(t, reg.Activate(ctx, "v2"))

	active, _, err := reg.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Version)
	assert.Len(t, active.Rules, 2)

	// The superseded version stays retrievable for replays.
	old, rec, err := reg.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", old.Version)
	assert.Equal(t, model.RulesetStatusSuperseded, rec.Status)

	versions, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestRegistry_ConcurrentActivation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Submit(ctx, []byte(rulesetV1))
	require.NoError(t, err)
	_, err = reg.Submit(ctx, []byte(rulesetV2))
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "v1"))

	// Two racing activations of the same version: one wins, the other
	// observes the already-active target.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Activate(ctx, "v2")
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, alreadyActive int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case eris.Is(err, store.ErrAlreadyActive):
			alreadyActive++
		default:
			t.Fatalf("unexpected activation error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, alreadyActive)

	// Exactly one ACTIVE row survives the race.
	versions, err := reg.List(ctx)
	require.NoError(t, err)
	active := 0
	for _, v := range versions {
		if v.Status == model.RulesetStatusActive {
			active++
			assert.Equal(t, "v2", v.Version)
		}
	}
	assert.Equal(t, 1, active)
}

func TestRegistry_ActivateUnknownVersion(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Activate(context.Background(), "v9")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrRulesetNotFound))
}

func TestRegistry_GetUnknownVersion(t *testing.T) {
	reg := newTestRegistry(t)

	_, _, err := reg.Get(context.Background(), "v9")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrRulesetNotFound))
}
