package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/engine"
	"github.com/sells-group/retention-cli/internal/store"
	"github.com/sells-group/retention-cli/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "retention.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, int32(cfg.Store.MaxConns))
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore initializes the configured backend and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initMatcher() (engine.Matcher, error) {
	switch cfg.Engine.Matcher {
	case "", "deterministic":
		return engine.DeterministicMatcher{}, nil
	case "claude":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic API key is required for the claude matcher (RETENTION_ANTHROPIC_KEY)")
		}
		return engine.NewClaudeMatcher(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model), nil
	default:
		return nil, eris.Errorf("unsupported matcher: %s", cfg.Engine.Matcher)
	}
}
