//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/config"
)

func TestRootCmd_RegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{
		"ingest", "snapshot", "ruleset", "replay", "evaluate", "cards", "discover",
	} {
		assert.True(t, names[want], "command %q not registered", want)
	}
}

func TestRootCmd_PersistentPreRunE_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	oldCfg := cfg
	cfg = nil
	defer func() { cfg = oldCfg }()

	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	oldCfg := cfg
	cfg = &config.Config{Store: config.StoreConfig{Driver: "oracle"}}
	defer func() { cfg = oldCfg }()

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitMatcher(t *testing.T) {
	oldCfg := cfg
	defer func() { cfg = oldCfg }()

	cfg = &config.Config{}
	m, err := initMatcher()
	require.NoError(t, err)
	require.NotNil(t, m)

	cfg = &config.Config{Engine: config.EngineConfig{Matcher: "claude"}}
	_, err = initMatcher()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	cfg = &config.Config{
		Engine:    config.EngineConfig{Matcher: "claude"},
		Anthropic: config.AnthropicConfig{Key: "test-key", Model: "claude-haiku-4-5-20251001"},
	}
	m, err = initMatcher()
	require.NoError(t, err)
	require.NotNil(t, m)

	cfg = &config.Config{Engine: config.EngineConfig{Matcher: "bayesian"}}
	_, err = initMatcher()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported matcher")
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2025-06-01T10:30:00Z", time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{"2025-06-01 10:30:00", time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseTime(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}

	_, err := parseTime("June 1st")
	require.Error(t, err)
}

func TestReadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"note_id,customer_id,created_ts,text\n"+
			"n1,c1,2025-06-01,asked for a payoff quote\n"+
			"n2,c1,2025-06-02,\"rate question, wants a callback\"\n",
	), 0o644))

	rows, err := readCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 2, "header row is skipped")
	assert.Equal(t, "n1", rows[0][0])
	assert.Equal(t, "rate question, wants a callback", rows[1][3])
}

func TestReadCSV_NoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closures.csv")
	require.NoError(t, os.WriteFile(path, []byte("c1,2025-06-01\nc2,2025-06-15\n"), 0o644))

	rows, err := readCSV(path)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReadCSV_MissingPath(t *testing.T) {
	_, err := readCSV("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--csv is required")

	_, err = readCSV(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}

func TestParseSnapshotRow(t *testing.T) {
	snap, err := parseSnapshotRow([]string{"c1", "2025-06-01", "5.25", "60", "2023-01-15"})
	require.NoError(t, err)
	assert.Equal(t, "c1", snap.CustomerID)
	assert.InDelta(t, 5.25, snap.Rate, 1e-9)
	assert.Equal(t, 60, snap.TermMonths)
	assert.Equal(t, 2023, snap.OriginationDate.Year())

	_, err = parseSnapshotRow([]string{"c1", "2025-06-01", "not-a-rate", "60", "2023-01-15"})
	require.Error(t, err)

	_, err = parseSnapshotRow([]string{"c1", "2025-06-01", "5.25", "sixty", "2023-01-15"})
	require.Error(t, err)
}

func TestDiscoveryConfig_MapsConfig(t *testing.T) {
	oldCfg := cfg
	cfg = &config.Config{
		Discovery: config.DiscoveryConfig{
			MaxNgram:      2,
			HorizonDays:   45,
			MinSupport:    10,
			FDRThreshold:  0.05,
			ClosurePolicy: "any",
		},
	}
	defer func() { cfg = oldCfg }()

	dcfg := discoveryConfig()
	assert.Equal(t, 2, dcfg.MaxNgram)
	assert.Equal(t, 45, dcfg.HorizonDays)
	assert.Equal(t, 10, dcfg.MinSupport)
	assert.InDelta(t, 0.05, dcfg.FDRThreshold, 1e-9)
	assert.Equal(t, "any", dcfg.ClosurePolicy)
	// Unset knobs keep their defaults.
	assert.Equal(t, 200, dcfg.MaxCards)
	assert.Equal(t, 3, dcfg.MaxExamples)
}
