package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult(id string, started time.Time) *engine.RunResult {
	return &engine.RunResult{
		ID:    id,
		Mode:  engine.ModeProportionalUniform,
		State: engine.StateWritten,
		Layers: []engine.LayerResult{
			{Key: "IMD", Status: engine.LayerStatusSuccess, OutputPath: "out/IMD_pct.nc", PixelsModified: 120},
			{Key: "TRV", Status: engine.LayerStatusSkipped, Message: "raster file not found"},
		},
		Warnings: []engine.Warning{
			{Code: engine.CodeMissingLayer, Layer: "TRV", Zone: -1, Message: "raster file not found"},
		},
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
	}
}

func TestRecordAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	require.NoError(t, s.RecordResult(ctx, sampleResult("run-1", started)))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "pct-uniform", run.Mode)
	assert.Equal(t, "written", run.State)
	assert.Nil(t, run.Error)
	assert.Equal(t, 1, run.Warnings)
	require.NotNil(t, run.CompletedAt)

	layers, err := s.LayerResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "IMD", layers[0].Key)
	assert.Equal(t, 120, layers[0].PixelsModified)
	assert.Equal(t, "skipped", layers[1].Status)

	warnings, err := s.Warnings(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, string(engine.CodeMissingLayer), warnings[0].Code)
	assert.Equal(t, -1, warnings[0].Zone)
}

func TestRecordFailedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := &engine.RunResult{
		ID:        "run-err",
		Mode:      engine.ModeInvalidMix,
		State:     engine.StateFailed,
		Err:       errors.New("rule set mixes replace with pct"),
		StartedAt: time.Now(),
	}
	require.NoError(t, s.RecordResult(ctx, res))

	run, err := s.GetRun(ctx, "run-err")
	require.NoError(t, err)
	assert.Equal(t, "failed", run.State)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "mixes replace")
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordResult(ctx, sampleResult(id, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := s.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	rest, err := s.ListRuns(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].ID)
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPruneRunsCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	require.NoError(t, s.RecordResult(ctx, sampleResult("old", old)))
	require.NoError(t, s.RecordResult(ctx, sampleResult("recent", recent)))

	n, err := s.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetRun(ctx, "old")
	require.Error(t, err)

	layers, err := s.LayerResults(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, layers, "cascade delete removes layer results")

	run, err := s.GetRun(ctx, "recent")
	require.NoError(t, err)
	assert.Equal(t, "recent", run.ID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordResult(ctx, sampleResult("persisted", time.Now())))
	require.NoError(t, s1.Close())

	// Migrations are a no-op the second time and data survives reopening.
	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	run, err := s2.GetRun(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", run.ID)
}
