package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"memprof/internal/store"
)

type fakeRunStore struct {
	runs         []store.Run
	measurements []store.Measurement
	finished     map[string]string
	results      map[string][]byte
	closed       bool
}

func (f *fakeRunStore) CreateRun(ctx context.Context, r store.Run) (string, error) {
	r.RunID = "run-1"
	f.runs = append(f.runs, r)
	return r.RunID, nil
}

func (f *fakeRunStore) AddMeasurement(ctx context.Context, m store.Measurement) error {
	f.measurements = append(f.measurements, m)
	return nil
}

func (f *fakeRunStore) FinishRun(ctx context.Context, runID string, status string, resultJSON []byte) error {
	if f.finished == nil {
		f.finished = make(map[string]string)
		f.results = make(map[string][]byte)
	}
	f.finished[runID] = status
	f.results[runID] = resultJSON
	return nil
}

func (f *fakeRunStore) Close() { f.closed = true }

func useFakeRunStore(t *testing.T) *fakeRunStore {
	t.Helper()
	fake := &fakeRunStore{}
	prev := openRunStore
	openRunStore = func(ctx context.Context, dsn string) (runStore, error) {
		require.Equal(t, "postgres://fake/memprof", dsn)
		return fake, nil
	}
	t.Cleanup(func() { openRunStore = prev })
	return fake
}

func launcherConfig(t *testing.T, python string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "memprof.yaml")
	doc := "max_num_models: 2\nlauncher:\n  python: " + python + "\n"
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))
	return p
}

func TestProfile_RecordsRun(t *testing.T) {
	setStorage(t)
	fake := useFakeRunStore(t)
	dir := filepath.Join(t.TempDir(), "dyn")

	_, err := execute(t, "--dsn", "postgres://fake/memprof", "profile",
		"--config", launcherConfig(t, "echo"), "--profile-dir", dir,
		"--min-batch-size", "8", "--max-batch-size", "16")
	require.NoError(t, err)

	require.Len(t, fake.runs, 1)
	run := fake.runs[0]
	require.Equal(t, "running", run.Status)
	require.Equal(t, "dynamic", run.Mode)
	require.Equal(t, "resnet50", run.Arch)
	require.Equal(t, dir, run.ProfileDir)

	require.Len(t, fake.measurements, 2)
	for i, lbs := range []int{8, 16} {
		m := fake.measurements[i]
		require.Equal(t, "run-1", m.RunID)
		require.Equal(t, lbs, m.LocalBatchSize)
		require.Equal(t, 2, m.MaxNumModels)
	}

	require.Equal(t, "ok", fake.finished["run-1"])
	var result map[string]any
	require.NoError(t, json.Unmarshal(fake.results["run-1"], &result))
	require.Equal(t, float64(2), result["measurements"])
	require.NotContains(t, result, "error")
	require.True(t, fake.closed)
}

func TestProfile_RecordsFailedRun(t *testing.T) {
	setStorage(t)
	fake := useFakeRunStore(t)

	// "false" exits 1 without an out-of-memory marker, which aborts profiling.
	_, err := execute(t, "--dsn", "postgres://fake/memprof", "profile",
		"--config", launcherConfig(t, "false"), "--profile-dir", t.TempDir(), "-lbs", "8")
	require.ErrorContains(t, err, "training exited with code 1")

	require.Empty(t, fake.measurements)
	require.Equal(t, "failed", fake.finished["run-1"])
	var result map[string]any
	require.NoError(t, json.Unmarshal(fake.results["run-1"], &result))
	require.Contains(t, result["error"], "training exited")
	require.True(t, fake.closed)
}

func TestMeasurementJSONKeys(t *testing.T) {
	b, err := json.Marshal(store.Measurement{RunID: "r", LocalBatchSize: 8, MaxNumModels: 2, Attempts: 3})
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	for _, k := range []string{"run_id", "local_batch_size", "max_num_models", "attempts", "recorded_at"} {
		require.Contains(t, got, k)
	}
}

// TestRunHistory_Postgres needs a PostgreSQL with sql/schema.sql applied, e.g.
// MEMPROF_TEST_DSN=postgres://localhost/memprof_test go test ./internal/cli
func TestRunHistory_Postgres(t *testing.T) {
	dsn := os.Getenv("MEMPROF_TEST_DSN")
	if dsn == "" {
		t.Skip("MEMPROF_TEST_DSN not set")
	}
	setStorage(t)

	_, err := execute(t, "--dsn", dsn, "db", "init", "--schema", "../../sql/schema.sql")
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "dyn")
	_, err = execute(t, "--dsn", dsn, "profile", "--config", launcherConfig(t, "echo"),
		"--profile-dir", dir, "--min-batch-size", "4", "--max-batch-size", "8")
	require.NoError(t, err)

	out, err := execute(t, "--dsn", dsn, "runs", "list", "--limit", "50")
	require.NoError(t, err)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	var runID string
	for _, r := range runs {
		if r.ProfileDir == dir {
			runID = r.RunID
			require.Equal(t, "ok", r.Status)
			require.Equal(t, "dynamic", r.Mode)
		}
	}
	require.NotEmpty(t, runID)

	out, err = execute(t, "--dsn", dsn, "runs", "show", runID)
	require.NoError(t, err)
	var ms []store.Measurement
	require.NoError(t, json.Unmarshal([]byte(out), &ms))
	require.Len(t, ms, 2)
	require.Equal(t, 4, ms[0].LocalBatchSize)
	require.Equal(t, 8, ms[1].LocalBatchSize)
}
