package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/uiprobe/lib/runner"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func summaryWith(runID string, results ...runner.Result) runner.Summary {
	s := runner.Summary{RunID: runID, StartedAt: time.Now()}
	for _, r := range results {
		s.Add(r)
	}
	s.Finish()
	return s
}

func TestRecordRunAndRecentOutcomes(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.RecordRun(summaryWith("run-1",
		runner.Result{Scenario: "scroll-bar", Status: runner.Passed, Duration: 1200 * time.Millisecond},
		runner.Result{Scenario: "text-input", Status: runner.Failed, Reason: "snapshot mismatch", Duration: 800 * time.Millisecond},
	)))
	require.NoError(t, st.RecordRun(summaryWith("run-2",
		runner.Result{Scenario: "scroll-bar", Status: runner.Errored, Reason: "launch failed"},
	)))

	records, err := st.RecentOutcomes("scroll-bar", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "scroll-bar", rec.Scenario)
		assert.False(t, rec.CreatedAt.IsZero())
	}

	records, err = st.RecentOutcomes("text-input", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Equal(t, string(runner.Failed), records[0].Status)
	assert.Equal(t, "snapshot mismatch", records[0].Reason)
	assert.Equal(t, int64(800), records[0].DurationMs)
}

func TestRecentOutcomes_Limit(t *testing.T) {
	st := openStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.RecordRun(summaryWith("run",
			runner.Result{Scenario: "scroll-bar", Status: runner.Passed})))
	}

	records, err := st.RecentOutcomes("scroll-bar", 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRecordRun_EmptySummary(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.RecordRun(runner.Summary{RunID: "empty"}))

	records, err := st.RecentOutcomes("anything", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOpen_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.RecordRun(summaryWith("run-1",
		runner.Result{Scenario: "text-input", Status: runner.Passed})))
	require.NoError(t, st.Close())

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()
	records, err := st.RecentOutcomes("text-input", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
