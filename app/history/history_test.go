package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/backupd/app/backup"
	"github.com/umputun/backupd/app/schedule"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore_RecordAndList(t *testing.T) {
	st := newStore(t)
	ts := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

	daily := schedule.Entry{Path: "/data", Time: "14:30", Name: "daily"}
	err := st.Record(daily, backup.Result{Source: "/data", Archive: "/backups/daily.tar",
		Started: ts, Finished: ts.Add(time.Second)})
	require.NoError(t, err)

	etc := schedule.Entry{Path: "/etc", Time: "14:31", Name: "etc"}
	err = st.Record(etc, backup.Result{Source: "/etc", Archive: "/backups/etc.tar", Err: errors.New("can't archive /etc: denied"),
		Started: ts.Add(time.Minute), Finished: ts.Add(time.Minute + time.Second)})
	require.NoError(t, err)

	recs, err := st.List("", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "etc", recs[0].Name, "newest first")
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.Equal(t, "can't archive /etc: denied", recs[0].Error)
	assert.Empty(t, recs[0].Archive, "no archive for failed run")

	assert.Equal(t, "daily", recs[1].Name)
	assert.Equal(t, StatusSuccess, recs[1].Status)
	assert.Equal(t, "/backups/daily.tar", recs[1].Archive)
	assert.Equal(t, "14:30", recs[1].Trigger)
	assert.Equal(t, "/data", recs[1].Source)
	assert.True(t, ts.Equal(recs[1].StartedAt))
	assert.True(t, ts.Add(time.Second).Equal(recs[1].FinishedAt))

	recs, err = st.List("daily", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "daily", recs[0].Name)

	recs, err = st.List("", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	st := newStore(t)
	ts := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	for i := range 5 {
		res := backup.Result{Archive: "/backups/a.tar", Started: ts.AddDate(0, 0, i), Finished: ts.AddDate(0, 0, i)}
		require.NoError(t, st.Record(schedule.Entry{Path: "/a", Time: "14:30", Name: "a"}, res))
	}
	require.NoError(t, st.Record(schedule.Entry{Path: "/b", Time: "14:30", Name: "b"},
		backup.Result{Archive: "/backups/b.tar", Started: ts, Finished: ts}))

	removed, err := st.Cleanup(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	recs, err := st.List("a", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, ts.AddDate(0, 0, 4).Equal(recs[0].StartedAt), "newest kept")

	recs, err = st.List("b", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteStore_RecordKeep(t *testing.T) {
	st := newStore(t)
	st.Keep = 3
	ts := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	a := schedule.Entry{Path: "/a", Time: "14:30", Name: "a"}
	b := schedule.Entry{Path: "/b", Time: "14:30", Name: "b"}

	require.NoError(t, st.Record(b, backup.Result{Archive: "/backups/b.tar", Started: ts, Finished: ts}))
	for i := range 10 {
		res := backup.Result{Archive: "/backups/a.tar", Started: ts.AddDate(0, 0, i), Finished: ts.AddDate(0, 0, i)}
		require.NoError(t, st.Record(a, res))

		recs, err := st.List("a", 100)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(recs), 3, "never more than keep records")
	}

	recs, err := st.List("a", 100)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, ts.AddDate(0, 0, 9).Equal(recs[0].StartedAt), "newest kept")
	assert.True(t, ts.AddDate(0, 0, 7).Equal(recs[2].StartedAt))

	recs, err = st.List("b", 100)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "other jobs untouched")

	st.Keep = 0
	for i := range 5 {
		res := backup.Result{Archive: "/backups/a.tar", Started: ts.AddDate(0, 1, i), Finished: ts.AddDate(0, 1, i)}
		require.NoError(t, st.Record(a, res))
	}
	recs, err = st.List("a", 100)
	require.NoError(t, err)
	assert.Len(t, recs, 8, "no trimming with zero keep")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Record(schedule.Entry{Path: "/a", Time: "10:00", Name: "a"}, backup.Result{Archive: "/x.tar"}))
	require.NoError(t, st.Close())

	st, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.List("", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNewSQLiteStore_BadPath(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "no-such-dir", "history.db"))
	assert.Error(t, err)
}
