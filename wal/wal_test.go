package wal

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/utils"
)

func testLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir, true, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	return l
}

func mkRecord(attrs map[string]string) *record.Record {
	return &record.Record{
		ID:           record.NewID(),
		Attrs:        attrs,
		Queue:        "q1",
		Entry:        time.Now(),
		LineageStart: time.Now(),
	}
}

func TestAppendRecover(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"a": "1"})
	r2 := mkRecord(map[string]string{"b": "2"})
	require.NoError(t, l.Append([]*record.Delta{
		{Op: record.OpCreate, Rec: r1},
		{Op: record.OpCreate, Rec: r2},
	}))
	r1b := r1.Clone()
	r1b.Attrs = map[string]string{"a": "changed"}
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpUpdate, Rec: r1b}}))
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpDelete, Rec: r2}}))
	require.NoError(t, l.Close())

	// crash before checkpoint: replay journal from an empty snapshot
	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "changed", recs[r1.ID].Attrs["a"])
}

func TestRotateCheckpointDiscardsJournal(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"k": "v"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r1}}))
	require.NoError(t, l.Rotate())
	require.NoError(t, l.Checkpoint([]*record.Record{r1}))

	st, err := os.Stat(filepath.Join(dir, JournalName))
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size(), "rotation leaves a fresh journal")
	_, err = os.Stat(filepath.Join(dir, PrevJournalName))
	assert.True(t, os.IsNotExist(err), "checkpoint removes the rotated journal it subsumes")

	// a post-checkpoint delta replays on top of the snapshot
	r2 := mkRecord(nil)
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r2}}))
	require.NoError(t, l.Close())

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, "v", recs[r1.ID].Attrs["k"])
}

func TestCommitDuringCheckpointSurvives(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"n": "1"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r1}}))

	// the checkpoint captured {r1} and rotated; a commit lands while the
	// snapshot is still streaming to disk
	require.NoError(t, l.Rotate())
	r2 := mkRecord(map[string]string{"n": "2"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r2}}))
	require.NoError(t, l.Checkpoint([]*record.Record{r1}))
	require.NoError(t, l.Close())

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Contains(t, recs, r2.ID,
		"a commit acknowledged during the checkpoint must survive recovery")
}

func TestCrashBetweenRotateAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"n": "1"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r1}}))
	require.NoError(t, l.Rotate())
	r2 := mkRecord(map[string]string{"n": "2"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r2}}))
	// crash here: the snapshot never made it, both journals remain
	require.NoError(t, l.Close())

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// the next rotation folds the leftover journal in, keeping frame order
	require.NoError(t, l2.Rotate())
	r3 := mkRecord(map[string]string{"n": "3"})
	require.NoError(t, l2.Append([]*record.Delta{{Op: record.OpCreate, Rec: r3}}))
	require.NoError(t, l2.Checkpoint([]*record.Record{recs[r1.ID], recs[r2.ID]}))
	require.NoError(t, l2.Close())

	l3 := testLog(t, dir)
	recs, err = l3.Recover()
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestPartialCheckpointDiscarded(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"k": "old"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r1}}))
	require.NoError(t, l.Checkpoint([]*record.Record{r1}))
	require.NoError(t, l.Close())

	// simulate a crash mid-checkpoint: a truncated partial next to a
	// valid snapshot
	snap, err := os.ReadFile(filepath.Join(dir, SnapshotName))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, PartialName), snap[:len(snap)/2], 0o644))

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "old", recs[r1.ID].Attrs["k"])
	_, err = os.Stat(filepath.Join(dir, PartialName))
	assert.True(t, os.IsNotExist(err))
}

func TestCompletePartialPromoted(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"k": "new"})
	require.NoError(t, l.Checkpoint([]*record.Record{r1}))
	require.NoError(t, l.Close())

	// a fully written partial that only missed its rename wins over the
	// older snapshot
	snap, err := os.ReadFile(filepath.Join(dir, SnapshotName))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, SnapshotName)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PartialName), snap, 0o644))

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[r1.ID].Attrs["k"])

	_, err = os.Stat(filepath.Join(dir, SnapshotName))
	assert.NoError(t, err, "partial must be renamed into place")
}

func TestCorruptJournalTailDropped(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(map[string]string{"n": "1"})
	r2 := mkRecord(map[string]string{"n": "2"})
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r1}}))
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r2}}))
	require.NoError(t, l.Close())

	// chop the last frame in half
	path := filepath.Join(dir, JournalName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 1, "only the intact frame replays")
	assert.Contains(t, recs, r1.ID)
}

func TestSwapRegistrySurvivesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir)

	r1 := mkRecord(nil)
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpCreate, Rec: r1}}))
	require.NoError(t, l.Append([]*record.Delta{{Op: record.OpSwapOut, Rec: r1, SwapID: "swap-1"}}))
	require.NoError(t, l.Checkpoint(nil))
	require.NoError(t, l.Close())

	l2 := testLog(t, dir)
	recs, err := l2.Recover()
	require.NoError(t, err)
	assert.Empty(t, recs, "swapped-out record is not in the cache")
	assert.Equal(t, []string{"swap-1"}, l2.SwapFiles())

	// swap-in consumes the registration
	require.NoError(t, l2.Append([]*record.Delta{{Op: record.OpSwapIn, Rec: r1, SwapID: "swap-1"}}))
	require.NoError(t, l2.Close())

	l3 := testLog(t, dir)
	recs, err = l3.Recover()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Empty(t, l3.SwapFiles())
}
