package provenance

import (
	"context"
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

func testLog(t *testing.T, opts Options) *EventLog {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	el, err := OpenLog(opts, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Close() })
	return el
}

func mkEvent(kind Kind, id record.ID, at time.Time) *Event {
	return &Event{
		Kind:     kind,
		RecordID: id,
		Time:     at,
		Queue:    "ingest",
	}
}

func TestEventRoundtrip(t *testing.T) {
	parent := record.NewID()
	child := record.NewID()
	e := &Event{
		Kind:     KindRoute,
		RecordID: record.NewID(),
		Seq:      42,
		Time:     time.UnixMilli(1_700_000_000_000),
		Queue:    "out",
		Detail:   "matched",
		AttrsBefore: map[string]string{
			"path": "/a",
		},
		AttrsAfter: map[string]string{
			"path": "/b",
			"mime": "text/plain",
		},
		Claim: &record.ContentClaim{
			Resource: record.ResourceClaim{Container: "default", Section: "3", File: "abc"},
			Offset:   128,
			Length:   64,
		},
		Parents:  []record.ID{parent},
		Children: []record.ID{child},
	}
	buf := e.AppendTLV(nil)
	got, err := ParseTLV(buf[5:])
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEventRejectsGarbage(t *testing.T) {
	_, err := ParseTLV([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrBadEvent)

	// missing kind and id
	e := &Event{Kind: KindCreate}
	buf := e.AppendTLV(nil)
	_, err = ParseTLV(buf[5:])
	assert.ErrorIs(t, err, ErrBadEvent)
}

func TestAppendRolloverSearch(t *testing.T) {
	el := testLog(t, Options{})

	now := time.Now()
	id := record.NewID()
	other := record.NewID()
	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, id, now),
		mkEvent(KindCreate, other, now),
		mkEvent(KindAttrsModified, id, now.Add(time.Millisecond)),
	}))
	require.NoError(t, el.Rollover())

	hits, err := el.Search(context.Background(), Query{RecordID: id})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, KindCreate, hits[0].Kind)
	assert.Equal(t, KindAttrsModified, hits[1].Kind)
	assert.Less(t, hits[0].Seq, hits[1].Seq)

	hits, err = el.Search(context.Background(), Query{Kinds: []Kind{KindCreate}})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSearchFollowsLineage(t *testing.T) {
	el := testLog(t, Options{})

	now := time.Now()
	parent := record.NewID()
	child := record.NewID()
	clone := mkEvent(KindClone, parent, now)
	clone.Children = []record.ID{child}
	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, parent, now),
		clone,
		mkEvent(KindDrop, child, now.Add(time.Millisecond)),
	}))
	require.NoError(t, el.Rollover())

	// querying the child finds the clone event that produced it
	hits, err := el.Search(context.Background(), Query{RecordID: child})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, KindClone, hits[0].Kind)
	assert.Equal(t, KindDrop, hits[1].Kind)
}

func TestRolloverWritesSegment(t *testing.T) {
	dir := t.TempDir()
	el := testLog(t, Options{Dir: dir})

	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, record.NewID(), time.Now()),
	}))
	require.NoError(t, el.Rollover())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segs, plogs int
	for _, e := range entries {
		if isSegmentName(e.Name()) {
			segs++
		}
		if filepath.Ext(e.Name()) == ".plog" {
			plogs++
		}
	}
	assert.Equal(t, 1, segs, "merged generation leaves one segment")
	assert.Equal(t, 16, plogs, "only the live generation's files remain")
}

func TestSegmentRoundtripCompressed(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		el := testLog(t, Options{Dir: dir, Compress: compress})

		var want []*Event
		for i := 0; i < 40; i++ {
			want = append(want, mkEvent(KindReceive, record.NewID(), time.Now()))
		}
		require.NoError(t, el.Append(want))
		require.NoError(t, el.Rollover())

		matches, err := filepath.Glob(filepath.Join(dir, "segment-*"))
		require.NoError(t, err)
		require.Len(t, matches, 1)
		if compress {
			assert.Equal(t, ".segz", filepath.Ext(matches[0]))
		}

		got, err := ReadSegment(matches[0])
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Seq, got[i].Seq, "segment is sequence ordered")
		}
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	el, err := OpenLog(Options{Dir: dir}, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, record.NewID(), time.Now()),
		mkEvent(KindCreate, record.NewID(), time.Now()),
	}))
	last := el.LastSeq()
	require.NoError(t, el.Close())

	// unmerged log files alone must carry the sequence forward
	el2 := testLog(t, Options{Dir: dir})
	assert.Equal(t, last, el2.LastSeq())
	require.NoError(t, el2.Append([]*Event{mkEvent(KindDrop, record.NewID(), time.Now())}))
	assert.Equal(t, last+1, el2.LastSeq())
}

func TestSequenceSurvivesReopenAfterMerge(t *testing.T) {
	dir := t.TempDir()

	el, err := OpenLog(Options{Dir: dir}, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	require.NoError(t, el.Append([]*Event{mkEvent(KindCreate, record.NewID(), time.Now())}))
	require.NoError(t, el.Rollover())
	last := el.LastSeq()
	require.NoError(t, el.Close())

	el2 := testLog(t, Options{Dir: dir})
	assert.Equal(t, last, el2.LastSeq())
}

func TestRepeatedRolloverCycles(t *testing.T) {
	el := testLog(t, Options{})

	id := record.NewID()
	var total int
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 10; i++ {
			require.NoError(t, el.Append([]*Event{
				mkEvent(KindContentMod, id, time.Now()),
			}))
			total++
		}
		require.NoError(t, el.Rollover())
	}

	hits, err := el.Search(context.Background(), Query{RecordID: id})
	require.NoError(t, err)
	require.Len(t, hits, total)
	for i := 1; i < len(hits); i++ {
		assert.Equal(t, hits[i-1].Seq+1, hits[i].Seq, "no sequence gaps across cycles")
	}
}

func TestRemergeAfterCrashDoesNotDuplicate(t *testing.T) {
	dir := t.TempDir()
	el := testLog(t, Options{Dir: dir, ShardMaxDocs: 2, LogFileCount: 1})

	id := record.NewID()
	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, id, time.Now()),
		mkEvent(KindAttrsModified, id, time.Now()),
	}))

	// keep the raw generation, as if the crash hit between indexing and
	// raw-file removal
	matches, err := filepath.Glob(filepath.Join(dir, "*.plog"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	raw, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	name := filepath.Base(matches[0])

	require.NoError(t, el.Rollover())
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	require.NoError(t, el.Rollover())

	hits, err := el.Search(context.Background(), Query{RecordID: id})
	require.NoError(t, err)
	assert.Len(t, hits, 2, "a re-merged generation must not index its events twice")
}

func TestShardRotationByDocCount(t *testing.T) {
	el := testLog(t, Options{ShardMaxDocs: 5})

	var events []*Event
	for i := 0; i < 12; i++ {
		events = append(events, mkEvent(KindCreate, record.NewID(), time.Now()))
	}
	require.NoError(t, el.Append(events))
	require.NoError(t, el.Rollover())

	assert.Equal(t, 3, el.Shards().ShardCount())

	hits, err := el.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, hits, 12, "search spans all shards")
}

func TestExpireDropsOldShards(t *testing.T) {
	el := testLog(t, Options{ShardMaxDocs: 2})

	old := time.Now().Add(-48 * time.Hour)
	var events []*Event
	for i := 0; i < 4; i++ {
		events = append(events, mkEvent(KindCreate, record.NewID(), old))
	}
	// one fresh event ends up in the current shard
	events = append(events, mkEvent(KindCreate, record.NewID(), time.Now()))
	require.NoError(t, el.Append(events))
	require.NoError(t, el.Rollover())
	require.Equal(t, 3, el.Shards().ShardCount())

	require.NoError(t, el.Shards().Expire(time.Now().Add(-24*time.Hour), 0))
	assert.Equal(t, 1, el.Shards().ShardCount())

	hits, err := el.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, hits, 1, "only the current shard's event survives")
}

func TestExpireEnforcesByteBudget(t *testing.T) {
	el := testLog(t, Options{ShardMaxDocs: 2})

	var events []*Event
	for i := 0; i < 6; i++ {
		events = append(events, mkEvent(KindCreate, record.NewID(), time.Now()))
	}
	require.NoError(t, el.Append(events))
	require.NoError(t, el.Rollover())
	require.Equal(t, 3, el.Shards().ShardCount())

	// a one-byte budget forces everything but the current shard out
	require.NoError(t, el.Shards().Expire(time.Now().Add(-24*time.Hour), 1))
	assert.Equal(t, 1, el.Shards().ShardCount())
}

func TestSearchTimeRange(t *testing.T) {
	el := testLog(t, Options{})

	base := time.Now().Add(-time.Hour)
	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, record.NewID(), base),
		mkEvent(KindCreate, record.NewID(), base.Add(10*time.Minute)),
		mkEvent(KindCreate, record.NewID(), base.Add(20*time.Minute)),
	}))
	require.NoError(t, el.Rollover())

	hits, err := el.Search(context.Background(), Query{
		From: base.Add(5 * time.Minute),
		To:   base.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, base.Add(10*time.Minute).UnixMilli(), hits[0].Time.UnixMilli())
}

func TestSearchLimitAndFilter(t *testing.T) {
	el := testLog(t, Options{})

	for i := 0; i < 5; i++ {
		require.NoError(t, el.Append([]*Event{
			mkEvent(KindRoute, record.NewID(), time.Now()),
		}))
	}
	require.NoError(t, el.Rollover())

	hits, err := el.Search(context.Background(), Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = el.Search(context.Background(), Query{
		Filter: func(e *Event) bool { return e.Queue == "no-such-queue" },
	})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTornTrailingEventDropped(t *testing.T) {
	dir := t.TempDir()
	el, err := OpenLog(Options{Dir: dir, LogFileCount: 1}, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	require.NoError(t, el.Append([]*Event{
		mkEvent(KindCreate, record.NewID(), time.Now()),
		mkEvent(KindCreate, record.NewID(), time.Now()),
	}))
	require.NoError(t, el.Close())

	// chop the tail of the single log file mid-record
	matches, err := filepath.Glob(filepath.Join(dir, "*.plog"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(matches[0], data[:len(data)-7], 0o644))

	events, err := readEventFile(matches[0])
	require.NoError(t, err)
	assert.Len(t, events, 1, "intact prefix survives a torn write")
}
