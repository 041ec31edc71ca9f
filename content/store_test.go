package content

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/recflow_errors"
	"github.com/recflow/recflow/utils"
)

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Containers == nil {
		opts.Containers = map[string]string{"default": t.TempDir()}
	}
	st, err := NewStore(opts, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAppendRead(t *testing.T) {
	st := testStore(t, Options{})

	c1, err := st.Append([]byte("hello"))
	require.NoError(t, err)
	c2, err := st.Append([]byte("world!"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), c1.Length)

	rc, err := st.Read(c1)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(got))

	got, err = st.ReadAll(c2)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(got))
}

func TestAppendRotates(t *testing.T) {
	st := testStore(t, Options{MaxFileSize: 8, Sections: 1})

	var files []string
	for i := 0; i < 4; i++ {
		c, err := st.Append([]byte("12345678"))
		require.NoError(t, err)
		files = append(files, c.Resource.File)
	}
	for i := 1; i < len(files); i++ {
		assert.NotEqual(t, files[i-1], files[i], "every 8-byte write fills a file")
	}
}

func TestStripingAcrossContainers(t *testing.T) {
	st := testStore(t, Options{Containers: map[string]string{
		"left":  t.TempDir(),
		"right": t.TempDir(),
	}})

	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		c, err := st.Append([]byte("x"))
		require.NoError(t, err)
		seen[c.Resource.Container] = true
	}
	assert.Len(t, seen, 2, "round-robin must touch both containers")
}

func TestCopyOnWriteIsolation(t *testing.T) {
	st := testStore(t, Options{})

	src, err := st.Append([]byte("hello"))
	require.NoError(t, err)

	dst, err := st.CopyOnWrite(src, func(b []byte) ([]byte, error) {
		return bytes.ToUpper(b), nil
	})
	require.NoError(t, err)

	got, err := st.ReadAll(dst)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(got))

	// the source range is untouched
	got, err = st.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReadUnknownClaim(t *testing.T) {
	st := testStore(t, Options{})
	c, err := st.Append([]byte("data"))
	require.NoError(t, err)
	c.Resource.File = "no-such-file"
	_, err = st.Read(c)
	assert.ErrorIs(t, err, recflow_errors.ErrContentNotFound)
}

func TestClaimCounts(t *testing.T) {
	cm := NewClaimManager()
	rc := resClaim("f1")

	cm.Claimed(rc)
	cm.Claimed(rc)
	assert.Equal(t, int64(2), cm.Count(rc))

	cm.Released(rc)
	assert.Equal(t, int64(1), cm.Count(rc))

	// not yet zero: checkpoint confirms nothing
	cm.ConfirmReleased(cm.CheckpointPending())
	select {
	case <-cm.Eligible():
		t.Fatal("claim with live references must not become eligible")
	default:
	}

	cm.Released(rc)
	cm.ConfirmReleased(cm.CheckpointPending())
	select {
	case got := <-cm.Eligible():
		assert.Equal(t, rc, got)
	default:
		t.Fatal("zero-count claim must be eligible after checkpoint")
	}
}

func TestReleaseAfterCaptureWaitsForNextCheckpoint(t *testing.T) {
	cm := NewClaimManager()
	rc := resClaim("f5")
	cm.Claimed(rc)
	cm.Claimed(rc)
	cm.Released(rc)

	pending := cm.CheckpointPending()
	// the second release lands after the capture: the snapshot being
	// written still references the file
	cm.Released(rc)
	cm.ConfirmReleased(pending)
	select {
	case <-cm.Eligible():
		t.Fatal("a release after the capture must wait for the next checkpoint")
	default:
	}

	cm.ConfirmReleased(cm.CheckpointPending())
	select {
	case got := <-cm.Eligible():
		assert.Equal(t, rc, got)
	default:
		t.Fatal("the next checkpoint must confirm the release")
	}
}

func TestFailedCheckpointReparksReleases(t *testing.T) {
	cm := NewClaimManager()
	rc := resClaim("f6")
	cm.Claimed(rc)
	cm.Released(rc)

	pending := cm.CheckpointPending()
	cm.Repark(pending)

	cm.ConfirmReleased(cm.CheckpointPending())
	select {
	case got := <-cm.Eligible():
		assert.Equal(t, rc, got)
	default:
		t.Fatal("reparked release must confirm on the next checkpoint")
	}
}

func TestReleaseBeforeCheckpointNotEligible(t *testing.T) {
	cm := NewClaimManager()
	rc := resClaim("f2")
	cm.Claimed(rc)
	cm.Released(rc)
	// crash-before-checkpoint semantics: nothing eligible yet
	select {
	case <-cm.Eligible():
		t.Fatal("release must wait for checkpoint confirmation")
	default:
	}
}

func TestAbortedClaimImmediatelyEligible(t *testing.T) {
	cm := NewClaimManager()
	rc := resClaim("f3")
	cm.Claimed(rc)
	cm.ReleasedImmediate(rc)
	select {
	case got := <-cm.Eligible():
		assert.Equal(t, rc, got)
	default:
		t.Fatal("aborted transaction claims are immediately eligible")
	}
}

func TestCleanupDeletes(t *testing.T) {
	root := t.TempDir()
	st := testStore(t, Options{
		Containers:      map[string]string{"default": root},
		CleanupInterval: 10 * time.Millisecond,
	})

	c, err := st.Append([]byte("doomed"))
	require.NoError(t, err)
	path := filepath.Join(root, c.Resource.Section, c.Resource.File)
	_, err = os.Stat(path)
	require.NoError(t, err)

	st.Claims().Released(c.Resource)
	st.Claims().ConfirmReleased(st.Claims().CheckpointPending())

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = st.Read(c)
	assert.ErrorIs(t, err, recflow_errors.ErrContentNotFound)
}

func TestCleanupSparesReclaimedFile(t *testing.T) {
	root := t.TempDir()
	st := testStore(t, Options{
		Containers:      map[string]string{"default": root},
		Sections:        1,
		CleanupInterval: 10 * time.Millisecond,
	})

	aborted, err := st.Append([]byte("aborted"))
	require.NoError(t, err)
	st.Claims().ReleasedImmediate(aborted.Resource)

	// a committed append lands in the section's still-open file and takes
	// a live reference before cleanup gets to it
	committed, err := st.Append([]byte("committed"))
	require.NoError(t, err)

	st.cleanupOne(aborted.Resource)

	got, err := st.ReadAll(committed)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(got))
	assert.Equal(t, int64(1), st.Claims().Count(committed.Resource))
}

func TestCleanupArchivesAndExpires(t *testing.T) {
	root := t.TempDir()
	st := testStore(t, Options{
		Containers:      map[string]string{"default": root},
		Archive:         true,
		MaxArchiveAge:   500 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	c, err := st.Append([]byte("kept a while"))
	require.NoError(t, err)

	st.Claims().Released(c.Resource)
	st.Claims().ConfirmReleased(st.Claims().CheckpointPending())

	archivedPath := filepath.Join(root, c.Resource.Section, ArchiveDirName, c.Resource.File)
	require.Eventually(t, func() bool {
		_, err := os.Stat(archivedPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// archived content is still readable
	got, err := st.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "kept a while", string(got))

	// and expires once past the retention age
	require.Eventually(t, func() bool {
		_, err := os.Stat(archivedPath)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
}

func resClaim(file string) record.ResourceClaim {
	return record.ResourceClaim{Container: "default", Section: "0", File: file}
}
