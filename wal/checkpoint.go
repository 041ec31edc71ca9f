package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash"

	"github.com/recflow/recflow/protocol"
	"github.com/recflow/recflow/record"
)

// Snapshot file layout:
//
//	V  format version (1 byte)
//	S  live swap file id, repeated
//	F  serialized record, repeated
//	Z  footer: record count (8 bytes BE) + xxhash64 of all F bodies
//
// The footer doubles as the completeness marker: a partial file without a
// valid footer is discarded during recovery.

// Checkpoint writes every record in recs plus the live swap file set to a
// partial file, fsyncs it, atomically renames it over the previous
// snapshot and removes the rotated-out journal the snapshot subsumes. The
// previous snapshot stays valid until the rename has happened, so a crash
// at any byte offset leaves a recoverable state.
//
// The caller captures the record set and calls Rotate under its commit
// lock, then calls here with the lock released: commits appended while
// the snapshot streams land in the fresh journal and replay on top of it.
// A Checkpoint without a prior Rotate is also safe, the live journal just
// keeps its frames and replays them over the snapshot.
func (l *Log) Checkpoint(recs []*record.Record) error {
	start := time.Now()
	partial := filepath.Join(l.dir, PartialName)

	f, err := os.Create(partial)
	if err != nil {
		return err
	}

	hash := xxhash.New()
	buf := protocol.Record('V', []byte{formatVersion})
	for _, id := range l.SwapFiles() {
		buf = protocol.Append(buf, 'S', []byte(id))
	}
	if _, err = f.Write(buf); err != nil {
		f.Close()
		return err
	}

	count := uint64(0)
	for _, r := range recs {
		frec := r.AppendTLV(nil)
		_, _ = hash.Write(frec)
		if _, err = f.Write(frec); err != nil {
			f.Close()
			return err
		}
		count++
	}

	var footer [16]byte
	binary.BigEndian.PutUint64(footer[:8], count)
	binary.BigEndian.PutUint64(footer[8:], hash.Sum64())
	if _, err = f.Write(protocol.Record('Z', footer[:])); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	if err = os.Rename(partial, filepath.Join(l.dir, SnapshotName)); err != nil {
		return err
	}
	l.syncDir()

	// the snapshot now subsumes the rotated-out journal
	if err = os.Remove(filepath.Join(l.dir, PrevJournalName)); err != nil && !os.IsNotExist(err) {
		return err
	}

	CheckpointRecords.Set(float64(count))
	CheckpointDuration.Observe(float64(time.Since(start).Milliseconds()))
	l.log.Debug("checkpoint complete", "records", count, "took", time.Since(start))
	return nil
}

// syncDir makes the rename itself durable. Failure is logged, not fatal:
// the data is safe either way, only the rename may be replayed.
func (l *Log) syncDir() {
	d, err := os.Open(l.dir)
	if err != nil {
		return
	}
	if err = d.Sync(); err != nil {
		l.log.Warn("wal dir sync failed", "err", err)
	}
	_ = d.Close()
}
