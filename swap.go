package recflow

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/recflow/recflow/protocol"
	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/recflow_errors"
	"github.com/recflow/recflow/utils"
)

// Swap files offload the tail of an oversized queue from memory. A file
// holds one batch of serialized records with a count + checksum trailer:
//
//	F  serialized record, repeated
//	Z  record count (8 bytes BE) + xxhash64 of all F records
//
// The metadata log tracks which swap files are live, so recovery knows
// the offloaded records exist without loading them.

const swapSuffix = ".swap"

// SwapOut offloads the lowest-priority records of queue in batches of
// SwapBatchSize until the queue's live count is back under
// SwapThreshold. It returns the ids of the swap files written; an
// already-small queue yields none.
func (r *Repo) SwapOut(queue string) ([]string, error) {
	if r.closed.Load() {
		return nil, recflow_errors.ErrRepoClosed
	}
	r.commitLock.RLock()
	defer r.commitLock.RUnlock()

	var candidates []*record.Record
	r.cache.Range(func(_ string, rec *record.Record) bool {
		if rec.Queue == queue {
			candidates = append(candidates, rec)
		}
		return true
	})
	if len(candidates) <= r.opts.SwapThreshold {
		return nil, nil
	}

	// newest queue entries are processed last, so they go first; the
	// min-heap pops them in priority order whatever the queue size
	heap := utils.FuncHeap[*record.Record]{
		Less: func(a, b *record.Record) bool { return a.Entry.After(b.Entry) },
	}
	for _, rec := range candidates {
		heap.Push(rec)
	}

	var ids []string
	live := len(candidates)
	for live > r.opts.SwapThreshold {
		batch := make([]*record.Record, 0, r.opts.SwapBatchSize)
		for len(batch) < r.opts.SwapBatchSize && heap.Len() > 0 {
			batch = append(batch, heap.Pop())
		}
		id, err := r.swapOutBatch(batch)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		live -= len(batch)
		SwapCount.WithLabelValues("out").Add(float64(len(batch)))
	}
	r.log.Info("queue swapped out", "queue", queue, "files", len(ids), "remaining", live)
	return ids, nil
}

func (r *Repo) swapOutBatch(batch []*record.Record) (string, error) {
	id := uuid.NewString() + swapSuffix
	path := filepath.Join(r.opts.swapDir(), id)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	hash := xxhash.New()
	for _, rec := range batch {
		frec := rec.AppendTLV(nil)
		_, _ = hash.Write(frec)
		if _, err = f.Write(frec); err != nil {
			f.Close()
			return "", err
		}
	}
	var footer [16]byte
	binary.BigEndian.PutUint64(footer[:8], uint64(len(batch)))
	binary.BigEndian.PutUint64(footer[8:], hash.Sum64())
	if _, err = f.Write(protocol.Record('Z', footer[:])); err != nil {
		f.Close()
		return "", err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}

	// the file is durable; now the log takes over so the next checkpoint
	// and recovery both know these records live on disk
	deltas := make([]*record.Delta, len(batch))
	for i, rec := range batch {
		deltas[i] = &record.Delta{Op: record.OpSwapOut, Rec: rec, SwapID: id}
	}
	if err = r.wal.Append(deltas); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	for _, rec := range batch {
		r.cache.Delete(rec.ID.String())
	}
	CacheRecords.Set(float64(r.cache.Len()))
	return id, nil
}

// SwapIn loads a swap file back into the cache and consumes it. A
// truncated or tampered file fails with ErrSwapCorrupt and is left in
// place for inspection; its records stay absent.
func (r *Repo) SwapIn(id string) error {
	if r.closed.Load() {
		return recflow_errors.ErrRepoClosed
	}
	registered := false
	for _, s := range r.wal.SwapFiles() {
		if s == id {
			registered = true
			break
		}
	}
	if !registered {
		return recflow_errors.ErrSwapUnknown
	}

	path := filepath.Join(r.opts.swapDir(), id)
	recs, err := readSwapFile(path)
	if err != nil {
		return err
	}

	r.commitLock.RLock()
	defer r.commitLock.RUnlock()

	deltas := make([]*record.Delta, len(recs))
	for i, rec := range recs {
		deltas[i] = &record.Delta{Op: record.OpSwapIn, Rec: rec, SwapID: id}
	}
	if err = r.wal.Append(deltas); err != nil {
		return err
	}
	for _, rec := range recs {
		r.cache.Store(rec.ID.String(), rec)
	}
	if err = os.Remove(path); err != nil {
		r.log.Warn("consumed swap file remove failed", "file", id, "err", err)
	}
	CacheRecords.Set(float64(r.cache.Len()))
	SwapCount.WithLabelValues("in").Add(float64(len(recs)))
	return nil
}

func readSwapFile(path string) ([]*record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, recflow_errors.ErrSwapUnknown
		}
		return nil, err
	}

	var recs []*record.Record
	hash := xxhash.New()
	rest := data
	for len(rest) > 0 {
		lit, body, after := protocol.TakeAny(rest)
		if body == nil {
			return nil, errors.Wrap(recflow_errors.ErrSwapCorrupt, "truncated record")
		}
		switch lit {
		case 'F':
			rec, perr := record.ParseTLV(body)
			if perr != nil {
				return nil, errors.Wrap(recflow_errors.ErrSwapCorrupt, perr.Error())
			}
			_, _ = hash.Write(rest[:len(rest)-len(after)])
			recs = append(recs, rec)
		case 'Z':
			if len(body) != 16 ||
				binary.BigEndian.Uint64(body[:8]) != uint64(len(recs)) ||
				binary.BigEndian.Uint64(body[8:]) != hash.Sum64() {
				return nil, errors.Wrap(recflow_errors.ErrSwapCorrupt, "trailer mismatch")
			}
			return recs, nil
		default:
			return nil, errors.Wrap(recflow_errors.ErrSwapCorrupt, "unexpected record")
		}
		rest = after
	}
	return nil, errors.Wrap(recflow_errors.ErrSwapCorrupt, "missing trailer")
}
