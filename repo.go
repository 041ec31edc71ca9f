// Package recflow is a durable dataflow record store. It keeps the live
// record set in memory, makes every mutation crash-durable through a
// write-ahead metadata log, stores payload bytes in an immutable
// copy-on-write content store, and records full lineage in an
// append-only provenance log. One Repo owns one on-disk repository;
// workers mutate records through short-lived Sessions that commit or
// roll back atomically.
package recflow

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recflow/recflow/content"
	"github.com/recflow/recflow/provenance"
	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/recflow_errors"
	"github.com/recflow/recflow/utils"
	"github.com/recflow/recflow/wal"
)

type Repo struct {
	opts Options
	log  utils.Logger

	wal     *wal.Log
	content *content.Store
	prov    *provenance.EventLog

	// commitLock is held shared by every committing session and
	// exclusively while the checkpoint captures its cache snapshot, so a
	// snapshot never observes half a commit
	commitLock sync.RWMutex
	cache      utils.SMap[*record.Record]

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open opens or creates the repository under opts.Dir and recovers the
// record set from the last snapshot plus the journal.
func Open(opts Options, logger utils.Logger) (*Repo, error) {
	opts.SetDefaults()
	r := &Repo{
		opts: opts,
		log:  logger,
		stop: make(chan struct{}),
	}

	w, err := wal.Open(opts.walDir(), !opts.NoSyncOnCommit, logger)
	if err != nil {
		return nil, err
	}
	recs, err := w.Recover()
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	r.wal = w
	for _, rec := range recs {
		r.cache.Store(rec.ID.String(), rec)
	}

	if err := os.MkdirAll(opts.swapDir(), 0o755); err != nil {
		_ = w.Close()
		return nil, err
	}

	st, err := content.NewStore(opts.Content, logger)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	r.content = st
	// refcounts are not persisted; re-derive them from the recovered
	// record set (self-healing, nothing is freed prematurely)
	for _, rec := range recs {
		if rec.Claim != nil {
			st.Claims().Claimed(rec.Claim.Resource)
		}
	}
	// records offloaded to swap files are live too and keep holding
	// their content claims
	for _, id := range w.SwapFiles() {
		swapped, serr := readSwapFile(filepath.Join(opts.swapDir(), id))
		if serr != nil {
			logger.Warn("swap file unreadable at open", "file", id, "err", serr)
			continue
		}
		for _, rec := range swapped {
			if rec.Claim != nil {
				st.Claims().Claimed(rec.Claim.Resource)
			}
		}
	}

	pl, err := provenance.OpenLog(opts.Provenance, logger)
	if err != nil {
		_ = st.Close()
		_ = w.Close()
		return nil, err
	}
	r.prov = pl

	CacheRecords.Set(float64(r.cache.Len()))
	r.log.Info("repository open", "dir", opts.Dir, "records", len(recs), "swapfiles", len(w.SwapFiles()))

	r.wg.Add(1)
	go r.checkpointLoop()
	return r, nil
}

// Get returns the live record for id. The returned pointer is immutable
// by convention: every mutation path replaces it wholesale.
func (r *Repo) Get(id record.ID) (*record.Record, error) {
	if r.closed.Load() {
		return nil, recflow_errors.ErrRepoClosed
	}
	rec, ok := r.cache.Load(id.String())
	if !ok {
		return nil, recflow_errors.ErrRecordUnknown
	}
	return rec, nil
}

// Records lists every live record. Swapped-out records are absent by
// definition.
func (r *Repo) Records() []*record.Record {
	out := make([]*record.Record, 0, r.cache.Len())
	r.cache.Range(func(_ string, rec *record.Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}

func (r *Repo) Len() int { return r.cache.Len() }

func (r *Repo) Content() *content.Store          { return r.content }
func (r *Repo) Provenance() *provenance.EventLog { return r.prov }
func (r *Repo) SwapFiles() []string              { return r.wal.SwapFiles() }

// Checkpoint serializes the live record set to a new snapshot, discards
// the journal frames the snapshot subsumes, and confirms pending claim
// releases. Commits are blocked only while the in-memory snapshot is
// captured, not while it streams to disk.
func (r *Repo) Checkpoint() error {
	if r.closed.Load() {
		return recflow_errors.ErrRepoClosed
	}
	return r.checkpoint()
}

// checkpoint captures the cache snapshot and the pending-release set and
// rotates the journal in one exclusive-lock section, so the snapshot,
// the rotated frames, and the confirmed releases all describe the same
// instant. Commits appended while the snapshot streams land in the
// fresh journal and survive; releases after the capture wait for the
// next cycle.
func (r *Repo) checkpoint() error {
	r.commitLock.Lock()
	snap := r.cache.Snapshot()
	pending := r.content.Claims().CheckpointPending()
	err := r.wal.Rotate()
	r.commitLock.Unlock()
	if err != nil {
		r.content.Claims().Repark(pending)
		return err
	}

	recs := make([]*record.Record, 0, len(snap))
	for _, rec := range snap {
		recs = append(recs, rec)
	}
	if err := r.wal.Checkpoint(recs); err != nil {
		r.content.Claims().Repark(pending)
		return err
	}

	// with the snapshot durable, the captured releases are confirmed and
	// the files can actually go away
	r.content.Claims().ConfirmReleased(pending)
	return nil
}

func (r *Repo) checkpointLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Checkpoint(); err != nil {
				r.log.Warn("periodic checkpoint failed", "err", err)
			}
		}
	}
}

// Close checkpoints once more and shuts everything down. Sessions still
// in flight fail their commit with ErrRepoClosed.
func (r *Repo) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.stop)
	r.wg.Wait()

	if err := r.checkpoint(); err != nil {
		r.log.Warn("final checkpoint failed", "err", err)
	}

	err := r.prov.Close()
	if cerr := r.content.Close(); err == nil {
		err = cerr
	}
	if werr := r.wal.Close(); err == nil {
		err = werr
	}
	return err
}
