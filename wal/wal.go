// Package wal implements the write-ahead metadata log: every record
// delta is durably appended as part of a checksummed transaction frame
// before the mutation is considered applied, and periodic checkpoints
// serialize the whole live record set so the journal can be truncated.
package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/recflow/recflow/protocol"
	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/utils"
)

const (
	JournalName     = "journal.wal"
	PrevJournalName = "journal.prev.wal"
	SnapshotName    = "snapshot"
	PartialName     = "snapshot.partial"

	formatVersion = 1
)

var AppendCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "recflow",
	Subsystem: "wal",
	Name:      "appends",
})

var AppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "recflow",
	Subsystem: "wal",
	Name:      "append_duration_ms",
	Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
})

var CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "recflow",
	Subsystem: "wal",
	Name:      "checkpoint_duration_ms",
	Buckets:   []float64{0, 10, 50, 100, 500, 1000, 5000, 30000},
})

var CheckpointRecords = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "recflow",
	Subsystem: "wal",
	Name:      "checkpoint_records",
})

// Log is the default metadata log implementation, one per repository.
type Log struct {
	dir   string
	sync  bool
	log   utils.Logger
	debug bool

	mu      sync.Mutex
	journal *os.File
	swaps   map[string]struct{}

	frameSize *utils.AvgVal
}

// Open opens (or creates) the log in dir. syncOnCommit controls whether
// Append fsyncs before returning; turning it off trades durability of the
// last few commits for throughput.
func Open(dir string, syncOnCommit bool, logger utils.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j, err := os.OpenFile(filepath.Join(dir, JournalName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{
		dir:       dir,
		sync:      syncOnCommit,
		log:       logger,
		journal:   j,
		swaps:     make(map[string]struct{}),
		frameSize: utils.NewAvgVal(0),
	}, nil
}

func (l *Log) Dir() string { return l.dir }

// Append durably persists the deltas of one committing transaction as a
// single frame. The frame is applied all-or-nothing on replay, which is
// what makes a multi-record commit atomic across a crash.
func (l *Log) Append(deltas []*record.Delta) error {
	start := time.Now()
	var payload []byte
	for _, d := range deltas {
		payload = d.AppendTLV(payload)
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(payload))
	frame := protocol.Record('X', protocol.Record('H', sum[:]), payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.journal.Write(frame); err != nil {
		return err
	}
	if l.sync {
		if err := l.journal.Sync(); err != nil {
			return err
		}
	}
	for _, d := range deltas {
		switch d.Op {
		case record.OpSwapOut:
			l.swaps[d.SwapID] = struct{}{}
		case record.OpSwapIn:
			delete(l.swaps, d.SwapID)
		}
	}
	l.frameSize.Add(float64(len(frame)))
	AppendCount.Inc()
	AppendDuration.Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// Rotate moves the live journal aside so a snapshot can cover exactly
// the frames written so far. Frames appended after Rotate land in a
// fresh journal and are untouched by the checkpoint; the rotated file
// is removed only once the snapshot that subsumes it is durable. The
// caller serializes Rotate against commits.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal != nil {
		if err := l.journal.Close(); err != nil {
			return err
		}
		l.journal = nil
	}
	cur := filepath.Join(l.dir, JournalName)
	prev := filepath.Join(l.dir, PrevJournalName)
	if _, err := os.Stat(prev); err == nil {
		// the previous checkpoint failed after its rotation; keep frame
		// order by folding the newer journal onto the older one
		if err := appendFile(prev, cur); err != nil {
			return err
		}
		if err := os.Remove(cur); err != nil {
			return err
		}
	} else if err := os.Rename(cur, prev); err != nil && !os.IsNotExist(err) {
		return err
	}
	j, err := os.OpenFile(cur, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.journal = j
	return nil
}

func appendFile(dst, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SwapFiles lists the swap files the log currently believes are live.
func (l *Log) SwapFiles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.swaps))
	for id := range l.swaps {
		out = append(out, id)
	}
	return out
}

// AvgFrameSize is the running average commit frame size in bytes.
func (l *Log) AvgFrameSize() float64 {
	return l.frameSize.Val()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	err := l.journal.Close()
	l.journal = nil
	return err
}
