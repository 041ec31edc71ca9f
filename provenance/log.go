package provenance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/recflow/recflow/utils"
)

var EventCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recflow",
	Subsystem: "provenance",
	Name:      "events",
}, []string{"kind"})

var RolloverCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recflow",
	Subsystem: "provenance",
	Name:      "rollovers",
}, []string{"result"})

var RolloverDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "recflow",
	Subsystem: "provenance",
	Name:      "rollover_duration_ms",
	Buckets:   []float64{0, 5, 10, 50, 100, 500, 1000, 5000},
})

type Options struct {
	Dir string
	// LogFileCount live log files take appends round-robin; more files
	// means less lock contention on the hot commit path.
	LogFileCount     int
	RolloverInterval time.Duration
	Compress         bool

	ShardMaxDocs int
	ShardMaxSpan time.Duration

	MaxRetention   time.Duration
	MaxTotalBytes  int64
	ExpireInterval time.Duration
}

func (o *Options) SetDefaults() {
	if o.LogFileCount == 0 {
		o.LogFileCount = 16
	}
	if o.RolloverInterval == 0 {
		o.RolloverInterval = 30 * time.Second
	}
	if o.ShardMaxDocs == 0 {
		o.ShardMaxDocs = 100_000
	}
	if o.ShardMaxSpan == 0 {
		o.ShardMaxSpan = 24 * time.Hour
	}
	if o.MaxRetention == 0 {
		o.MaxRetention = 7 * 24 * time.Hour
	}
	if o.ExpireInterval == 0 {
		o.ExpireInterval = time.Minute
	}
}

// EventLog is the default provenance repository implementation.
type EventLog struct {
	opts Options
	log  utils.Logger

	seq atomic.Uint64
	rr  atomic.Uint64

	// genLock guards the generation swap; appenders hold it shared,
	// rollover exclusively
	genLock sync.RWMutex
	gen     uint64
	files   []*plogFile

	shards *ShardManager

	stop chan struct{}
	wg   sync.WaitGroup
}

type plogFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenLog(opts Options, logger utils.Logger) (*EventLog, error) {
	opts.SetDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	el := &EventLog{
		opts: opts,
		log:  logger,
		stop: make(chan struct{}),
	}

	shards, err := openShardManager(opts.Dir, &el.opts, logger)
	if err != nil {
		return nil, err
	}
	el.shards = shards

	// the sequence resumes past everything already durable: indexed
	// events, and events still sitting in unmerged log files
	maxSeq := shards.MaxSeq()
	leftover, leftoverSeq, err := scanPlogFiles(opts.Dir)
	if err != nil {
		return nil, err
	}
	if leftoverSeq > maxSeq {
		maxSeq = leftoverSeq
	}
	el.seq.Store(maxSeq)
	el.gen = leftover + 1

	if err := el.openGeneration(); err != nil {
		return nil, err
	}

	el.wg.Add(2)
	go el.rolloverLoop()
	go el.expireLoop()
	return el, nil
}

func plogName(gen uint64, k int) string {
	return fmt.Sprintf("gen%08d-%02d.plog", gen, k)
}

// Append assigns sequence numbers and writes the events of one committed
// transaction to the live log files. No fsync here: indexing durability
// is handled at rollover, and the metadata log already made the commit
// itself durable.
func (el *EventLog) Append(events []*Event) error {
	el.genLock.RLock()
	defer el.genLock.RUnlock()
	for _, e := range events {
		e.Seq = el.seq.Add(1)
		buf := e.AppendTLV(nil)
		pf := el.files[el.rr.Add(1)%uint64(len(el.files))]
		pf.mu.Lock()
		_, err := pf.f.Write(buf)
		pf.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, "provenance append")
		}
		EventCount.WithLabelValues(e.Kind.String()).Inc()
	}
	return nil
}

func (el *EventLog) Shards() *ShardManager { return el.shards }

// LastSeq is the highest sequence number assigned so far.
func (el *EventLog) LastSeq() uint64 { return el.seq.Load() }

func (el *EventLog) openGeneration() error {
	files := make([]*plogFile, el.opts.LogFileCount)
	for k := range files {
		path := filepath.Join(el.opts.Dir, plogName(el.gen, k))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		files[k] = &plogFile{path: path, f: f}
	}
	el.files = files
	return nil
}

func (el *EventLog) rolloverLoop() {
	defer el.wg.Done()
	ticker := time.NewTicker(el.opts.RolloverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-el.stop:
			return
		case <-ticker.C:
			if err := el.Rollover(); err != nil {
				el.log.Warn("provenance rollover failed", "err", err)
				RolloverCount.WithLabelValues("error").Inc()
			} else {
				RolloverCount.WithLabelValues("ok").Inc()
			}
		}
	}
}

// Rollover closes the current generation of log files, opens a fresh
// one, and merges every closed generation into a consolidated, indexed
// segment. Failed generations stay on disk and are retried on the next
// pass; no event is lost, only delayed.
func (el *EventLog) Rollover() error {
	start := time.Now()

	el.genLock.Lock()
	for _, pf := range el.files {
		pf.mu.Lock()
		_ = pf.f.Close()
		pf.mu.Unlock()
	}
	el.gen++
	err := el.openGeneration()
	current := el.gen
	el.genLock.Unlock()
	if err != nil {
		return err
	}

	gens, err := closedGenerations(el.opts.Dir, current)
	if err != nil {
		return err
	}
	var firstErr error
	for _, g := range gens {
		if err := el.mergeGeneration(g); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	RolloverDuration.Observe(float64(time.Since(start).Milliseconds()))
	return firstErr
}

// closedGenerations lists generation numbers with log files on disk,
// oldest first, excluding the live generation.
func closedGenerations(dir string, current uint64) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	seen := map[uint64]bool{}
	for _, e := range entries {
		var g uint64
		var k int
		if n, _ := fmt.Sscanf(e.Name(), "gen%d-%d.plog", &g, &k); n == 2 && g < current {
			seen[g] = true
		}
	}
	gens := make([]uint64, 0, len(seen))
	for g := range seen {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// scanPlogFiles finds the highest leftover generation and the highest
// sequence number present in any leftover log file.
func scanPlogFiles(dir string) (maxGen, maxSeq uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		var g uint64
		var k int
		if n, _ := fmt.Sscanf(e.Name(), "gen%d-%d.plog", &g, &k); n != 2 {
			continue
		}
		if g > maxGen {
			maxGen = g
		}
		events, perr := readEventFile(filepath.Join(dir, e.Name()))
		if perr != nil {
			continue
		}
		for _, ev := range events {
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}
	}
	return maxGen, maxSeq, nil
}

func (el *EventLog) expireLoop() {
	defer el.wg.Done()
	ticker := time.NewTicker(el.opts.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-el.stop:
			return
		case <-ticker.C:
			if err := el.shards.Expire(time.Now().Add(-el.opts.MaxRetention), el.opts.MaxTotalBytes); err != nil {
				el.log.Warn("provenance expire failed", "err", err)
			}
			el.expireSegments()
		}
	}
}

// expireSegments removes consolidated segment files whose entire content
// is older than the retention cutoff. Segments are the raw archival copy
// of indexed events; shards answer queries.
func (el *EventLog) expireSegments() {
	cutoff := time.Now().Add(-el.opts.MaxRetention)
	entries, err := os.ReadDir(el.opts.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !isSegmentName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(el.opts.Dir, e.Name())); err != nil {
			el.log.Warn("segment expire failed", "file", e.Name(), "err", err)
		}
	}
}

func (el *EventLog) Close() error {
	close(el.stop)
	el.wg.Wait()
	el.genLock.Lock()
	for _, pf := range el.files {
		pf.mu.Lock()
		_ = pf.f.Close()
		pf.mu.Unlock()
	}
	el.genLock.Unlock()
	return el.shards.Close()
}
