package provenance

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/utils"
)

// Index shard layout: one pebble database per shard directory.
//
//	T<ts:8><seq:8> -> event TLV body   (time-ordered event index)
//	M              -> manifest: minTime, maxTime, docs, maxSeq (8B BE each)
//	B              -> record-id bloom filter (binary marshalled)
//
// A shard grows only while it is current; once the document count or the
// covered time span exceeds its bound it is sealed and a new shard opens.
// Retention deletes whole shard directories, never single events, so
// expiry never rewrites an index.

const shardDirPrefix = "shard-"

var manifestKey = []byte{'M'}
var bloomKey = []byte{'B'}

var shardWriteOptions = pebble.WriteOptions{Sync: true}

// Shard is one time-bounded partition of the provenance index.
type Shard struct {
	n   int
	dir string
	db  *pebble.DB

	mu      sync.Mutex
	minTime time.Time
	maxTime time.Time
	docs    int
	filter  *bloom.BloomFilter
}

// ShardManager owns all index shards of one provenance directory.
type ShardManager struct {
	dir  string
	opts *Options
	log  utils.Logger

	mu     sync.RWMutex
	shards []*Shard
	nextN  int
}

func eventKey(e *Event) []byte {
	key := make([]byte, 0, 17)
	key = append(key, 'T')
	key = binary.BigEndian.AppendUint64(key, uint64(e.Time.UnixMilli()))
	key = binary.BigEndian.AppendUint64(key, e.Seq)
	return key
}

func openShardManager(dir string, opts *Options, logger utils.Logger) (*ShardManager, error) {
	sm := &ShardManager{dir: dir, opts: opts, log: logger}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		var n int
		if cnt, _ := fmt.Sscanf(e.Name(), shardDirPrefix+"%d", &n); cnt != 1 || !e.IsDir() {
			continue
		}
		sh, err := openShard(filepath.Join(dir, e.Name()), n, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "open shard %d", n)
		}
		sm.shards = append(sm.shards, sh)
		if n >= sm.nextN {
			sm.nextN = n + 1
		}
	}
	sort.Slice(sm.shards, func(i, j int) bool { return sm.shards[i].n < sm.shards[j].n })
	return sm, nil
}

func openShard(dir string, n int, opts *Options) (*Shard, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	sh := &Shard{n: n, dir: dir, db: db,
		filter: bloom.NewWithEstimates(uint(opts.ShardMaxDocs), 0.01)}

	if val, closer, err := db.Get(manifestKey); err == nil {
		if len(val) == 32 {
			sh.minTime = time.UnixMilli(int64(binary.BigEndian.Uint64(val[:8])))
			sh.maxTime = time.UnixMilli(int64(binary.BigEndian.Uint64(val[8:16])))
			sh.docs = int(binary.BigEndian.Uint64(val[16:24]))
		}
		_ = closer.Close()
	}
	if val, closer, err := db.Get(bloomKey); err == nil {
		_ = sh.filter.UnmarshalBinary(val)
		_ = closer.Close()
	}
	return sh, nil
}

func (sh *Shard) manifest(maxSeq uint64) []byte {
	val := make([]byte, 32)
	binary.BigEndian.PutUint64(val[:8], uint64(sh.minTime.UnixMilli()))
	binary.BigEndian.PutUint64(val[8:16], uint64(sh.maxTime.UnixMilli()))
	binary.BigEndian.PutUint64(val[16:24], uint64(sh.docs))
	binary.BigEndian.PutUint64(val[24:], maxSeq)
	return val
}

func (sh *Shard) maxSeq() uint64 {
	val, closer, err := sh.db.Get(manifestKey)
	if err != nil {
		return 0
	}
	defer closer.Close()
	if len(val) != 32 {
		return 0
	}
	return binary.BigEndian.Uint64(val[24:])
}

// full reports whether the shard may not take more documents. Bounding
// the document count keeps every shard far below the key-space limits of
// the index and keeps single-shard searches cheap.
func (sh *Shard) full(opts *Options) bool {
	if sh.docs >= opts.ShardMaxDocs {
		return true
	}
	return sh.docs > 0 && sh.maxTime.Sub(sh.minTime) >= opts.ShardMaxSpan
}

// MaxSeq is the highest sequence number indexed in any shard.
func (sm *ShardManager) MaxSeq() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var max uint64
	for _, sh := range sm.shards {
		if s := sh.maxSeq(); s > max {
			max = s
		}
	}
	return max
}

func (sm *ShardManager) active() (*Shard, error) {
	if n := len(sm.shards); n > 0 && !sm.shards[n-1].full(sm.opts) {
		return sm.shards[n-1], nil
	}
	dir := filepath.Join(sm.dir, fmt.Sprintf("%s%06d", shardDirPrefix, sm.nextN))
	sh, err := openShard(dir, sm.nextN, sm.opts)
	if err != nil {
		return nil, err
	}
	sm.nextN++
	sm.shards = append(sm.shards, sh)
	sm.log.Info("opened index shard", "dir", dir)
	return sh, nil
}

// Index writes one merged generation into the current shard. The batch
// commits synchronously: once Index returns, the raw log files may be
// deleted.
func (sm *ShardManager) Index(events []*Event) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for len(events) > 0 {
		sh, err := sm.active()
		if err != nil {
			return err
		}
		// active() never hands back a doc-full shard
		room := sm.opts.ShardMaxDocs - sh.docs
		n := len(events)
		if n > room {
			n = room
		}
		if err := sh.index(events[:n]); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}

func (sh *Shard) index(events []*Event) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	batch := sh.db.NewBatch()
	defer batch.Close()
	var maxSeq uint64
	for _, e := range events {
		buf := e.AppendTLV(nil)
		if err := batch.Set(eventKey(e), buf[5:], nil); err != nil {
			return err
		}
		sh.filter.Add(e.RecordID.Bytes())
		if sh.docs == 0 || e.Time.Before(sh.minTime) {
			sh.minTime = e.Time
		}
		if sh.docs == 0 || e.Time.After(sh.maxTime) {
			sh.maxTime = e.Time
		}
		sh.docs++
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	if prev := sh.maxSeq(); prev > maxSeq {
		maxSeq = prev
	}
	if err := batch.Set(manifestKey, sh.manifest(maxSeq), nil); err != nil {
		return err
	}
	fb, err := sh.filter.MarshalBinary()
	if err != nil {
		return err
	}
	if err := batch.Set(bloomKey, fb, nil); err != nil {
		return err
	}
	return sh.db.Apply(batch, &shardWriteOptions)
}

// mightContain consults the shard's record-id bloom filter.
func (sh *Shard) mightContain(id record.ID) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.filter.Test(id.Bytes())
}

func (sh *Shard) overlaps(from, to time.Time) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.docs == 0 {
		return false
	}
	return !sh.maxTime.Before(from) && !sh.minTime.After(to)
}

// Expire removes every shard whose newest event is past the retention
// cutoff, and then, oldest first, whole shards until the aggregate disk
// footprint fits the byte budget (0 means unbounded). The current shard
// is never removed.
func (sm *ShardManager) Expire(cutoff time.Time, maxTotalBytes int64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	keep := sm.shards[:0]
	for i, sh := range sm.shards {
		current := i == len(sm.shards)-1
		sh.mu.Lock()
		expired := sh.docs > 0 && sh.maxTime.Before(cutoff)
		sh.mu.Unlock()
		if current || !expired {
			keep = append(keep, sh)
			continue
		}
		if err := sm.drop(sh); err != nil {
			return err
		}
	}
	sm.shards = keep

	if maxTotalBytes <= 0 {
		return nil
	}
	total := int64(0)
	sizes := make([]int64, len(sm.shards))
	for i, sh := range sm.shards {
		sizes[i] = dirSize(sh.dir)
		total += sizes[i]
	}
	i := 0
	for total > maxTotalBytes && i < len(sm.shards)-1 {
		if err := sm.drop(sm.shards[i]); err != nil {
			return err
		}
		total -= sizes[i]
		i++
	}
	sm.shards = sm.shards[i:]
	return nil
}

func (sm *ShardManager) drop(sh *Shard) error {
	if err := sh.db.Close(); err != nil {
		return err
	}
	sm.log.Info("expiring index shard", "dir", sh.dir)
	return os.RemoveAll(sh.dir)
}

func dirSize(dir string) (total int64) {
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return
}

// ShardCount is used by stats reporting and tests.
func (sm *ShardManager) ShardCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.shards)
}

func (sm *ShardManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var firstErr error
	for _, sh := range sm.shards {
		if err := sh.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sm.shards = nil
	return firstErr
}
