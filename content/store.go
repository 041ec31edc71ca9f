// Package content implements the immutable, copy-on-write content store.
// Payload bytes live in append-only resource files spread over containers
// (independent storage roots) and sections (subdirectories that let
// writers proceed in parallel inside one container). A resource file is
// only ever appended to and rotated, never rewritten; claim reference
// counting decides when it may be archived or deleted.
package content

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/google/uuid"

	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/recflow_errors"
	"github.com/recflow/recflow/utils"
)

const ArchiveDirName = "archive"

var AppendBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recflow",
	Subsystem: "content",
	Name:      "append_bytes",
}, []string{"container"})

var ReadBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "recflow",
	Subsystem: "content",
	Name:      "read_bytes",
})

var CleanupCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recflow",
	Subsystem: "content",
	Name:      "cleanup",
}, []string{"container", "action"})

type Options struct {
	// Containers maps container name to its storage root. Appends are
	// striped round-robin across containers to parallelize disk I/O.
	Containers map[string]string
	Sections   int
	// MaxFileSize rotates the open resource file once it grows past this.
	MaxFileSize int64
	// Archive moves dead resource files aside instead of deleting them.
	Archive         bool
	MaxArchiveAge   time.Duration
	MaxUsagePercent float64
	// ContainerCapacity is the advertised capacity of each container,
	// used with MaxUsagePercent to size the archive budget.
	ContainerCapacity int64
	CleanupInterval   time.Duration
}

func (o *Options) SetDefaults() {
	if o.Sections == 0 {
		o.Sections = 16
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 1 << 20
	}
	if o.MaxArchiveAge == 0 {
		o.MaxArchiveAge = 12 * time.Hour
	}
	if o.MaxUsagePercent == 0 {
		o.MaxUsagePercent = 50
	}
	if o.ContainerCapacity == 0 {
		o.ContainerCapacity = 1 << 30
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = time.Minute
	}
}

// Store is the default content repository implementation.
type Store struct {
	opts   Options
	log    utils.Logger
	claims *ClaimManager

	containers []*container
	next       atomic.Uint64

	// resolved claim-key -> on-disk path, including archived locations
	paths *lru.Cache[string, string]

	stop chan struct{}
	wg   sync.WaitGroup
}

type container struct {
	name     string
	root     string
	sections []*section
}

type section struct {
	mu   sync.Mutex
	name string
	dir  string
	cur  *os.File
	file string
	size int64
}

func NewStore(opts Options, logger utils.Logger) (*Store, error) {
	opts.SetDefaults()
	if len(opts.Containers) == 0 {
		return nil, errors.New("content store needs at least one container")
	}
	paths, _ := lru.New[string, string](4096)
	st := &Store{
		opts:   opts,
		log:    logger,
		claims: NewClaimManager(),
		paths:  paths,
		stop:   make(chan struct{}),
	}
	for name, root := range opts.Containers {
		c := &container{name: name, root: root}
		for s := 0; s < opts.Sections; s++ {
			sec := &section{name: strconv.Itoa(s), dir: filepath.Join(root, strconv.Itoa(s))}
			if err := os.MkdirAll(sec.dir, 0o755); err != nil {
				return nil, err
			}
			c.sections = append(c.sections, sec)
		}
		st.containers = append(st.containers, c)
	}
	st.wg.Add(2)
	go st.cleanupLoop()
	go st.retentionLoop()
	return st, nil
}

func (st *Store) Claims() *ClaimManager { return st.claims }

// Append writes payload bytes to the currently open resource file of the
// next container/section in round-robin order and returns a claim for the
// written range. The new claim starts with one reference, owned by the
// writing transaction.
func (st *Store) Append(data []byte) (record.ContentClaim, error) {
	n := st.next.Add(1)
	c := st.containers[n%uint64(len(st.containers))]
	sec := c.sections[(n/uint64(len(st.containers)))%uint64(len(c.sections))]

	sec.mu.Lock()
	defer sec.mu.Unlock()

	if sec.cur != nil && sec.size+int64(len(data)) > st.opts.MaxFileSize && sec.size > 0 {
		_ = sec.cur.Close()
		sec.cur = nil
	}
	if sec.cur == nil {
		name := uuid.NewString()
		f, err := os.OpenFile(filepath.Join(sec.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return record.ContentClaim{}, errors.Wrap(err, "open resource file")
		}
		sec.cur, sec.file, sec.size = f, name, 0
	}

	offset := sec.size
	if _, err := sec.cur.Write(data); err != nil {
		return record.ContentClaim{}, errors.Wrap(err, "append content")
	}
	sec.size += int64(len(data))

	claim := record.ContentClaim{
		Resource: record.ResourceClaim{Container: c.name, Section: sec.name, File: sec.file},
		Offset:   offset,
		Length:   int64(len(data)),
	}
	st.claims.Claimed(claim.Resource)
	AppendBytes.WithLabelValues(c.name).Add(float64(len(data)))
	return claim, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

// Read streams exactly the claimed range. Concurrent readers of the same
// resource file each get their own handle. A claim whose file was
// archived is still readable; one whose file was deleted reports
// ErrContentNotFound.
func (st *Store) Read(claim record.ContentClaim) (io.ReadCloser, error) {
	path, err := st.resolve(claim.Resource)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// the cached path may be stale after archival, retry cold
			st.paths.Remove(claim.Resource.Key())
			if path, err = st.resolve(claim.Resource); err != nil {
				return nil, err
			}
			if f, err = os.Open(path); err == nil {
				ReadBytes.Add(float64(claim.Length))
				return &sectionReadCloser{io.NewSectionReader(f, claim.Offset, claim.Length), f}, nil
			}
		}
		return nil, recflow_errors.ErrContentNotFound
	}
	ReadBytes.Add(float64(claim.Length))
	return &sectionReadCloser{io.NewSectionReader(f, claim.Offset, claim.Length), f}, nil
}

// ReadAll is Read for callers that want the whole payload in memory.
func (st *Store) ReadAll(claim record.ContentClaim) ([]byte, error) {
	rc, err := st.Read(claim)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// CopyOnWrite reads the source range, applies the transform and appends
// the result as a brand new claim. The source bytes are never modified;
// releasing the superseded claim is the committing transaction's job.
func (st *Store) CopyOnWrite(src record.ContentClaim, transform func([]byte) ([]byte, error)) (record.ContentClaim, error) {
	data, err := st.ReadAll(src)
	if err != nil {
		return record.ContentClaim{}, err
	}
	out, err := transform(data)
	if err != nil {
		return record.ContentClaim{}, err
	}
	return st.Append(out)
}

// resolve finds the current on-disk path for a resource claim, checking
// the live section first and the section's archive second.
func (st *Store) resolve(rc record.ResourceClaim) (string, error) {
	key := rc.Key()
	if path, ok := st.paths.Get(key); ok {
		return path, nil
	}
	for _, c := range st.containers {
		if c.name != rc.Container {
			continue
		}
		live := filepath.Join(c.root, rc.Section, rc.File)
		if _, err := os.Stat(live); err == nil {
			st.paths.Add(key, live)
			return live, nil
		}
		archived := filepath.Join(c.root, rc.Section, ArchiveDirName, rc.File)
		if _, err := os.Stat(archived); err == nil {
			st.paths.Add(key, archived)
			return archived, nil
		}
	}
	return "", recflow_errors.ErrContentNotFound
}

// ContainerStats describes one container's live footprint.
type ContainerStats struct {
	Name  string
	Files int
	Bytes int64
}

func (st *Store) Stats() []ContainerStats {
	out := make([]ContainerStats, 0, len(st.containers))
	for _, c := range st.containers {
		cs := ContainerStats{Name: c.name}
		for _, sec := range c.sections {
			entries, err := os.ReadDir(sec.dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				cs.Files++
				if info, err := e.Info(); err == nil {
					cs.Bytes += info.Size()
				}
			}
		}
		out = append(out, cs)
	}
	return out
}

func (st *Store) Close() error {
	close(st.stop)
	st.wg.Wait()
	for _, c := range st.containers {
		for _, sec := range c.sections {
			sec.mu.Lock()
			if sec.cur != nil {
				_ = sec.cur.Close()
				sec.cur = nil
			}
			sec.mu.Unlock()
		}
	}
	return nil
}
