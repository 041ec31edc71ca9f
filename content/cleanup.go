package content

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/recflow/recflow/record"
)

// cleanupLoop consumes cleanup-eligible resource claims and either
// deletes the resource file outright or moves it into the section's
// archive area for the retention loop to expire later.
func (st *Store) cleanupLoop() {
	defer st.wg.Done()
	for {
		select {
		case <-st.stop:
			return
		case rc := <-st.claims.Eligible():
			st.cleanupOne(rc)
		}
	}
}

func (st *Store) cleanupOne(rc record.ResourceClaim) {
	c := st.container(rc.Container)
	if c == nil {
		return
	}
	sec := c.section(rc.Section)
	if sec == nil {
		return
	}

	// the file may still be the section's open writer; detach it first
	sec.mu.Lock()
	if sec.cur != nil && sec.file == rc.File {
		_ = sec.cur.Close()
		sec.cur = nil
	}
	sec.mu.Unlock()

	// with the writer detached no new claim can land in this file, so a
	// zero count now is final; a re-claimed file is spared
	if !st.claims.Unreferenced(rc) {
		return
	}

	live := filepath.Join(sec.dir, rc.File)
	st.paths.Remove(rc.Key())

	if !st.opts.Archive {
		if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
			st.log.Warn("resource file delete failed", "file", live, "err", err)
			return
		}
		CleanupCount.WithLabelValues(rc.Container, "delete").Inc()
		return
	}

	archiveDir := filepath.Join(sec.dir, ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		st.log.Warn("archive dir create failed", "dir", archiveDir, "err", err)
		return
	}
	if err := os.Rename(live, filepath.Join(archiveDir, rc.File)); err != nil && !os.IsNotExist(err) {
		st.log.Warn("resource file archive failed", "file", live, "err", err)
		return
	}
	CleanupCount.WithLabelValues(rc.Container, "archive").Inc()
}

func (st *Store) container(name string) *container {
	for _, c := range st.containers {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (c *container) section(name string) *section {
	for _, s := range c.sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

// archived is one file in the retention working set, ordered oldest
// first so expiry always removes the least recently written data.
type archived struct {
	mtime time.Time
	path  string
	size  int64
}

func lessArchived(a, b archived) bool {
	if !a.mtime.Equal(b.mtime) {
		return a.mtime.Before(b.mtime)
	}
	return a.path < b.path
}

const retentionSetSize = 10_000

// retentionLoop enforces the archive budget. It keeps a bounded working
// set of the oldest archived files and deletes from it until both the
// disk usage budget and the retention age hold, rescanning the archive
// areas only once the set drains. The full directory walk is the
// expensive part, so its cost is amortized over many deletions.
func (st *Store) retentionLoop() {
	defer st.wg.Done()
	if !st.opts.Archive {
		return
	}
	ticker := time.NewTicker(st.opts.CleanupInterval)
	defer ticker.Stop()

	var set *btree.BTreeG[archived]
	var totalArchived int64

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
		}

		if set == nil || set.Len() == 0 {
			var err error
			set, totalArchived, err = st.scanArchives()
			if err != nil {
				st.log.Warn("archive scan failed", "err", err)
				continue
			}
		}

		budget := int64(float64(st.opts.ContainerCapacity) * st.opts.MaxUsagePercent / 100)
		cutoff := time.Now().Add(-st.opts.MaxArchiveAge)
		removed := 0
		for set.Len() > 0 {
			oldest, _ := set.Min()
			if totalArchived <= budget && oldest.mtime.After(cutoff) {
				break
			}
			set.DeleteMin()
			if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
				st.log.Warn("archive expire failed", "file", oldest.path, "err", err)
				continue
			}
			totalArchived -= oldest.size
			removed++
		}
		if removed > 0 {
			st.log.Debug("archive retention pass", "removed", removed, "archivedBytes", totalArchived)
		}
	}
}

// scanArchives walks every archive directory (containers in parallel)
// and returns the oldest files capped at the working set bound, plus the
// total archived byte count.
func (st *Store) scanArchives() (*btree.BTreeG[archived], int64, error) {
	results := make([][]archived, len(st.containers))
	totals := make([]int64, len(st.containers))

	g, _ := errgroup.WithContext(context.Background())
	for i, c := range st.containers {
		i, c := i, c
		g.Go(func() error {
			for _, sec := range c.sections {
				entries, err := os.ReadDir(filepath.Join(sec.dir, ArchiveDirName))
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return err
				}
				for _, e := range entries {
					info, err := e.Info()
					if err != nil {
						continue
					}
					results[i] = append(results[i], archived{
						mtime: info.ModTime(),
						path:  filepath.Join(sec.dir, ArchiveDirName, e.Name()),
						size:  info.Size(),
					})
					totals[i] += info.Size()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	set := btree.NewG[archived](8, lessArchived)
	var total int64
	for i := range results {
		total += totals[i]
		for _, a := range results[i] {
			set.ReplaceOrInsert(a)
			if set.Len() > retentionSetSize {
				set.DeleteMax()
			}
		}
	}
	return set, total, nil
}
