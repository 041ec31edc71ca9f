package recflow

import (
	"path/filepath"
	"time"

	"github.com/recflow/recflow/content"
	"github.com/recflow/recflow/provenance"
)

type Options struct {
	// Dir is the repository root; the metadata log, swap files, and the
	// default content/provenance directories live under it.
	Dir string

	// NoSyncOnCommit skips the fsync on every commit frame, trading the
	// durability of the last few commits for throughput.
	NoSyncOnCommit bool

	CheckpointInterval time.Duration

	// SwapThreshold is the per-queue live record count above which SwapOut
	// offloads; SwapBatchSize records go into each swap file.
	SwapThreshold int
	SwapBatchSize int

	Content    content.Options
	Provenance provenance.Options
}

func (o *Options) SetDefaults() {
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = 2 * time.Minute
	}
	if o.SwapThreshold == 0 {
		o.SwapThreshold = 10_000
	}
	if o.SwapBatchSize == 0 {
		o.SwapBatchSize = 10_000
	}
	if len(o.Content.Containers) == 0 {
		o.Content.Containers = map[string]string{
			"default": filepath.Join(o.Dir, "content"),
		}
	}
	if o.Provenance.Dir == "" {
		o.Provenance.Dir = filepath.Join(o.Dir, "provenance")
	}
}

func (o *Options) walDir() string  { return filepath.Join(o.Dir, "metadata") }
func (o *Options) swapDir() string { return filepath.Join(o.Dir, "swap") }
