package recflow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/recflow/recflow/content"
	"github.com/recflow/recflow/provenance"
	"github.com/recflow/recflow/wal"
)

var CommitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recflow",
	Name:      "commits",
}, []string{"result"})

var CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "recflow",
	Name:      "commit_duration_ms",
	Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
})

var CacheRecords = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "recflow",
	Name:      "cache_records",
})

var SwapCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recflow",
	Name:      "swaps",
}, []string{"direction"})

// Collectors returns every collector of the repository and its
// subsystems, ready for prometheus.Registerer.MustRegister. Nothing is
// registered implicitly; embedding applications own the registry.
func (r *Repo) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CommitCount, CommitDuration, CacheRecords, SwapCount,
		wal.AppendCount, wal.AppendDuration, wal.CheckpointDuration, wal.CheckpointRecords,
		content.AppendBytes, content.ReadBytes, content.CleanupCount,
		provenance.EventCount, provenance.RolloverCount, provenance.RolloverDuration,
		provenance.NewShardCollector(r.prov.Shards()),
	}
}
