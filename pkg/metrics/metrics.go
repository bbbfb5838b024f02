package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventdb"

// Metrics holds every collector the engine reports to.
type Metrics struct {
	AppendedRecords prometheus.Counter
	AppendedBytes   prometheus.Counter
	Flushes         prometheus.Counter
	FlushRetries    prometheus.Counter
	FlushDuration   prometheus.Histogram
	ChunksCompleted prometheus.Counter
	Checkpoint      *prometheus.GaugeVec

	ChasedRecords prometheus.Counter

	IndexEntries  prometheus.Counter
	IndexTables   *prometheus.GaugeVec
	IndexMerges   prometheus.Counter
	IndexLookups  *prometheus.CounterVec
	IndexRebuilds prometheus.Counter

	ScavengedChunks  prometheus.Counter
	ScavengedRecords prometheus.Counter
	ScavengedBytes   prometheus.Counter

	ArchivedChunks prometheus.Counter
	ArchiveErrors  prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AppendedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "records_total",
			Help:      "Total number of records appended to the log.",
		}),
		AppendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "bytes_total",
			Help:      "Total number of framed bytes appended to the log.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flushes_total",
			Help:      "Total number of durable flushes.",
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flush_retries_total",
			Help:      "Total number of retried flush attempts.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flush_duration_seconds",
			Help:      "Time spent making appended records durable.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		ChunksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "chunks_completed_total",
			Help:      "Total number of chunks sealed by the writer.",
		}),
		Checkpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_position",
			Help:      "Current log position of each checkpoint, partitioned by name.",
		}, []string{"name"}),
		ChasedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chaser",
			Name:      "records_total",
			Help:      "Total number of records delivered to chaser consumers.",
		}),
		IndexEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "entries_total",
			Help:      "Total number of index entries added.",
		}),
		IndexTables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "ptables",
			Help:      "Number of PTables, partitioned by level.",
		}, []string{"level"}),
		IndexMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "merges_total",
			Help:      "Total number of PTable merges.",
		}),
		IndexLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "lookups_total",
			Help:      "Total number of index lookups, partitioned by result.",
		}, []string{"result"}),
		IndexRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of full index rebuilds after a lost PTable.",
		}),
		ScavengedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "chunks_total",
			Help:      "Total number of chunks rewritten by the scavenger.",
		}),
		ScavengedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "records_removed_total",
			Help:      "Total number of records removed by the scavenger.",
		}),
		ScavengedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "bytes_reclaimed_total",
			Help:      "Total number of bytes reclaimed by the scavenger.",
		}),
		ArchivedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "chunks_total",
			Help:      "Total number of chunks uploaded to the archive.",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "errors_total",
			Help:      "Total number of failed archive uploads.",
		}),
	}

	reg.MustRegister(
		m.AppendedRecords, m.AppendedBytes, m.Flushes, m.FlushRetries, m.FlushDuration,
		m.ChunksCompleted, m.Checkpoint, m.ChasedRecords,
		m.IndexEntries, m.IndexTables, m.IndexMerges, m.IndexLookups, m.IndexRebuilds,
		m.ScavengedChunks, m.ScavengedRecords, m.ScavengedBytes,
		m.ArchivedChunks, m.ArchiveErrors,
	)
	return m
}

// Discard returns collectors registered on a private registry, for tests and tools.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Or returns m, or a discarding set when m is nil.
func Or(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return Discard()
}
