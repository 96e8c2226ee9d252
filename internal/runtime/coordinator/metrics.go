package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
)

// Metrics collects Prometheus instrumentation for the coordinator. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	batchesTotal     prometheus.Counter
	batchDuration    prometheus.Histogram
	itemsClaimed     *prometheus.CounterVec
	completionsTotal *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	instancesEvicted prometheus.Counter
	partitionsOwned  prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbus",
		Subsystem: "coordinator",
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbus",
		Subsystem: "coordinator",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates and registers the coordinator collectors. A nil
// registerer falls back to the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		batchesTotal: newCounter("batches_total", "Total number of committed work batches"),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardbus",
			Subsystem: "coordinator",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one ProcessWorkBatch call",
			Buckets:   prometheus.DefBuckets,
		}),
		itemsClaimed:     newCounterVec("items_claimed_total", "Work items claimed and returned, by queue", []string{"queue"}),
		completionsTotal: newCounterVec("completions_total", "Completion reports applied, by queue", []string{"queue"}),
		failuresTotal:    newCounterVec("failures_total", "Failure reports applied, by queue and reason", []string{"queue", "reason"}),
		instancesEvicted: newCounter("instances_evicted_total", "Stale instances evicted"),
		partitionsOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardbus",
			Subsystem: "coordinator",
			Name:      "partitions_owned",
			Help:      "Partitions owned by this instance after the last batch",
		}),
	}

	registerer.MustRegister(
		m.batchesTotal,
		m.batchDuration,
		m.itemsClaimed,
		m.completionsTotal,
		m.failuresTotal,
		m.instancesEvicted,
		m.partitionsOwned,
	)
	return m
}

func (m *Metrics) observeBatch(elapsed time.Duration, req Request, batch Batch) {
	if m == nil {
		return
	}

	m.batchesTotal.Inc()
	m.batchDuration.Observe(elapsed.Seconds())
	m.itemsClaimed.WithLabelValues("outbox").Add(float64(len(batch.Outbox)))
	m.itemsClaimed.WithLabelValues("inbox").Add(float64(len(batch.Inbox)))
	m.instancesEvicted.Add(float64(len(batch.EvictedInstances)))
	m.partitionsOwned.Set(float64(len(batch.OwnedPartitions)))

	for _, comp := range req.Completions {
		m.completionsTotal.WithLabelValues(string(comp.Queue)).Inc()
	}
	for _, fail := range req.Failures {
		reason := fail.Reason
		if reason == "" {
			reason = errspkg.FailureTransient
		}
		m.failuresTotal.WithLabelValues(string(fail.Queue), string(reason)).Inc()
	}
}
