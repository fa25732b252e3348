// Registers:
//
//	#stateflow_events_total
//	#stateflow_batches_flushed_total
//	#stateflow_reconcile_cycles_total
//	#stateflow_read_retries_total
//	#go_* and process_* system metrics
//
// The collectors are exposed through Handler, mounted on the ops server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	eventsTotal     *prometheus.CounterVec
	batchesFlushed  prometheus.Counter
	flushSize       prometheus.Histogram
	reconcileCycles prometheus.Counter
	readRetries     prometheus.Counter
	readExhausted   prometheus.Counter
	archiveWrites   prometheus.Counter
)

func Init() {
	once.Do(func() {
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stateflow_events_total",
				Help: "Number of change events accepted per service",
			},
			[]string{"service"},
		)
		batchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateflow_batches_flushed_total",
			Help: "Number of counter batches flushed downstream",
		})
		flushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stateflow_flush_size",
			Help:    "Number of coalesced increments per flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		})
		reconcileCycles = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateflow_reconcile_cycles_total",
			Help: "Number of completed time-window reconciliation cycles",
		})
		readRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateflow_read_retries_total",
			Help: "Number of retried market-data read attempts",
		})
		readExhausted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateflow_read_exhausted_total",
			Help: "Number of market-data reads that exhausted the retry budget",
		})
		archiveWrites = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateflow_archive_writes_total",
			Help: "Number of history batches archived to S3",
		})

		_ = prometheus.Register(eventsTotal)
		_ = prometheus.Register(batchesFlushed)
		_ = prometheus.Register(flushSize)
		_ = prometheus.Register(reconcileCycles)
		_ = prometheus.Register(readRetries)
		_ = prometheus.Register(readExhausted)
		_ = prometheus.Register(archiveWrites)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncEvent increases the accepted-event counter for a service.
func IncEvent(service string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(service).Inc()
	}
}

// IncFlush records one flushed batch of the given size.
func IncFlush(size int) {
	if batchesFlushed != nil {
		batchesFlushed.Inc()
	}
	if flushSize != nil {
		flushSize.Observe(float64(size))
	}
}

// IncReconcile records one completed reconciliation cycle.
func IncReconcile() {
	if reconcileCycles != nil {
		reconcileCycles.Inc()
	}
}

// IncReadRetry records one failed market-data read attempt.
func IncReadRetry() {
	if readRetries != nil {
		readRetries.Inc()
	}
}

// IncReadExhausted records one read that ran out of attempts.
func IncReadExhausted() {
	if readExhausted != nil {
		readExhausted.Inc()
	}
}

// IncArchiveWrite records one archived history batch.
func IncArchiveWrite() {
	if archiveWrites != nil {
		archiveWrites.Inc()
	}
}
