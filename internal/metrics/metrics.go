// Package metrics exposes prometheus collectors for the key pool, upstream
// attempts and the cache store. A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

type Collector struct {
	keySelections *prometheus.CounterVec
	keyFailures   *prometheus.CounterVec
	keyRecoveries prometheus.Counter
	keyResets     prometheus.Counter
	keysFailed    prometheus.Gauge

	attemptsTotal *prometheus.CounterVec
	callsTotal    *prometheus.CounterVec

	cacheLookups  *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	cacheDeletes  *prometheus.CounterVec
	cacheEntries  prometheus.Gauge
	cacheBytes    prometheus.Gauge
	upstreamFetch *prometheus.HistogramVec
	responseSizes *prometheus.HistogramVec
}

// New registers all collectors on the default registerer.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		keySelections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "keypool", Name: "selections_total",
			Help: "Credentials handed out by the key pool",
		}, []string{"mode", "fail_open"}),
		keyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "keypool", Name: "failures_total",
			Help: "Credentials marked as failed",
		}, []string{"reason"}),
		keyRecoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "keypool", Name: "recoveries_total",
			Help: "Failed credentials marked working again after a success",
		}),
		keyResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "keypool", Name: "resets_total",
			Help: "Bulk resets of failed credentials",
		}),
		keysFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sporthub", Subsystem: "keypool", Name: "failed_keys",
			Help: "Credentials currently quarantined",
		}),
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "upstream", Name: "attempts_total",
			Help: "Upstream dispatch attempts by host and outcome",
		}, []string{"host", "outcome"}),
		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "upstream", Name: "calls_total",
			Help: "Logical upstream calls by host, final status and attempts used",
		}, []string{"host", "status", "attempts"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "cache", Name: "lookups_total",
			Help: "Cache reads by source and result",
		}, []string{"source", "result"}),
		cacheWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "cache", Name: "writes_total",
			Help: "Cache writes by result",
		}, []string{"result"}),
		cacheDeletes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sporthub", Subsystem: "cache", Name: "deletes_total",
			Help: "Cache entries deleted by reason",
		}, []string{"reason"}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sporthub", Subsystem: "cache", Name: "entries",
			Help: "Entries known to the cache index",
		}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sporthub", Subsystem: "cache", Name: "bytes",
			Help: "Serialized size of entries known to the cache index",
		}),
		upstreamFetch: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sporthub", Subsystem: "scores", Name: "fetch_duration_seconds",
			Help:    "Duration of cache-miss fetches including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"domain", "result"}),
		responseSizes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sporthub", Subsystem: "scores", Name: "response_bytes",
			Help:    "Size of payloads returned to clients",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"source"}),
	}
}

func (c *Collector) KeySelected(mode string, failOpen bool) {
	if c == nil {
		return
	}
	c.keySelections.WithLabelValues(mode, strconv.FormatBool(failOpen)).Inc()
}

func (c *Collector) KeyFailed(reason string) {
	if c == nil {
		return
	}
	c.keyFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) KeyRecovered() {
	if c == nil {
		return
	}
	c.keyRecoveries.Inc()
}

func (c *Collector) KeysReset() {
	if c == nil {
		return
	}
	c.keyResets.Inc()
}

func (c *Collector) SetFailedKeys(n int) {
	if c == nil {
		return
	}
	c.keysFailed.Set(float64(n))
}

func (c *Collector) Attempt(host, outcome string) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(host, outcome).Inc()
}

// Call records the end of one logical call. status is 0 for transport errors.
func (c *Collector) Call(host string, status, attempts int) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(host, strconv.Itoa(status), strconv.Itoa(attempts)).Inc()
}

func (c *Collector) CacheLookup(source string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(source, result).Inc()
}

func (c *Collector) CacheWrite(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.cacheWrites.WithLabelValues(result).Inc()
}

func (c *Collector) CacheDeleted(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheDeletes.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) SetCacheSize(entries int, bytes int64) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

func (c *Collector) ObserveFetch(domain, result string, seconds float64) {
	if c == nil {
		return
	}
	c.upstreamFetch.WithLabelValues(domain, result).Observe(seconds)
}

func (c *Collector) ObserveResponse(source string, n int) {
	if c == nil {
		return
	}
	c.responseSizes.WithLabelValues(source).Observe(float64(n))
}

// ResponseSizes sums the response size histogram over all sources.
func (c *Collector) ResponseSizes() (count uint64, sum float64) {
	if c == nil {
		return 0, 0
	}
	ch := make(chan prometheus.Metric, 8)
	go func() {
		c.responseSizes.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		count += pb.GetHistogram().GetSampleCount()
		sum += pb.GetHistogram().GetSampleSum()
	}
	return count, sum
}
