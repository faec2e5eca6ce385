package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxypool"

// Collector groups the pool's instruments on a private registry so tests and
// multiple managers in one process do not collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	Probes          *prometheus.CounterVec
	SourceFetches   *prometheus.CounterVec
	Persisted       prometheus.Counter
	StoreErrors     prometheus.Counter
	Consumed        prometheus.Counter
	RefreshDuration prometheus.Histogram
	Candidates      prometheus.Gauge
	PoolAvailable   prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Proxy probes by outcome.",
		}, []string{"result"}),
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Candidate source downloads by outcome.",
		}, []string{"status"}),
		Persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_total",
			Help:      "Validated proxies written to the store.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store writes that failed and were skipped.",
		}),
		Consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Consume calls made by pool consumers.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of refresh runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		Candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates",
			Help:      "Distinct candidates seen by the last refresh.",
		}),
		PoolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_proxies",
			Help:      "Proxies with remaining quota after the last refresh.",
		}),
	}

	c.registry.MustRegister(
		c.Probes,
		c.SourceFetches,
		c.Persisted,
		c.StoreErrors,
		c.Consumed,
		c.RefreshDuration,
		c.Candidates,
		c.PoolAvailable,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// The helpers below tolerate a nil collector so callers can leave metrics
// disabled without branching.

func (c *Collector) ObserveProbe(result string) {
	if c == nil {
		return
	}
	c.Probes.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveSource(ok bool) {
	if c == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.SourceFetches.WithLabelValues(status).Inc()
}

func (c *Collector) ObservePersist(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.StoreErrors.Inc()
		return
	}
	c.Persisted.Inc()
}

func (c *Collector) ObserveConsume() {
	if c == nil {
		return
	}
	c.Consumed.Inc()
}

func (c *Collector) ObserveRefresh(started time.Time, candidates int) {
	if c == nil {
		return
	}
	c.RefreshDuration.Observe(time.Since(started).Seconds())
	c.Candidates.Set(float64(candidates))
}

func (c *Collector) SetAvailable(n int64) {
	if c == nil {
		return
	}
	c.PoolAvailable.Set(float64(n))
}
