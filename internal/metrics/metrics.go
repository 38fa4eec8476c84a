// Package metrics exposes Prometheus instruments for the consolidation pipeline.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every instrument.
type Collector struct {
	registry *prometheus.Registry

	flushesTotal    *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	flushRetries    prometheus.Counter
	overflowTotal   prometheus.Counter
	episodesTotal   *prometheus.CounterVec
	labelsTotal     *prometheus.CounterVec
	extractions     *prometheus.CounterVec
	semanticChanges *prometheus.CounterVec
	prunedTotal     prometheus.Counter
	reflectTotal    *prometheus.CounterVec
	actionsTotal    *prometheus.CounterVec
}

// NewCollector registers the instruments under namespace in a private registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		flushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_flushes_total",
			Help:      "Session flushes by outcome.",
		}, []string{"status"}), // ok, overflow, skipped
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_flush_duration_seconds",
			Help:      "Time from flush start to episode stored.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		flushRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_flush_retries_total",
			Help:      "Retried flush attempts.",
		}),
		overflowTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_overflow_records_total",
			Help:      "Buffers written to the overflow store.",
		}),
		episodesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_stored_total",
			Help:      "Episodes written by emotion.",
		}, []string{"emotion"}),
		labelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_label_decisions_total",
			Help:      "Label decisions by kind.",
		}, []string{"kind"}), // reused, new, folded, fallback
		extractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_extractions_total",
			Help:      "Semantic extraction runs by outcome.",
		}, []string{"status"}),
		semanticChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_memories_total",
			Help:      "Semantic memories created or reinforced.",
		}, []string{"change"}),
		prunedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_pruned_total",
			Help:      "Semantic memories pruned.",
		}),
		reflectTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflect_queries_total",
			Help:      "Reflective queries by agent and outcome.",
		}, []string{"agent", "status"}),
		actionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflect_actions_total",
			Help:      "External actions by outcome.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordFlush(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.flushesTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		c.flushDuration.Observe(d.Seconds())
	}
}

func (c *Collector) RecordFlushRetry() {
	if c == nil {
		return
	}
	c.flushRetries.Inc()
}

func (c *Collector) RecordOverflow() {
	if c == nil {
		return
	}
	c.overflowTotal.Inc()
}

func (c *Collector) RecordEpisode(emotion string) {
	if c == nil {
		return
	}
	c.episodesTotal.WithLabelValues(emotion).Inc()
}

func (c *Collector) RecordLabel(kind string) {
	if c == nil {
		return
	}
	c.labelsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordExtraction(status string, created, reinforced int) {
	if c == nil {
		return
	}
	c.extractions.WithLabelValues(status).Inc()
	c.semanticChanges.WithLabelValues("created").Add(float64(created))
	c.semanticChanges.WithLabelValues("reinforced").Add(float64(reinforced))
}

func (c *Collector) RecordPrune(n int) {
	if c == nil {
		return
	}
	c.prunedTotal.Add(float64(n))
}

func (c *Collector) RecordReflect(agent, status string) {
	if c == nil {
		return
	}
	c.reflectTotal.WithLabelValues(agent, status).Inc()
}

func (c *Collector) RecordAction(status string) {
	if c == nil {
		return
	}
	c.actionsTotal.WithLabelValues(status).Inc()
}
