// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the pipeline's prometheus instruments.
type Collector struct {
	queriesTotal         *prometheus.CounterVec
	classificationsTotal *prometheus.CounterVec
	approvalsTotal       *prometheus.CounterVec
	pipelineErrors       *prometheus.CounterVec
	streamDuration       *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered on the default
// prometheus registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total queries processed, by agent type.",
		},
		[]string{"agent_type"},
	)

	c.classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Answer classifications, by label.",
		},
		[]string{"label"},
	)

	c.approvalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Expert hand-off approval decisions, by outcome.",
		},
		[]string{"outcome"},
	)

	c.pipelineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Pipeline failures, by error code.",
		},
		[]string{"code"},
	)

	c.streamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "End-to-end query stream duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"agent_type"},
	)

	return c
}

// RecordQuery counts one processed query.
func (c *Collector) RecordQuery(agentType string) {
	if c == nil {
		return
	}
	c.queriesTotal.WithLabelValues(agentType).Inc()
}

// RecordClassification counts one classification verdict.
func (c *Collector) RecordClassification(label string) {
	if c == nil {
		return
	}
	c.classificationsTotal.WithLabelValues(label).Inc()
}

// RecordApproval counts one approval decision.
func (c *Collector) RecordApproval(approved bool) {
	if c == nil {
		return
	}
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	c.approvalsTotal.WithLabelValues(outcome).Inc()
}

// RecordError counts one pipeline failure.
func (c *Collector) RecordError(code string) {
	if c == nil {
		return
	}
	c.pipelineErrors.WithLabelValues(code).Inc()
}

// ObserveStreamDuration records one end-to-end stream duration.
func (c *Collector) ObserveStreamDuration(agentType string, d time.Duration) {
	if c == nil {
		return
	}
	c.streamDuration.WithLabelValues(agentType).Observe(d.Seconds())
}
