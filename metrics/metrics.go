// Package metrics exposes Prometheus counters for the marketplace engine.
// A nil *Recorder is valid and records nothing, so wiring metrics stays
// optional in tests and tools.
package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	once            sync.Once
	taskTransitions *prom.CounterVec
	settlements     *prom.CounterVec
	holdAge         prom.Histogram
	holdsExpired    prom.Counter
	outboxDelivery  *prom.CounterVec
	disputes        *prom.CounterVec
	httpRequests    *prom.CounterVec
}

// NewRecorder constructs and registers the metric set (idempotent).
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{}
	r.once.Do(func() {
		r.taskTransitions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gigflow",
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by from/to status",
		}, []string{"from", "to"})
		r.settlements = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gigflow",
			Name:      "settlements_total",
			Help:      "Escrow operations by operation and outcome",
		}, []string{"operation", "outcome"})
		r.holdAge = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "gigflow",
			Name:      "hold_age_seconds",
			Help:      "Time funds spent held before settlement",
			Buckets:   prom.ExponentialBuckets(60, 4, 10),
		})
		r.holdsExpired = prom.NewCounter(prom.CounterOpts{
			Namespace: "gigflow",
			Name:      "holds_expired_total",
			Help:      "Pending holds expired by the reconciler",
		})
		r.outboxDelivery = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gigflow",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox notification deliveries by outcome",
		}, []string{"outcome"})
		r.disputes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gigflow",
			Name:      "disputes_total",
			Help:      "Dispute events by action",
		}, []string{"action"})
		r.httpRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gigflow",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class",
		}, []string{"route", "status"})
		reg.MustRegister(r.taskTransitions, r.settlements, r.holdAge, r.holdsExpired, r.outboxDelivery, r.disputes, r.httpRequests)
	})
	return r
}

func (r *Recorder) RecordTaskTransition(from, to string) {
	if r == nil || r.taskTransitions == nil {
		return
	}
	r.taskTransitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) RecordSettlement(operation, outcome string) {
	if r == nil || r.settlements == nil {
		return
	}
	r.settlements.WithLabelValues(operation, outcome).Inc()
}

func (r *Recorder) ObserveHoldAge(d time.Duration) {
	if r == nil || r.holdAge == nil {
		return
	}
	r.holdAge.Observe(d.Seconds())
}

func (r *Recorder) RecordHoldExpired() {
	if r == nil || r.holdsExpired == nil {
		return
	}
	r.holdsExpired.Inc()
}

func (r *Recorder) RecordOutboxDelivery(ok bool) {
	if r == nil || r.outboxDelivery == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "delivered"
	}
	r.outboxDelivery.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordDispute(action string) {
	if r == nil || r.disputes == nil {
		return
	}
	r.disputes.WithLabelValues(action).Inc()
}

func (r *Recorder) RecordHTTPRequest(route, statusClass string) {
	if r == nil || r.httpRequests == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, statusClass).Inc()
}
