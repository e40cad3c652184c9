// Package telemetry exposes Prometheus metrics for the scheduling engine.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DueChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_due_checks_total",
		Help: "Due-check sweeps performed"})
	SubscriptionsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_subscriptions_fired_total",
		Help: "Subscription firings by trigger type"},
		[]string{"trigger_type"})
	ExecutionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_executions_completed_total",
		Help: "Executions that reached a completed status"})
	ExecutionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_executions_failed_total",
		Help: "Executions that exhausted retries and failed"})
	DispatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_dispatch_retries_total",
		Help: "Dispatch attempts retried after failure"})
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_dead_letter_total",
		Help: "Executions pushed to the dead-letter queue"})
	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_webhook_events_total",
		Help: "Inbound webhook events by outcome"},
		[]string{"outcome"})
	DueSubscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_due_subscriptions",
		Help: "Subscriptions found due in the last sweep"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DueChecks,
			SubscriptionsFired,
			ExecutionsCompleted,
			ExecutionsFailed,
			DispatchRetries,
			DeadLettered,
			WebhookEvents,
			DueSubscriptionsGauge,
		)
	})
	return promhttp.Handler()
}
