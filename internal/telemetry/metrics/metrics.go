// Package metrics collects Prometheus metrics for authentication, credential
// refresh, provider calls and delegated ticket creation.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticketbridge/internal/apperr"
)

// Recorder is what services report to. Nop discards everything.
type Recorder interface {
	RecordLogin(outcome string)
	RecordTokenRefresh(provider string, err error)
	ObserveProviderCall(provider, op string, err error, elapsed time.Duration)
	RecordTicketCreated(provider string)
	RecordTicketOrphaned(provider string)
}

// Login outcomes.
const (
	LoginSuccess  = "success"
	LoginFailure  = "invalid_credentials"
	LoginInactive = "inactive"
	LoginError    = "error"
)

// Collector is the Prometheus Recorder.
type Collector struct {
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	ticketsCreated  *prometheus.CounterVec
	ticketsOrphaned *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbridge_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbridge_token_refreshes_total",
			Help: "Provider token refreshes by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbridge_provider_calls_total",
			Help: "Outbound provider calls by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketbridge_provider_call_seconds",
			Help:    "Outbound provider call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		ticketsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbridge_tickets_created_total",
			Help: "External tickets created and linked.",
		}, []string{"provider"}),
		ticketsOrphaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbridge_tickets_orphaned_total",
			Help: "External tickets created whose link could not be persisted.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.providerCalls,
		c.providerLatency,
		c.ticketsCreated,
		c.ticketsOrphaned,
	)
	return c
}

func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTokenRefresh(provider string, err error) {
	c.refreshes.WithLabelValues(provider, Outcome(err)).Inc()
}

func (c *Collector) ObserveProviderCall(provider, op string, err error, elapsed time.Duration) {
	c.providerCalls.WithLabelValues(provider, op, Outcome(err)).Inc()
	c.providerLatency.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

func (c *Collector) RecordTicketCreated(provider string) {
	c.ticketsCreated.WithLabelValues(provider).Inc()
}

func (c *Collector) RecordTicketOrphaned(provider string) {
	c.ticketsOrphaned.WithLabelValues(provider).Inc()
}

// Outcome labels err: "ok", "timeout", "rejected" (terminal OAuth failures) or "error".
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, apperr.ErrOAuthRefreshFailed), errors.Is(err, apperr.ErrOAuthExchangeFailed):
		return "rejected"
	default:
		return "error"
	}
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop is a Recorder that records nothing.
type Nop struct{}

func (Nop) RecordLogin(string)                                       {}
func (Nop) RecordTokenRefresh(string, error)                         {}
func (Nop) ObserveProviderCall(string, string, error, time.Duration) {}
func (Nop) RecordTicketCreated(string)                               {}
func (Nop) RecordTicketOrphaned(string)                              {}
