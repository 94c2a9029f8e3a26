// Package health reports liveness and readiness over HTTP and the standard gRPC
// health service. Readiness requires the store to answer a ping and the ticket
// policy to evaluate.
package health

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ticketbridge/internal/server/httpx"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 2 * time.Second

// Pinger is used for readiness (e.g. the credential store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker is used for readiness (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker runs the readiness checks. A nil dependency is skipped.
type Checker struct {
	pinger Pinger
	policy PolicyChecker
}

// NewChecker returns a Checker. pinger and policy may be nil.
func NewChecker(pinger Pinger, policy PolicyChecker) *Checker {
	return &Checker{pinger: pinger, policy: policy}
}

// Check returns the first failing dependency.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if c.pinger != nil {
		if err := c.pinger.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// Live always answers 200 while the process serves HTTP.
func (c *Checker) Live(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Ready answers 200 when every check passes and 503 otherwise. Failure details are logged, not returned.
func (c *Checker) Ready(w http.ResponseWriter, r *http.Request) {
	if err := c.Check(r.Context()); err != nil {
		log.Printf("health: not ready: %v", err)
		httpx.WriteJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// ServingStatus maps the readiness checks to a gRPC health status.
func (c *Checker) ServingStatus(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if err := c.Check(ctx); err != nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Watch updates srv's overall status ("") every interval until ctx ends, then
// marks it NOT_SERVING. It runs one check immediately.
func (c *Checker) Watch(ctx context.Context, srv *grpchealth.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := c.ServingStatus(ctx)
		if st != last {
			log.Printf("health: serving status %s", st)
			last = st
		}
		srv.SetServingStatus("", st)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
