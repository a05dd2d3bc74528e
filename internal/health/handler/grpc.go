// Package handler reports readiness of the process's backing stores over HTTP and the gRPC health
// protocol.
package handler

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trade-machine/backend/internal/platform/httpx"
)

// Pinger is a dependency that can report reachability (Redis, Postgres).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker verifies the authorization policy engine can evaluate.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependency is a named Pinger.
type Dependency struct {
	Name   string
	Pinger Pinger
}

// Report is the readiness result. Checks maps dependency name to "ok" or the failure text.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	return r.Status == "ok"
}

// Checker runs readiness checks. A nil policy checker or a dependency with a nil Pinger is skipped.
type Checker struct {
	deps    []Dependency
	policy  PolicyChecker
	timeout time.Duration
}

func NewChecker(policy PolicyChecker, deps ...Dependency) *Checker {
	return &Checker{deps: deps, policy: policy, timeout: 2 * time.Second}
}

// Check pings every dependency, each bounded by the checker timeout.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{Status: "ok", Checks: make(map[string]string, len(c.deps)+1)}
	record := func(name string, err error) {
		if err != nil {
			r.Status = "unavailable"
			r.Checks[name] = err.Error()
			return
		}
		r.Checks[name] = "ok"
	}
	for _, d := range c.deps {
		if d.Pinger == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		record(d.Name, d.Pinger.Ping(pctx))
		cancel()
	}
	if c.policy != nil {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		record("policy", c.policy.HealthCheck(pctx))
		cancel()
	}
	return r
}

// ServeHTTP writes the report with 200 when healthy and 503 otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := c.Check(r.Context())
	status := http.StatusOK
	if !rep.Healthy() {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, rep)
}

// Sync runs the checks once and publishes the result on hs for the overall server ("") and
// each named service.
func (c *Checker) Sync(ctx context.Context, hs *health.Server, services ...string) Report {
	rep := c.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if !rep.Healthy() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	for _, s := range services {
		hs.SetServingStatus(s, st)
	}
	return rep
}

// Watch calls Sync every interval until ctx is canceled.
func (c *Checker) Watch(ctx context.Context, hs *health.Server, interval time.Duration, services ...string) {
	c.Sync(ctx, hs, services...)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sync(ctx, hs, services...)
		}
	}
}
