package ratelimit

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// Config holds the composite check limits. Zero-valued limits disable the
// corresponding check.
type Config struct {
	UserLimit    Limit
	ProjectLimit Limit
	IPLimit      Limit
	// EndpointLimit applies to any endpoint without an override.
	EndpointLimit Limit
	// EndpointLimits overrides limits per normalized path.
	EndpointLimits map[string]Limit
	// EndpointCosts overrides the per-request cost per normalized path
	// (elevated writes such as bulk imports).
	EndpointCosts map[string]int

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = observability.NewStandardLogger("rate-limiter")
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewNoopMetricsClient()
	}
}

func (c *Config) nowFunc() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		UserLimit:     Limit{Requests: 100, Window: time.Minute},
		ProjectLimit:  Limit{Requests: 1000, Window: time.Minute},
		IPLimit:       Limit{Requests: 300, Window: time.Minute},
		EndpointLimit: Limit{Requests: 200, Window: time.Minute},
	}
}

// Request carries the identifiers of one incoming request.
type Request struct {
	ProjectID string
	UserID    string
	IP        string
	// Endpoint is the request path; it is normalized before lookup.
	Endpoint string
	// Write requests cost 2 instead of 1 unless the endpoint overrides it.
	Write bool
}

var (
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizePath collapses dynamic path segments (UUIDs, numeric IDs) to "id"
// so endpoint limits key on route shape rather than concrete resources.
func NormalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if uuidSegment.MatchString(seg) || numericSegment.MatchString(seg) {
			segments[i] = "id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// cost returns the request cost: read 1, write 2, per-endpoint override.
func (r *RateLimiter) cost(req Request) int {
	if req.Endpoint != "" {
		if c, ok := r.config.EndpointCosts[NormalizePath(req.Endpoint)]; ok && c >= 1 {
			return c
		}
	}
	if req.Write {
		return 2
	}
	return 1
}

// endpointLimit returns the limit for the request's endpoint.
func (r *RateLimiter) endpointLimit(req Request) Limit {
	if req.Endpoint != "" {
		if l, ok := r.config.EndpointLimits[NormalizePath(req.Endpoint)]; ok {
			return l
		}
	}
	return r.config.EndpointLimit
}

// Check runs every applicable limit for the request. The request is admitted
// only if all checks pass; the returned decision is the most restrictive one
// (lowest remaining). A denial returns immediately with its reset hint.
func (r *RateLimiter) Check(ctx context.Context, req Request) (*Decision, error) {
	cost := r.cost(req)

	type check struct {
		kind       Kind
		identifier string
		limit      Limit
	}
	checks := make([]check, 0, 4)
	if req.UserID != "" && r.config.UserLimit.Requests > 0 {
		checks = append(checks, check{KindUser, req.UserID, r.config.UserLimit})
	}
	if r.config.ProjectLimit.Requests > 0 {
		checks = append(checks, check{KindProject, req.ProjectID, r.config.ProjectLimit})
	}
	if req.IP != "" && r.config.IPLimit.Requests > 0 {
		checks = append(checks, check{KindIP, req.IP, r.config.IPLimit})
	}
	if req.Endpoint != "" {
		if limit := r.endpointLimit(req); limit.Requests > 0 {
			checks = append(checks, check{KindEndpoint, NormalizePath(req.Endpoint), limit})
		}
	}

	var most *Decision
	for _, c := range checks {
		decision, err := r.CheckSlidingWindow(ctx, req.ProjectID, c.identifier, c.kind, cost, c.limit)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return decision, nil
		}
		if most == nil || decision.Remaining < most.Remaining {
			most = decision
		}
	}
	if most == nil {
		// No limits configured; admit unconditionally.
		most = &Decision{Allowed: true}
	}
	return most, nil
}
