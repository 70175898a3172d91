// Package ratelimit implements fixed-window admission control keyed by
// credential and by network origin.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/bugshot/internal/cache"
	"github.com/kiranshivaraju/bugshot/internal/metrics"
)

// SubjectKind names the axis a limiter counts on.
type SubjectKind string

const (
	KindCredential SubjectKind = "credential"
	KindOrigin     SubjectKind = "origin"
)

const (
	DefaultCredentialLimit = 100
	DefaultOriginLimit     = 20
	DefaultWindow          = time.Minute
)

// Counter is an atomic increment with a TTL started on first increment.
// cache.RedisCache and MemoryCounter both satisfy it.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Kind       SubjectKind
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per subject in fixed windows.
type Limiter struct {
	counter Counter
	kind    SubjectKind
	limit   int
	window  time.Duration
}

// NewLimiter creates a limiter admitting limit requests per window.
func NewLimiter(c Counter, kind SubjectKind, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{counter: c, kind: kind, limit: limit, window: window}
}

// Admit reports whether subject may proceed.
func (l *Limiter) Admit(ctx context.Context, subject string) bool {
	return l.Check(ctx, subject).Allowed
}

// Check increments the subject's counter and compares it to the ceiling.
// The increment always happens, so denied requests still use up budget.
// A counter failure admits the request.
func (l *Limiter) Check(ctx context.Context, subject string) Decision {
	d := Decision{Allowed: true, Kind: l.kind, Limit: l.limit, Remaining: l.limit}

	count, err := l.counter.IncrWithExpiry(ctx, cache.RateLimitKey(string(l.kind), subject), l.window)
	if err != nil {
		slog.Warn("rate limit backend unavailable, admitting request",
			"kind", l.kind, "subject", subject, "error", err)
		metrics.RateLimitBackendErrors.WithLabelValues(string(l.kind)).Inc()
		return d
	}

	d.Remaining = l.limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > int64(l.limit) {
		d.Allowed = false
		d.RetryAfter = l.window
		metrics.AdmissionDenied.WithLabelValues(string(l.kind)).Inc()
	}
	return d
}

// Gate combines the credential and origin limiters; both must admit.
type Gate struct {
	credential *Limiter
	origin     *Limiter
}

func NewGate(credential, origin *Limiter) *Gate {
	return &Gate{credential: credential, origin: origin}
}

// Admit checks both axes. Both counters are always incremented so traffic
// denied on one axis still counts against the other. The returned decision
// is the denying one, or the tighter of the two when both admit.
func (g *Gate) Admit(ctx context.Context, credential, origin string) Decision {
	cd := g.credential.Check(ctx, credential)
	od := g.origin.Check(ctx, origin)

	switch {
	case !cd.Allowed:
		return cd
	case !od.Allowed:
		return od
	case od.Remaining < cd.Remaining:
		return od
	}
	return cd
}
