// Package guard composes the threat cache, circuit breaker, adaptive rate
// limiter and audit chain into one request pipeline. A Guard is built once
// at process start and shared by every request.
package guard

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/breaker"
	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/escalation"
	"github.com/gosuda/bastion/internal/identity"
	"github.com/gosuda/bastion/internal/ratelimit"
	"github.com/gosuda/bastion/internal/threat"
)

// AuditAppender is the audit chain as seen by the pipeline.
type AuditAppender interface {
	Append(ctx context.Context, rec audit.ActionRecord) (*domain.TamperEvidentRecord, error)
}

// Escalator forwards threats without blocking the caller.
type Escalator interface {
	EscalateAsync(t *escalation.Threat)
}

// Observer receives pipeline measurements. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveRequest(routeClass string, status int, d time.Duration)
	RateLimited(routeClass, severity string)
	ThreatDenied(reason string)
	Suspicious(indicator string)
	CircuitTransition(from, to string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration) {}
func (nopObserver) RateLimited(string, string)                {}
func (nopObserver) ThreatDenied(string)                       {}
func (nopObserver) Suspicious(string)                         {}
func (nopObserver) CircuitTransition(string, string)          {}

// Deps are the collaborators a Guard drives.
type Deps struct {
	Resolver  *identity.Resolver
	Threats   *threat.Cache
	Limiter   *ratelimit.Limiter
	Chain     AuditAppender
	Events    domain.SecurityEventRepository
	Escalator Escalator
	Observer  Observer
}

// Config tunes the pipeline.
type Config struct {
	Routes          *RouteClassifier
	AuditedPrefixes []string
	BodySampleBytes int64
	AuditTimeout    time.Duration
	// RepeatWindow coalesces repeated deny and suspicious records per
	// identity. Zero means ten seconds, negative disables coalescing.
	RepeatWindow   time.Duration
	Breaker        breaker.Config
	BreakerOptions []breaker.Option
	// Now overrides the clock used for coalescing.
	Now func() time.Time
}

// Guard is the per-process security context.
type Guard struct {
	resolver  *identity.Resolver
	threats   *threat.Cache
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	chain     AuditAppender
	events    domain.SecurityEventRepository
	escalator Escalator
	observer  Observer

	routes     *RouteClassifier
	audited    []string
	bodySample int64
	auditWait  time.Duration
	repeats    *repeatFilter
}

func New(deps Deps, cfg Config) *Guard {
	g := &Guard{
		resolver:   deps.Resolver,
		threats:    deps.Threats,
		limiter:    deps.Limiter,
		chain:      deps.Chain,
		events:     deps.Events,
		escalator:  deps.Escalator,
		observer:   deps.Observer,
		routes:     cfg.Routes,
		audited:    cfg.AuditedPrefixes,
		bodySample: cfg.BodySampleBytes,
		auditWait:  cfg.AuditTimeout,
	}
	if g.observer == nil {
		g.observer = nopObserver{}
	}
	if g.routes == nil {
		g.routes = NewRouteClassifier(DefaultRouteRules(), "")
	}
	if g.bodySample <= 0 {
		g.bodySample = 8 << 10
	}
	if g.auditWait <= 0 {
		g.auditWait = 5 * time.Second
	}
	window := cfg.RepeatWindow
	if window == 0 {
		window = 10 * time.Second
	}
	g.repeats = newRepeatFilter(window, cfg.Now)

	opts := append([]breaker.Option{breaker.OnTransition(g.circuitTransition)}, cfg.BreakerOptions...)
	g.breaker = breaker.New(cfg.Breaker, opts...)
	return g
}

// Breaker exposes the circuit breaker for operator endpoints.
func (g *Guard) Breaker() *breaker.Breaker { return g.breaker }

// request carries what every stage needs to know about one request.
type request struct {
	id       identity.Identity
	key      string
	class    ratelimit.RouteClass
	routeKey string
	method   string
	path     string
	agent    string
}

// Middleware runs the pipeline in a fixed order: threat cache, advisory
// inspection, circuit breaker, rate limiter, handler under the class
// deadline, breaker outcome, audit.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := g.resolver.Resolve(r)
		req := &request{
			id:       id,
			key:      id.String(),
			class:    g.limiter.Class(g.routes.Classify(r.URL.Path)),
			routeKey: RouteKey(r),
			method:   r.Method,
			path:     r.URL.Path,
			agent:    r.UserAgent(),
		}
		ctx := identity.WithIdentity(r.Context(), id)
		r = r.WithContext(ctx)

		if g.threats.IsBlocked(ctx, req.key) {
			g.denyThreat(ctx, w, req, domain.EventAccessBlocked, CodeIdentityBlocked, "identity is blocked")
			return
		}
		if g.threats.IsQuarantined(ctx, req.key) {
			g.denyThreat(ctx, w, req, domain.EventAccessQuarantined, CodeIdentityQuarantined, "identity is quarantined")
			return
		}

		g.inspect(ctx, r, req)

		if ok, retry := g.breaker.Allow(req.routeKey); !ok {
			g.observer.ObserveRequest(req.class.Name, http.StatusServiceUnavailable, time.Since(start))
			writeProblem(w, http.StatusServiceUnavailable, CodeCircuitOpen, "route temporarily unavailable", retry)
			return
		}

		dec := g.limiter.Check(req.key, req.class.Name)
		if !dec.Allowed {
			g.rateLimited(ctx, req, dec)
			g.observer.ObserveRequest(req.class.Name, http.StatusTooManyRequests, time.Since(start))
			writeProblem(w, http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded", dec.RetryAfter)
			return
		}

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		timedOut := g.serve(ww, r, next, req.class.Timeout)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			g.breaker.RecordFailure(req.routeKey)
		} else {
			g.breaker.RecordSuccess(req.routeKey)
		}

		elapsed := time.Since(start)
		g.observer.ObserveRequest(req.class.Name, status, elapsed)
		if timedOut {
			log.Warn().Str("route", req.routeKey).Dur("timeout", req.class.Timeout).Msg("request deadline exceeded")
		}
		if g.isAudited(req.path) {
			g.appendAudit(ctx, audit.ActionRecord{
				ActorID:    req.key,
				EventType:  domain.EventHTTPRequest,
				EntityType: "route",
				EntityID:   req.routeKey,
				Action:     strings.ToLower(req.method),
				Metadata: map[string]any{
					"route_class": req.class.Name,
					"status":      status,
					"duration_ms": elapsed.Milliseconds(),
					"timed_out":   timedOut,
				},
				IPAddress: id.IP,
				UserAgent: req.agent,
			})
		}
	})
}

// serve runs next under the route class deadline. The deadline bounds the
// time to the first response byte: when it fires before next has written a
// header, next's context is cancelled, whatever it writes afterwards is
// discarded and a request_timeout problem is sent instead. A response that
// is already streaming, or a hijacked connection, is left alone. serve
// reports whether the deadline fired.
func (g *Guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler, timeout time.Duration) bool {
	if timeout <= 0 {
		next.ServeHTTP(w, r)
		return false
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dw := &deadlineWriter{w: w, header: make(http.Header)}
	timer := time.AfterFunc(timeout, func() {
		if dw.expire() {
			cancel()
		}
	})
	defer timer.Stop()

	next.ServeHTTP(dw, r.WithContext(ctx))

	if !dw.finish() {
		return false
	}
	writeProblem(w, http.StatusServiceUnavailable, CodeRequestTimeout, "request exceeded its deadline", 0)
	return true
}

// deadlineWriter passes writes straight through to the client until the
// deadline expires with nothing written. Headers are staged privately so a
// late handler cannot leak them into the timeout response.
type deadlineWriter struct {
	w      http.ResponseWriter
	header http.Header

	mu          sync.Mutex
	wroteHeader bool
	expired     bool
	finished    bool
}

func (d *deadlineWriter) Header() http.Header { return d.header }

func (d *deadlineWriter) WriteHeader(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired || d.wroteHeader {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		d.copyHeaderLocked()
		d.w.WriteHeader(code)
		return
	}
	d.commitLocked(code)
}

func (d *deadlineWriter) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired {
		return 0, http.ErrHandlerTimeout
	}
	if !d.wroteHeader {
		d.commitLocked(http.StatusOK)
	}
	return d.w.Write(b)
}

func (d *deadlineWriter) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired {
		return
	}
	if !d.wroteHeader {
		d.commitLocked(http.StatusOK)
	}
	if f, ok := d.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection over for protocol upgrades. The deadline no
// longer applies once it succeeds.
func (d *deadlineWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired {
		return nil, nil, http.ErrHandlerTimeout
	}
	h, ok := d.w.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		d.wroteHeader = true
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (d *deadlineWriter) Unwrap() http.ResponseWriter { return d.w }

func (d *deadlineWriter) copyHeaderLocked() {
	dst := d.w.Header()
	for k, v := range d.header {
		dst[k] = v
	}
}

func (d *deadlineWriter) commitLocked(code int) {
	d.wroteHeader = true
	d.copyHeaderLocked()
	d.w.WriteHeader(code)
}

// expire is called by the deadline timer. It reports whether the request
// timed out, which is only the case when nothing has reached the client.
func (d *deadlineWriter) expire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wroteHeader || d.finished {
		return false
	}
	d.expired = true
	return true
}

// finish is called once the handler returns. A handler that wrote nothing
// still gets its staged headers and an implicit 200. It reports whether the
// deadline fired first.
func (d *deadlineWriter) finish() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired {
		return true
	}
	d.finished = true
	if !d.wroteHeader {
		d.commitLocked(http.StatusOK)
	}
	return false
}

func (g *Guard) denyThreat(ctx context.Context, w http.ResponseWriter, req *request, event, code, detail string) {
	g.observer.ThreatDenied(code)
	g.observer.ObserveRequest(req.class.Name, http.StatusForbidden, 0)

	if ok, suppressed := g.repeats.admit(req.key, event); ok {
		meta := map[string]any{
			"route_class":          req.class.Name,
			audit.MetadataSeverity: string(domain.SeverityHigh),
		}
		var details map[string]any
		if suppressed > 0 {
			details = map[string]any{"suppressed_repeats": suppressed}
			meta["suppressed_repeats"] = suppressed
		}
		g.persistEvent(ctx, req, event, domain.SeverityHigh, details)
		g.appendAudit(ctx, audit.ActionRecord{
			ActorID:    req.key,
			EventType:  event,
			EntityType: "route",
			EntityID:   req.routeKey,
			Action:     "deny",
			Metadata:   meta,
			IPAddress:  req.id.IP,
			UserAgent:  req.agent,
		})
	}
	writeProblem(w, http.StatusForbidden, code, detail, 0)
}

func (g *Guard) rateLimited(ctx context.Context, req *request, dec ratelimit.Decision) {
	v := dec.Violation
	g.observer.RateLimited(req.class.Name, string(v.Severity))

	details := map[string]any{
		"route_class":         req.class.Name,
		"violations":          v.Violations,
		"window_count":        v.WindowCount,
		"effective_limit":     dec.EffectiveLimit,
		"backoff_multiplier":  v.BackoffMultiplier,
		"trust_score":         v.TrustScore,
		"retry_after_seconds": retrySeconds(dec.RetryAfter),
	}
	g.persistEvent(ctx, req, domain.EventRateLimitExceeded, v.Severity, details)

	meta := make(map[string]any, len(details)+1)
	for k, val := range details {
		meta[k] = val
	}
	meta[audit.MetadataSeverity] = string(v.Severity)
	g.appendAudit(ctx, audit.ActionRecord{
		ActorID:    req.key,
		EventType:  domain.EventRateLimitExceeded,
		EntityType: "route",
		EntityID:   req.routeKey,
		Action:     "deny",
		Metadata:   meta,
		IPAddress:  req.id.IP,
		UserAgent:  req.agent,
	})

	if v.Escalate {
		g.escalate(&escalation.Threat{
			Type:           escalation.TypeRateLimitAbuse,
			SourceIdentity: req.key,
			Severity:       v.Severity,
			Confidence:     violationConfidence(v),
			Indicators:     v.Reasons,
			Details:        details,
		})
	}
}

// inspect runs the advisory checks. It never rejects the request.
func (g *Guard) inspect(ctx context.Context, r *http.Request, req *request) {
	if freq := g.threats.TrackFrequency(req.key); freq.Crossed {
		details := map[string]any{"count": freq.Count, "route_class": req.class.Name}
		g.persistEvent(ctx, req, domain.EventRapidRequests, domain.SeverityMedium, details)
		g.escalate(&escalation.Threat{
			Type:           escalation.TypeRapidRequests,
			SourceIdentity: req.key,
			Severity:       domain.SeverityMedium,
			Confidence:     0.6,
			Indicators:     []string{domain.EventRapidRequests},
			Details:        details,
		})
	}

	shape := threat.RequestShape{
		Method:    r.Method,
		Path:      r.URL.Path,
		Target:    r.RequestURI,
		RawQuery:  r.URL.RawQuery,
		UserAgent: req.agent,
		Body:      g.sampleBody(r),
	}
	indicators := threat.Classify(shape)
	if len(indicators) == 0 {
		return
	}

	types := make([]string, 0, len(indicators))
	matches := make(map[string]any, len(indicators))
	severity := domain.SeverityLow
	for _, ind := range indicators {
		g.observer.Suspicious(ind.Type)
		types = append(types, ind.Type)
		matches[ind.Type] = ind.Detail
		if sev := indicatorSeverity(ind.Type); sev.Rank() > severity.Rank() {
			severity = sev
		}
	}

	ok, suppressed := g.repeats.admit(req.key, domain.EventSuspiciousRequest+":"+strings.Join(types, ","))
	if !ok {
		return
	}

	details := map[string]any{"route_class": req.class.Name, "indicators": types}
	meta := map[string]any{
		"route_class":          req.class.Name,
		"indicators":           types,
		audit.MetadataSeverity: string(severity),
	}
	if suppressed > 0 {
		details["suppressed_repeats"] = suppressed
		meta["suppressed_repeats"] = suppressed
	}
	g.persistEvent(ctx, req, domain.EventSuspiciousRequest, severity, details)
	g.appendAudit(ctx, audit.ActionRecord{
		ActorID:    req.key,
		EventType:  domain.EventSuspiciousRequest,
		EntityType: "route",
		EntityID:   req.routeKey,
		Action:     "flag",
		Metadata:   meta,
		IPAddress:  req.id.IP,
		UserAgent:  req.agent,
	})
	g.escalate(&escalation.Threat{
		Type:           escalation.TypeSuspiciousRequest,
		SourceIdentity: req.key,
		Severity:       severity,
		Confidence:     min(0.4+0.2*float64(len(indicators)), 1),
		Indicators:     types,
		Details:        map[string]any{"method": req.method, "path": req.path, "matches": matches},
	})
}

// sampleBody reads a bounded prefix of the body and puts it back in front
// of the remaining stream.
func (g *Guard) sampleBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, g.bodySample))
	if err != nil {
		log.Debug().Err(err).Msg("body sample read failed")
	}
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	return buf
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (g *Guard) circuitTransition(key string, from, to breaker.Phase) {
	g.observer.CircuitTransition(string(from), string(to))

	var event string
	var severity domain.Severity
	switch to {
	case breaker.Open:
		event, severity = domain.EventCircuitOpened, domain.SeverityHigh
	case breaker.Closed:
		event, severity = domain.EventCircuitClosed, domain.SeverityLow
	default:
		log.Info().Str("route", key).Str("from", string(from)).Str("to", string(to)).Msg("circuit probing")
		return
	}

	log.Warn().Str("route", key).Str("from", string(from)).Str("to", string(to)).Msg("circuit transition")

	ctx, cancel := context.WithTimeout(context.Background(), g.auditWait)
	defer cancel()
	g.appendAudit(ctx, audit.ActionRecord{
		EventType:  event,
		EntityType: "circuit",
		EntityID:   key,
		Action:     string(to),
		Metadata: map[string]any{
			"from":                 string(from),
			audit.MetadataSeverity: string(severity),
		},
	})
}

func (g *Guard) persistEvent(ctx context.Context, req *request, typ string, sev domain.Severity, details map[string]any) {
	if g.events == nil {
		return
	}
	ev := &domain.SecurityEvent{
		ID:         uuid.New(),
		Type:       typ,
		Severity:   sev,
		Identity:   req.key,
		RouteClass: req.class.Name,
		Route:      req.routeKey,
		IPAddress:  req.id.IP,
		UserAgent:  req.agent,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.events.Persist(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", typ).Str("identity", req.key).Msg("security event persist failed")
	}
}

// appendAudit never fails the request; a lost entry is surfaced at error
// level and through the emergency log inside the chain.
func (g *Guard) appendAudit(ctx context.Context, rec audit.ActionRecord) {
	if g.chain == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditWait)
	defer cancel()

	if _, err := g.chain.Append(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("event_type", rec.EventType).
			Str("actor", rec.ActorID).
			Str("entity", rec.EntityID).
			Msg("audit append failed")
	}
}

func (g *Guard) escalate(t *escalation.Threat) {
	if g.escalator == nil {
		return
	}
	g.escalator.EscalateAsync(t)
}

func (g *Guard) isAudited(path string) bool {
	for _, p := range g.audited {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func indicatorSeverity(kind string) domain.Severity {
	switch kind {
	case threat.IndicatorSQLInjection, threat.IndicatorCommandInjection, threat.IndicatorPathTraversal:
		return domain.SeverityHigh
	case threat.IndicatorXSS, threat.IndicatorConfigAccess, threat.IndicatorAdminProbe:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func violationConfidence(v *ratelimit.Violation) float64 {
	c := 0.5 + 0.1*float64(v.Violations)
	if v.Severity == domain.SeverityCritical {
		c += 0.2
	}
	return min(c, 1)
}
