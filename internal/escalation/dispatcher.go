// Package escalation forwards detected threats to the external threat
// response channels. Delivery is best effort: sink failures are logged and
// never reach the request path.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/bastion/internal/domain"
)

// Threat types raised by the request pipeline.
const (
	TypeRateLimitAbuse    = "rate_limit_abuse"
	TypeRapidRequests     = "rapid_requests"
	TypeSuspiciousRequest = "suspicious_request"
)

// ErrClosed is returned by Escalate after Close.
var ErrClosed = errors.New("escalation: dispatcher closed") //nolint:gochecknoglobals // sentinel error

// Threat is one escalation payload.
type Threat struct {
	ID             uuid.UUID       `json:"id"`
	Type           string          `json:"type"`
	SourceIdentity string          `json:"source_identity"`
	Severity       domain.Severity `json:"severity"`
	Confidence     float64         `json:"confidence"`
	Indicators     []string        `json:"indicators"`
	Details        map[string]any  `json:"details,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// Sink delivers threats to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, t *Threat) error
}

// Dispatcher fans a threat out to every sink concurrently. Detached
// escalations go through a bounded queue drained by a fixed worker pool;
// when the queue is full the threat is dropped.
type Dispatcher struct {
	sinks     []Sink
	timeout   time.Duration
	workers   int
	queueSize int
	onResult  func(sink string, err error)
	onDrop    func(t *Threat)

	queue chan *Threat
	mu    sync.Mutex
	// closed is guarded by mu; queue is only closed while mu is held.
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each detached escalation.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) { ds.timeout = d }
}

// WithWorkers sets the number of goroutines delivering detached escalations.
func WithWorkers(n int) Option {
	return func(ds *Dispatcher) { ds.workers = n }
}

// WithQueueSize sets how many detached escalations may wait for a worker.
func WithQueueSize(n int) Option {
	return func(ds *Dispatcher) { ds.queueSize = n }
}

// OnResult registers a callback invoked once per sink delivery.
func OnResult(fn func(sink string, err error)) Option {
	return func(ds *Dispatcher) { ds.onResult = fn }
}

// OnDrop registers a callback invoked for every threat rejected by a full
// queue.
func OnDrop(fn func(t *Threat)) Option {
	return func(ds *Dispatcher) { ds.onDrop = fn }
}

// NewDispatcher starts the worker pool. Callers must Close it.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:     sinks,
		timeout:   10 * time.Second,
		workers:   4,
		queueSize: 1024,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.workers = max(d.workers, 1)
	d.queueSize = max(d.queueSize, 0)
	d.queue = make(chan *Threat, d.queueSize)

	for range d.workers {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Escalate delivers t to all sinks and waits for them. Sink failures are
// logged, not returned.
func (d *Dispatcher) Escalate(ctx context.Context, t *Threat) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	d.deliver(ctx, t)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, t *Threat) {
	fill(t)

	var wg sync.WaitGroup
	for _, s := range d.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.send(ctx, s, t)
		}()
	}
	wg.Wait()
}

// EscalateAsync queues t for background delivery under the dispatcher
// timeout. It never blocks: a full queue drops t.
func (d *Dispatcher) EscalateAsync(t *Threat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		log.Warn().Str("type", t.Type).Str("identity", t.SourceIdentity).Msg("escalation dropped after close")
		return
	}

	select {
	case d.queue <- t:
	default:
		log.Warn().
			Str("type", t.Type).
			Str("identity", t.SourceIdentity).
			Int("queue_size", d.queueSize).
			Msg("escalation queue full, threat dropped")
		if d.onDrop != nil {
			d.onDrop(t)
		}
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for t := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		d.deliver(ctx, t)
		cancel()
	}
}

// Close stops accepting new escalations, drains the queue and waits for the
// workers. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, s Sink, t *Threat) {
	err := s.Send(ctx, t)
	if d.onResult != nil {
		d.onResult(s.Name(), err)
	}
	if err != nil {
		log.Error().Err(err).
			Str("sink", s.Name()).
			Str("threat_id", t.ID.String()).
			Str("type", t.Type).
			Str("identity", t.SourceIdentity).
			Msg("threat escalation failed")
	}
}

func fill(t *Threat) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = time.Now().UTC()
	}
}
