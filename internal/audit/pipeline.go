package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/tracing"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxBuffered   = 10000

	flushTimeout = 10 * time.Second
)

// Writer persists a batch of events atomically.
type Writer interface {
	InsertEvents(ctx context.Context, events []Event) error
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxBuffered bounds the buffer; the oldest events are dropped beyond it.
func WithMaxBuffered(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBuffered = n
		}
	}
}

func WithDetectors(ds ...Detector) Option {
	return func(p *Pipeline) { p.detectors = append(p.detectors, ds...) }
}

func WithPipelineClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline buffers events in memory and writes them in batches, either when
// the batch fills or when the flush timer fires. Events that fail to persist
// go back to the front of the buffer.
type Pipeline struct {
	writer      Writer
	detectors   []Detector
	batchSize   int
	interval    time.Duration
	maxBuffered int
	now         func() time.Time

	mu     sync.Mutex
	buf    []Event
	timer  *time.Timer
	closed bool

	// flushMu serialises writes so re-queued batches keep their order.
	flushMu sync.Mutex
}

var _ Logger = (*Pipeline)(nil)

func NewPipeline(w Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		writer:      w,
		batchSize:   DefaultBatchSize,
		interval:    DefaultFlushInterval,
		maxBuffered: DefaultMaxBuffered,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxBuffered < p.batchSize {
		p.maxBuffered = p.batchSize
	}
	return p
}

// Log stamps, redacts and buffers e, then runs the detectors on it. It never
// fails the caller: persistence and detector problems are logged.
func (p *Pipeline) Log(ctx context.Context, e Event) {
	at := p.now().UTC()
	e = e.sanitized()
	e.ID = ids.NewAt(at)
	e.Timestamp = at
	e.Metadata = Redact(e.Metadata)

	p.mu.Lock()
	p.buf = append(p.buf, e)
	dropped := p.trimLocked()
	n := len(p.buf)
	obs.SetAuditBuffered(n)
	flushNow := n >= p.batchSize || p.closed
	if !flushNow {
		p.armLocked()
	}
	p.mu.Unlock()

	if dropped > 0 {
		obs.AuditDropped(dropped)
		slog.Error("audit buffer full, dropped oldest events", "dropped", dropped, "max", p.maxBuffered)
	}
	if flushNow {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		_ = p.Flush(fctx)
		cancel()
	}
	p.inspect(ctx, e)
}

func (p *Pipeline) inspect(ctx context.Context, e Event) {
	for _, d := range p.detectors {
		if err := d.Inspect(ctx, e); err != nil {
			obs.DetectorError(d.Name())
			slog.Warn("detector failed", "detector", d.Name(), "event_type", e.EventType, "error", err)
		}
	}
}

// Flush writes everything buffered as one batch. On failure the batch is
// put back ahead of newer events and the error is returned.
//
// The buffer gauge is only set while mu is held, so it always reports a
// length the buffer actually had.
func (p *Pipeline) Flush(ctx context.Context) (err error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.buf
	p.buf = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx, end := tracing.StartSpan(ctx, "audit.flush", attribute.Int("audit.events", len(batch)))
	defer func() { end(err) }()

	if err = p.writer.InsertEvents(ctx, batch); err != nil {
		p.mu.Lock()
		merged := make([]Event, 0, len(batch)+len(p.buf))
		merged = append(merged, batch...)
		p.buf = append(merged, p.buf...)
		dropped := p.trimLocked()
		if !p.closed {
			p.armLocked()
		}
		n := len(p.buf)
		obs.SetAuditBuffered(n)
		p.mu.Unlock()

		obs.AuditFlush("failure")
		if dropped > 0 {
			obs.AuditDropped(dropped)
		}
		slog.Error("audit flush failed, re-queued for retry", "count", len(batch), "buffered", n, "dropped", dropped, "error", err)
		return err
	}
	p.mu.Lock()
	obs.SetAuditBuffered(len(p.buf))
	p.mu.Unlock()
	obs.AuditFlush("success")
	slog.Debug("audit batch flushed", "count", len(batch))
	return nil
}

// Buffered returns the number of events waiting to be written.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Close stops the timer and makes a final flush. Events logged afterwards
// are written synchronously.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.Flush(ctx)
}

// armLocked starts the flush timer unless one is pending.
func (p *Pipeline) armLocked() {
	if p.timer != nil || len(p.buf) == 0 {
		return
	}
	p.timer = time.AfterFunc(p.interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = p.Flush(ctx)
	})
}

// trimLocked drops the oldest events beyond maxBuffered.
func (p *Pipeline) trimLocked() int {
	over := len(p.buf) - p.maxBuffered
	if over <= 0 {
		return 0
	}
	p.buf = append([]Event(nil), p.buf[over:]...)
	return over
}
