package logging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// #region async-sink

type queuedEvent struct {
	ctx context.Context
	ev  AuditEvent
}

// AsyncSink queues events for a background writer so request latency does not
// include the audit write. Events are written on a context detached from the
// caller's cancellation: an aborted request still leaves its audit trail.
type AsyncSink struct {
	next    Sink
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	wg     sync.WaitGroup
}

// NewAsyncSink starts the writer goroutine. buffer <= 0 defaults to 256.
func NewAsyncSink(next Sink, buffer int, logger *slog.Logger, metrics *observability.Metrics) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		next:    next,
		logger:  observability.OrNop(logger),
		metrics: metrics,
		queue:   make(chan queuedEvent, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Append enqueues ev. When the queue is full, or the sink is closed, the
// event is written inline instead of being dropped.
func (s *AsyncSink) Append(ctx context.Context, ev AuditEvent) error {
	detached := context.WithoutCancel(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return s.write(detached, ev)
	}
	select {
	case s.queue <- queuedEvent{ctx: detached, ev: ev}:
		return nil
	default:
		return s.write(detached, ev)
	}
}

// Close stops accepting queued events and waits until every queued event
// has been written.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for q := range s.queue {
		if err := s.write(q.ctx, q.ev); err != nil {
			s.logger.Warn("[AUDIT] write failed", "kind", q.ev.Kind, "request_id", q.ev.RequestID, "err", err)
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, ev AuditEvent) error {
	err := s.next.Append(ctx, ev)
	if err != nil {
		s.metrics.IncAuditFailure()
	}
	return err
}

// #endregion async-sink
