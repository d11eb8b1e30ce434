package adapter

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// defaultEmitterBuffer is sized so a full streamed turn fits without the
// consumer keeping pace chunk for chunk.
const defaultEmitterBuffer = 256

// Emitter is the bounded outward event queue owned by each adapter. Emit
// and Close are safe to call from any goroutine; after Close, Emit is a
// no-op, which is what guarantees that nothing is emitted after
// Disconnect returns.
type Emitter struct {
	ch     chan Event
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewEmitter creates an emitter with the given buffer size; size <= 0
// selects the default.
func NewEmitter(size int, log *logger.Logger) *Emitter {
	if size <= 0 {
		size = defaultEmitterBuffer
	}
	if log == nil {
		log = logger.Default()
	}
	return &Emitter{
		ch:     make(chan Event, size),
		logger: log,
	}
}

// Events returns the receive side of the queue.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit enqueues an event. If the consumer has fallen a full buffer
// behind, the event is dropped with a warning rather than blocking the
// protocol read loop.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	select {
	case e.ch <- ev:
	default:
		e.logger.Warn("event queue full, dropping event", zap.String("event_type", string(ev.Type)))
	}
}

// Close closes the event channel. Safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
