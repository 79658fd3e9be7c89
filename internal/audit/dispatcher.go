package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// DropReason says why a transition record never reached the sink.
type DropReason string

const (
	DropBufferFull      DropReason = "buffer_full"
	DropEmitterCanceled DropReason = "emitter_canceled"
	DropClosed          DropReason = "dispatcher_closed"
)

// Config controls how session transition records are buffered.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit discard instead of waiting for buffer space.
	DropIfFull bool
	// OnDrop runs on the emitting goroutine for every discarded record.
	OnDrop func(Event, DropReason)
}

// Dispatcher relays transition records from verification flows to a Sink on
// a single goroutine, so sinks see records in emission order.
//
// Records emitted after Close are counted in Dropped rather than lost.
type Dispatcher struct {
	cfg     Config
	sink    Sink
	pending chan Event
	done    chan struct{}
	wg      sync.WaitGroup

	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher returns nil when auditing is disabled; a nil Dispatcher
// accepts and ignores every call.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		pending: make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.forward()

	return d
}

func (d *Dispatcher) forward() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.pending:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			d.flush()
			return
		}
	}
}

// flush hands every buffered record to the sink once Close has been called.
func (d *Dispatcher) flush() {
	for {
		select {
		case event := <-d.pending:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues event. With DropIfFull the call never blocks; otherwise it
// waits for buffer space until ctx ends or the dispatcher closes.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if d.closed.Load() {
		d.drop(event, DropClosed)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.pending <- event:
		case <-d.done:
			d.drop(event, DropClosed)
		default:
			d.drop(event, DropBufferFull)
		}
		return
	}

	select {
	case d.pending <- event:
	case <-ctx.Done():
		d.drop(event, DropEmitterCanceled)
	case <-d.done:
		d.drop(event, DropClosed)
	}
}

func (d *Dispatcher) drop(event Event, reason DropReason) {
	d.dropped.Add(1)
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(event, reason)
	}
}

// Close stops accepting records and blocks until the buffer is flushed.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
		// An emitter that raced Close may have buffered after the flush.
		for {
			select {
			case event := <-d.pending:
				d.drop(event, DropClosed)
			default:
				return
			}
		}
	})
}

// Dropped counts records that never reached the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
