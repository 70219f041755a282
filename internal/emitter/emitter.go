package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/marcohefti/hostipc/internal/protocol"
)

// Listener receives the params of one notification.
type Listener func(payload json.RawMessage)

// Disposable removes exactly the registration it was returned for. Calling
// Dispose more than once is harmless.
type Disposable func()

func (d Disposable) Dispose() {
	if d != nil {
		d()
	}
}

type registration struct {
	fn       Listener
	disposed atomic.Bool
}

type delivery struct {
	method    string
	payload   json.RawMessage
	listeners []*registration
	flushed   chan struct{}
}

type Option func(*Emitter)

// WithNormalizers rewrites payloads per method before listeners see them.
func WithNormalizers(m map[string]protocol.Normalizer) Option {
	return func(e *Emitter) {
		for method, fn := range m {
			if fn != nil {
				e.normalizers[method] = fn
			}
		}
	}
}

// WithOnPanic is told about every listener that panics. Delivery to the
// remaining listeners continues either way.
func WithOnPanic(fn func(method string, recovered any)) Option {
	return func(e *Emitter) { e.onPanic = fn }
}

// Emitter fans notifications out to listeners registered by method name.
// Delivery is deferred: Emit only queues, a single dispatch goroutine calls
// listeners in registration order.
type Emitter struct {
	normalizers map[string]protocol.Normalizer
	onPanic     func(method string, recovered any)

	mu        sync.Mutex
	cond      *sync.Cond
	listeners map[string][]*registration
	queue     []delivery
	closed    bool
	done      chan struct{}
}

func New(opts ...Option) *Emitter {
	e := &Emitter{
		normalizers: map[string]protocol.Normalizer{},
		listeners:   map[string][]*registration{},
		done:        make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

func (e *Emitter) On(method string, fn Listener) Disposable {
	if fn == nil {
		return func() {}
	}
	if norm, ok := e.normalizers[method]; ok {
		inner := fn
		fn = func(payload json.RawMessage) { inner(norm(payload)) }
	}
	reg := &registration{fn: fn}

	e.mu.Lock()
	e.listeners[method] = append(e.listeners[method], reg)
	e.mu.Unlock()

	return func() {
		if !reg.disposed.CompareAndSwap(false, true) {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		regs := e.listeners[method]
		for i, r := range regs {
			if r == reg {
				next := make([]*registration, 0, len(regs)-1)
				next = append(next, regs[:i]...)
				next = append(next, regs[i+1:]...)
				regs = next
				break
			}
		}
		if len(regs) == 0 {
			delete(e.listeners, method)
		} else {
			e.listeners[method] = regs
		}
	}
}

// Listeners reports how many registrations exist for method.
func (e *Emitter) Listeners(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[method])
}

// Emit queues payload for every listener currently registered for method
// and returns without waiting for them.
func (e *Emitter) Emit(method string, payload json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.listeners[method]
	if e.closed || len(regs) == 0 {
		return
	}
	e.queue = append(e.queue, delivery{
		method:    method,
		payload:   payload,
		listeners: append([]*registration(nil), regs...),
	})
	e.cond.Signal()
}

// Flush waits until everything emitted before the call has been delivered.
func (e *Emitter) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.queue = append(e.queue, delivery{flushed: marker})
	e.cond.Signal()
	e.mu.Unlock()

	select {
	case <-marker:
		return nil
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops undelivered notifications and stops the dispatch goroutine.
// It does not wait, so a listener may call it.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	e.listeners = map[string][]*registration{}
	e.cond.Broadcast()
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		d := e.queue[0]
		e.queue[0] = delivery{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if d.flushed != nil {
			close(d.flushed)
			continue
		}
		for _, reg := range d.listeners {
			if reg.disposed.Load() {
				continue
			}
			e.invoke(d.method, reg.fn, d.payload)
		}
	}
}

func (e *Emitter) invoke(method string, fn Listener, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil && e.onPanic != nil {
			e.onPanic(method, rec)
		}
	}()
	fn(payload)
}
