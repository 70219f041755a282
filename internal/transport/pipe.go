package transport

import (
	"sync"

	"github.com/marcohefti/hostipc/internal/protocol"
)

type pipeEnd struct {
	peer *pipeEnd

	mu      sync.Mutex
	cond    *sync.Cond
	handler func(protocol.Message)
	queue   []protocol.Message
	closed  bool
}

// Pipe returns two connected in-memory ports. Each end delivers on its own
// goroutine, in order. Messages posted before the receiving end registers a
// handler are held until it does.
func Pipe() (Port, Port) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	go a.run()
	go b.run()
	return a, b
}

func newPipeEnd() *pipeEnd {
	p := &pipeEnd{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeEnd) PostMessage(msg protocol.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.peer.enqueue(msg)
}

func (p *pipeEnd) enqueue(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, msg)
	p.cond.Signal()
	return nil
}

func (p *pipeEnd) OnMessage(fn func(protocol.Message)) {
	p.mu.Lock()
	p.handler = fn
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	return nil
}

func (p *pipeEnd) run() {
	for {
		p.mu.Lock()
		for !p.closed && (len(p.queue) == 0 || p.handler == nil) {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		msg := p.queue[0]
		p.queue[0] = protocol.Message{}
		p.queue = p.queue[1:]
		fn := p.handler
		p.mu.Unlock()
		fn(msg)
	}
}
