package portal

import (
	"context"
	"sync"
)

// Ingress is the many-producer, single-consumer queue between bus goroutines
// and the dispatcher. Send blocks while the queue is full.
type Ingress struct {
	ch     chan *Request
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewIngress(size int) *Ingress {
	if size < 1 {
		size = 1
	}
	return &Ingress{
		ch:   make(chan *Request, size),
		done: make(chan struct{}),
	}
}

// Send enqueues req in arrival order. It fails with ErrStopped once the
// dispatcher stopped, or with ctx.Err() if the caller gives up first.
func (in *Ingress) Send(ctx context.Context, req *Request) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrStopped
	}
	select {
	case in.ch <- req:
		return nil
	case <-in.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingress) C() <-chan *Request {
	return in.ch
}

func (in *Ingress) Len() int {
	return len(in.ch)
}

// stop refuses new requests and returns whatever was still queued.
func (in *Ingress) stop() []*Request {
	// Wakes senders blocked on a full queue before taking the write lock.
	close(in.done)
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()

	var pending []*Request
	for {
		select {
		case req := <-in.ch:
			pending = append(pending, req)
		default:
			return pending
		}
	}
}
