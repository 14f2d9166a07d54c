package portal

import "sync"

// DefaultBacklog bounds the requests waiting to be forwarded for one proxy
// session.
const DefaultBacklog = 1024

// outbox holds the requests of one proxy session in arrival order. The
// dispatcher pushes without blocking; the session worker pops them one at a
// time, so the remote sees them in the order they left ingress.
type outbox struct {
	mu      sync.Mutex
	pending []*Request
	closed  bool
	limit   int
	wake    chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = DefaultBacklog
	}
	return &outbox{limit: limit, wake: make(chan struct{}, 1)}
}

func (o *outbox) push(req *Request) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrStopped
	case len(o.pending) >= o.limit:
		o.mu.Unlock()
		return ErrBacklogFull
	}
	o.pending = append(o.pending, req)
	o.mu.Unlock()
	o.signal()
	return nil
}

// close lets the worker drain what is queued and then return.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next blocks until a request is queued, or returns false once the outbox is
// closed and empty.
func (o *outbox) next() (*Request, bool) {
	for {
		o.mu.Lock()
		if len(o.pending) > 0 {
			req := o.pending[0]
			o.pending[0] = nil
			o.pending = o.pending[1:]
			o.mu.Unlock()
			return req, true
		}
		if o.closed {
			o.mu.Unlock()
			return nil, false
		}
		o.mu.Unlock()
		<-o.wake
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
