package portal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/logger"
)

const (
	DefaultQueueSize = 64
	DefaultMaxTasks  = 256

	shutdownTimeout = 2 * time.Second
)

type Config struct {
	// Modes holds one entry per enabled family.
	Modes     map[Family]Mode
	QueueSize int
	MaxTasks  int
	// Backlog bounds the requests queued for one proxy session.
	Backlog   int
}

type Option func(*Dispatcher)

func WithDeviceFactory(f DeviceFactory) Option {
	return func(d *Dispatcher) { d.devices = f }
}

func WithResolver(r Resolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

// SessionInfo is a read-only view of a session row.
type SessionInfo struct {
	Path    string    `json:"path"`
	Family  string    `json:"family"`
	Mode    string    `json:"mode"`
	State   string    `json:"state"`
	AppID   string    `json:"app_id"`
	Created time.Time `json:"created"`
}

type session struct {
	path    dbus.ObjectPath
	handler handler
	appID   string
	created time.Time
}

// Dispatcher owns the session table. Only the goroutine running Run reads
// or writes it; everyone else goes through Call and Notify.
type Dispatcher struct {
	modes    map[Family]Mode
	ingress  *Ingress
	maxTasks int
	backlog  int
	devices  DeviceFactory
	resolver Resolver

	sessions map[dbus.ObjectPath]*session
	sched    *Scheduler
	running  atomic.Bool
	done     chan struct{}
}

func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	modes := make(map[Family]Mode, len(cfg.Modes))
	for f, m := range cfg.Modes {
		modes[f] = m
	}
	d := &Dispatcher{
		modes:    modes,
		ingress:  NewIngress(cfg.QueueSize),
		maxTasks: cfg.MaxTasks,
		backlog:  cfg.Backlog,
		sessions: make(map[dbus.ObjectPath]*session),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Modes returns the configured mode of every enabled family.
func (d *Dispatcher) Modes() map[Family]Mode {
	out := make(map[Family]Mode, len(d.modes))
	for f, m := range d.modes {
		out[f] = m
	}
	return out
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run serves requests until ctx is cancelled, then fails whatever is still
// queued, waits for forwarding tasks and closes all sessions.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	defer close(d.done)

	d.sched = newScheduler(ctx, d.maxTasks)
	logger.Info("[dispatcher] running (%s)", d.describeModes())

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case req := <-d.ingress.C():
			d.dispatch(req)
		}
	}
}

// Call submits req and blocks until its reply or ctx is done. The slot is
// fulfilled on every path, including a refused submission.
func (d *Dispatcher) Call(ctx context.Context, req *Request) (Reply, error) {
	if err := d.ingress.Send(ctx, req); err != nil {
		req.Reply.Fulfil(Failure(err))
		return Failure(err), err
	}
	return req.Reply.Wait(ctx)
}

// Notify submits req without waiting for the acknowledgement.
func (d *Dispatcher) Notify(ctx context.Context, req *Request) error {
	if err := d.ingress.Send(ctx, req); err != nil {
		req.Reply.Fulfil(Failure(err))
		return err
	}
	return nil
}

// Sessions snapshots the session table through the dispatcher goroutine.
func (d *Dispatcher) Sessions(ctx context.Context) ([]SessionInfo, error) {
	op := listSessions{out: make(chan []SessionInfo, 1)}
	reply, err := d.Call(ctx, NewRequest(0, "", op))
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return <-op.out, nil
}

func (d *Dispatcher) dispatch(req *Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[dispatcher] %s panicked: %v", req, r)
			if !req.Reply.Fulfilled() {
				req.Reply.Fulfil(Failure(fmt.Errorf("internal error: %v", r)))
			}
		}
	}()
	logger.Debug("[dispatcher] %s", req)

	switch op := req.Op.(type) {
	case listSessions:
		op.out <- d.snapshot()
		req.Reply.Fulfil(Success(nil))
		return
	case forgetSession:
		d.forget(op.handler)
		op.req.Reply.Fulfil(op.reply)
		req.Reply.Fulfil(Success(nil))
		return
	}

	if err := checkFamily(req.Family, req.Op); err != nil {
		req.Reply.Fulfil(Failure(err))
		return
	}

	switch op := req.Op.(type) {
	case GetProperty:
		d.property(req)
	case CreateSession:
		d.createSession(req, op)
	case CloseSession:
		d.closeSession(req)
	default:
		s, ok := d.sessions[req.Session]
		if !ok {
			if IsNotification(req.Op) {
				logger.Debug("[dispatcher] %s for unknown session dropped", req)
			}
			req.Reply.Fulfil(Failure(&SessionError{Session: req.Session, Reason: "unknown session"}))
			return
		}
		if s.handler.family() != req.Family {
			req.Reply.Fulfil(Failure(&ProtocolError{
				Family: req.Family,
				Op:     req.Op.Name(),
				Reason: fmt.Sprintf("session belongs to %s", s.handler.family()),
			}))
			return
		}
		d.handle(s.handler, req)
	}
}

// handle routes req to its handler variant. Server handlers reply inline,
// proxy handlers reply from a scheduled task.
func (d *Dispatcher) handle(h handler, req *Request) {
	switch h := h.(type) {
	case *serverHandler:
		req.Reply.Fulfil(h.handle(req))
	case *proxyHandler:
		d.forward(h, req)
	default:
		req.Reply.Fulfil(Failure(fmt.Errorf("unknown handler %T", h)))
	}
}

// forward queues req on the session outbox, or runs it as a one-off task
// for a sessionless property read.
func (d *Dispatcher) forward(h *proxyHandler, req *Request) {
	if h.outbox == nil {
		err := d.sched.Schedule(func(ctx context.Context) {
			req.Reply.Fulfil(h.forward(ctx, req))
		})
		if err != nil {
			logger.Warn("[dispatcher] cannot schedule %s: %v", req, err)
			req.Reply.Fulfil(Failure(fmt.Errorf("schedule %s: %w", req.Op.Name(), err)))
		}
		return
	}
	if err := h.outbox.push(req); err != nil {
		logger.Warn("[dispatcher] cannot queue %s: %v", req, err)
		req.Reply.Fulfil(Failure(fmt.Errorf("queue %s: %w", req.Op.Name(), err)))
	}
}

// serve forwards the requests of one proxy session in arrival order until its
// outbox is closed. Replies still complete independently of other sessions.
func (d *Dispatcher) serve(ctx context.Context, h *proxyHandler) {
	var failed error
	for {
		req, ok := h.outbox.next()
		if !ok {
			return
		}
		var reply Reply
		switch {
		case ctx.Err() != nil:
			reply = Failure(ErrStopped)
		case failed != nil:
			reply = Failure(failed)
		default:
			reply = h.forward(ctx, req)
		}
		if reply.Status != StatusSuccess {
			logger.Warn("[proxy] %s: status %d %s", req, reply.Status, reply.Message())
		}

		if _, creating := req.Op.(CreateSession); creating && reply.Status != StatusSuccess {
			failed = &SessionError{Session: h.session, Reason: "remote creation failed"}
			if err := d.post(ctx, forgetSession{handler: h, req: req, reply: reply}); err != nil {
				req.Reply.Fulfil(reply)
			}
			continue
		}
		req.Reply.Fulfil(reply)
	}
}

// post feeds an internal request back through ingress from a task goroutine.
func (d *Dispatcher) post(ctx context.Context, op Operation) error {
	if err := d.ingress.Send(ctx, NewRequest(0, "", op)); err != nil {
		logger.Debug("[dispatcher] dropped internal %s: %v", op.Name(), err)
		return err
	}
	return nil
}

func (d *Dispatcher) createSession(req *Request, op CreateSession) {
	if _, exists := d.sessions[req.Session]; exists {
		req.Reply.Fulfil(Failure(&SessionError{Session: req.Session, Reason: "already exists"}))
		return
	}
	h, err := d.construct(req.Family, req.Session)
	if err != nil {
		logger.Warn("[dispatcher] %v", err)
		req.Reply.Fulfil(Failure(err))
		return
	}
	s := &session{path: req.Session, handler: h, appID: op.AppID, created: time.Now()}

	switch h := h.(type) {
	case *serverHandler:
		reply := h.handle(req)
		if reply.Status == StatusSuccess {
			d.sessions[req.Session] = s
			logger.Info("[dispatcher] session %s created for %q (server)", req.Session, op.AppID)
		}
		req.Reply.Fulfil(reply)
	case *proxyHandler:
		h.outbox = newOutbox(d.backlog)
		if err := d.sched.Schedule(func(ctx context.Context) { d.serve(ctx, h) }); err != nil {
			logger.Warn("[dispatcher] cannot schedule %s: %v", req, err)
			req.Reply.Fulfil(Failure(fmt.Errorf("schedule %s: %w", req.Op.Name(), err)))
			return
		}
		// Inserted before the remote answers so later requests queue behind it.
		d.sessions[req.Session] = s
		logger.Info("[dispatcher] session %s created for %q (%s)", req.Session, op.AppID, h.mode)
		d.forward(h, req)
	}
}

// forget removes the row of h if it is still the current handler for its
// path, and lets its worker finish.
func (d *Dispatcher) forget(h *proxyHandler) {
	if s, ok := d.sessions[h.session]; ok && s.handler == handler(h) {
		delete(d.sessions, h.session)
		logger.Info("[dispatcher] session %s dropped after failed creation", h.session)
	}
	h.outbox.close()
}

func (d *Dispatcher) closeSession(req *Request) {
	s, ok := d.sessions[req.Session]
	if !ok {
		req.Reply.Fulfil(Failure(&SessionError{Session: req.Session, Reason: "unknown session"}))
		return
	}
	if s.handler.family() != req.Family {
		req.Reply.Fulfil(Failure(&ProtocolError{Family: req.Family, Op: req.Op.Name(), Reason: "session belongs to " + s.handler.family().String()}))
		return
	}
	delete(d.sessions, req.Session)
	logger.Info("[dispatcher] session %s closed", req.Session)
	d.handle(s.handler, req)
	if h, ok := s.handler.(*proxyHandler); ok {
		h.outbox.close()
	}
}

// property answers a sessionless property read through a throwaway handler
// of the family's mode.
func (d *Dispatcher) property(req *Request) {
	h, err := d.construct(req.Family, req.Session)
	if err != nil {
		req.Reply.Fulfil(Failure(err))
		return
	}
	d.handle(h, req)
}

func (d *Dispatcher) snapshot() []SessionInfo {
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		mode := d.modes[s.handler.family()]
		out = append(out, SessionInfo{
			Path:    string(s.path),
			Family:  s.handler.family().String(),
			Mode:    mode.String(),
			State:   s.handler.state(),
			AppID:   s.appID,
			Created: s.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (d *Dispatcher) shutdown() {
	pending := d.ingress.stop()
	for _, req := range pending {
		if op, ok := req.Op.(forgetSession); ok {
			op.req.Reply.Fulfil(op.reply)
		}
		req.Reply.Fulfil(Failure(ErrStopped))
	}
	for _, s := range d.sessions {
		if h, ok := s.handler.(*proxyHandler); ok {
			h.outbox.close()
		}
	}
	d.sched.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for path, s := range d.sessions {
		switch h := s.handler.(type) {
		case *serverHandler:
			h.close()
		case *proxyHandler:
			if err := h.remote.CloseSession(ctx, path); err != nil {
				logger.Debug("[proxy] closing remote session %s: %v", path, err)
			}
		}
		delete(d.sessions, path)
	}
	logger.Info("[dispatcher] stopped, %d queued requests failed", len(pending))
}

func (d *Dispatcher) describeModes() string {
	var parts []string
	for _, f := range []Family{RemoteDesktop, ScreenCast} {
		if m, ok := d.modes[f]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", f, m))
		}
	}
	if len(parts) == 0 {
		return "no interfaces"
	}
	return strings.Join(parts, ", ")
}
