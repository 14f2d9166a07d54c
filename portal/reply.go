package portal

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/logger"
)

type ReplyKind int

const (
	ReplyStandard ReplyKind = iota
	ReplyValue
)

// Reply is either Standard(status, results) for methods or Value for
// property reads. FD carries the owned descriptor of OpenPipeWireRemote.
type Reply struct {
	Kind    ReplyKind
	Status  uint32
	Results Options
	Value   dbus.Variant
	FD      *os.File
}

func Success(results Options) Reply {
	if results == nil {
		results = Options{}
	}
	return Reply{Kind: ReplyStandard, Status: StatusSuccess, Results: results}
}

func Standard(status uint32, results Options) Reply {
	if results == nil {
		results = Options{}
	}
	return Reply{Kind: ReplyStandard, Status: status, Results: results}
}

// Failure is Standard(2, {"error": err}).
func Failure(err error) Reply {
	return Reply{
		Kind:    ReplyStandard,
		Status:  StatusFailed,
		Results: Options{"error": dbus.MakeVariant(err.Error())},
	}
}

func Value(v dbus.Variant) Reply {
	return Reply{Kind: ReplyValue, Value: v}
}

func FileReply(f *os.File) Reply {
	return Reply{Kind: ReplyValue, FD: f}
}

// Err returns nil for a successful reply, otherwise a *ReplyError.
func (r Reply) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	return &ReplyError{Status: r.Status, Message: r.Message()}
}

// Message returns the "error" result, if any.
func (r Reply) Message() string {
	if v, ok := r.Results["error"]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func (r Reply) release() {
	if r.FD != nil {
		if err := r.FD.Close(); err != nil {
			logger.Debug("[dispatcher] failed to close dropped descriptor: %v", err)
		}
	}
}

// ReplySlot is a one-shot channel between the dispatcher and the caller
// waiting on a request.
type ReplySlot struct {
	ch        chan Reply
	fulfilled atomic.Bool
	attempts  atomic.Int32

	// mu orders the abandoned check of Fulfil against Wait giving up.
	mu        sync.Mutex
	abandoned bool
}

func NewReplySlot() *ReplySlot {
	return &ReplySlot{ch: make(chan Reply, 1)}
}

// Fulfil delivers r and never blocks. A second call is a logic error: it is
// logged, the reply is dropped and false is returned.
func (s *ReplySlot) Fulfil(r Reply) bool {
	s.attempts.Add(1)
	if !s.fulfilled.CompareAndSwap(false, true) {
		logger.Error("[dispatcher] reply slot already fulfilled, dropping status=%d %s", r.Status, r.Message())
		r.release()
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		logger.Warn("[dispatcher] caller abandoned its reply slot, dropping status=%d", r.Status)
		r.release()
		return true
	}
	s.ch <- r
	return true
}

// Wait blocks until the slot is fulfilled or ctx is done. A caller that
// gives up marks the slot abandoned so a late reply is released.
func (s *ReplySlot) Wait(ctx context.Context) (Reply, error) {
	select {
	case r := <-s.ch:
		return r, nil
	case <-ctx.Done():
		s.mu.Lock()
		s.abandoned = true
		select {
		case r := <-s.ch:
			r.release()
		default:
		}
		s.mu.Unlock()
		return Reply{}, ctx.Err()
	}
}

func (s *ReplySlot) Fulfilled() bool {
	return s.fulfilled.Load()
}

// Attempts counts Fulfil calls, including rejected ones.
func (s *ReplySlot) Attempts() int {
	return int(s.attempts.Load())
}

// ReplyError is a non-success reply seen from the caller side.
type ReplyError struct {
	Status  uint32
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("portal request failed with status %d", e.Status)
	}
	return fmt.Sprintf("portal request failed with status %d: %s", e.Status, e.Message)
}

var _ error = (*ReplyError)(nil)
