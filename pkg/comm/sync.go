package comm

import (
	"sync"
	"time"
)

// replyQueueLimit bounds the number of undelivered replies a synchronizer
// holds before it starts shedding the oldest.
const replyQueueLimit = 1024

// ReplySynchronizer is a DispatchHandler that bridges the async core to
// blocking callers: Message events are queued, and WaitForReply pops them
// in arrival order. A Disconnect or Error event makes the synchronizer
// return that failure to all present and future waiters.
//
// Install it as a per-request or default handler, then call WaitForReply
// from any non-reactor goroutine.
type ReplySynchronizer struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*Event
	err   error
}

// NewReplySynchronizer creates an empty synchronizer.
func NewReplySynchronizer() *ReplySynchronizer {
	s := &ReplySynchronizer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Handle implements DispatchHandler. It never blocks the reactor: when the
// queue is full the oldest undelivered reply is dropped.
func (s *ReplySynchronizer) Handle(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case EventMessage:
		if len(s.queue) >= replyQueueLimit {
			s.queue = s.queue[1:]
		}
		s.queue = append(s.queue, event)
	case EventDisconnect, EventError:
		if s.err == nil {
			s.err = event.Err
		}
	case EventConnectionEstablished, EventTimer:
		// Not part of the reply stream.
		return
	}
	s.cond.Broadcast()
}

// WaitForReply blocks until a Message event is available or a failure has
// been recorded.
func (s *ReplySynchronizer) WaitForReply() (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && s.err == nil {
		s.cond.Wait()
	}
	return s.popLocked()
}

// WaitForReplyTimeout is WaitForReply with a deadline. It returns
// RequestTimeout if nothing arrives in time.
func (s *ReplySynchronizer) WaitForReplyTimeout(timeout time.Duration) (*Event, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && s.err == nil {
		if !time.Now().Before(deadline) {
			return nil, ErrRequestTimeout
		}
		s.cond.Wait()
	}
	return s.popLocked()
}

func (s *ReplySynchronizer) popLocked() (*Event, error) {
	if len(s.queue) > 0 {
		event := s.queue[0]
		s.queue = s.queue[1:]
		return event, nil
	}
	return nil, s.err
}

// DispatchHandlerSynchronizer is the single-reply variant: it captures the
// one terminal event a per-request handler receives and hands it to the
// blocking caller.
type DispatchHandlerSynchronizer struct {
	ch chan *Event
}

// NewDispatchHandlerSynchronizer creates a synchronizer for one reply.
func NewDispatchHandlerSynchronizer() *DispatchHandlerSynchronizer {
	return &DispatchHandlerSynchronizer{ch: make(chan *Event, 1)}
}

// Handle implements DispatchHandler. Events past the first are dropped;
// a per-request handler only ever receives one.
func (s *DispatchHandlerSynchronizer) Handle(event *Event) {
	select {
	case s.ch <- event:
	default:
	}
}

// WaitForReply blocks until the terminal event arrives and returns the
// Message, or the failure the event carried.
func (s *DispatchHandlerSynchronizer) WaitForReply() (*Event, error) {
	event := <-s.ch
	if event.Type == EventMessage {
		return event, nil
	}
	return nil, event.Err
}

// WaitForReplyTimeout is WaitForReply with a local deadline, independent of
// the request timeout enforced by the reactor.
func (s *DispatchHandlerSynchronizer) WaitForReplyTimeout(timeout time.Duration) (*Event, error) {
	select {
	case event := <-s.ch:
		if event.Type == EventMessage {
			return event, nil
		}
		return nil, event.Err
	case <-time.After(timeout):
		return nil, ErrRequestTimeout
	}
}
