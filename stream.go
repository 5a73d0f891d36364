package webchan

import (
	"context"
	"fmt"
	"sync"
)

// EventType identifies a stream lifecycle event.
type EventType int

const (
	// EventReady fires at most once per attempt, before any message.
	EventReady EventType = iota
	// EventMessage carries one decoded response message.
	EventMessage
	// EventComplete is the success terminal.
	EventComplete
	// EventCanceled is the terminal produced by Cancel.
	EventCanceled
	// EventError is the failure terminal; Err is set.
	EventError
	// EventRetrying is emitted by retrying streams before a re-open
	// (Abandoned false) or before giving up (Abandoned true).
	EventRetrying
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventMessage:
		return "message"
	case EventComplete:
		return "complete"
	case EventCanceled:
		return "canceled"
	case EventError:
		return "error"
	case EventRetrying:
		return "retryingError"
	default:
		return fmt.Sprintf("eventType(%d)", int(t))
	}
}

// Message is one response message together with the decoded response
// context of the call that produced it.
type Message struct {
	Value           interface{}
	ResponseContext interface{}
}

// Event is one tagged stream event. Which payload fields are
// meaningful depends on Type, as noted beside each field; ready,
// complete, and canceled events carry none.
type Event struct {
	Type    EventType
	Message *Message // EventMessage
	Err     error    // EventError, EventRetrying

	// Retry bookkeeping, set on EventRetrying only.
	RetriesSinceReady int
	Abandoned         bool
}

// Stream is the uniform event-driven handle over one RPC call. A
// stream is dormant until Start; after Start it delivers a strictly
// ordered event sequence on Events: at most one ready, zero or more
// messages, then exactly one terminal event (complete, canceled, or
// error), after which the channel is closed.
//
// Consumers must drain Events until it is closed, even after calling
// Cancel; the terminal event is always delivered.
type Stream interface {
	// Start activates the stream. It is idempotent; no events flow
	// before the first call.
	Start()
	// Cancel requests termination. It is idempotent and safe from any
	// goroutine. If no terminal event has fired yet (and the stream
	// has been started), the terminal will be EventCanceled.
	Cancel()
	// Events is the stream's event channel. It is closed after the
	// terminal event.
	Events() <-chan Event
}

type streamState int

const (
	stateInitial streamState = iota
	stateStarted
	stateReady
	stateComplete
	stateCanceled
	stateErrored
)

func (s streamState) terminal() bool { return s >= stateComplete }

// coreStream is the single state-machine implementation backing every
// stream in the framework. A producer function runs on a dedicated
// goroutine and emits through an Emitter; the state machine guards
// event ordering, terminal uniqueness, and cancellation suppression.
type coreStream struct {
	run    func(*Emitter)
	events chan Event

	startOnce  sync.Once
	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu        sync.Mutex
	state     streamState
	canceling bool
}

// NewStream returns a dormant stream driven by run. Once Start is
// called, run executes on its own goroutine and reports events through
// the Emitter; if Cancel was requested before run begins, run is skipped
// and the stream emits canceled. When run returns without having emitted a terminal
// event, the stream emits canceled (if cancellation was requested) or
// an internal protocol error.
func NewStream(run func(*Emitter)) Stream {
	return &coreStream{
		run:      run,
		events:   make(chan Event),
		cancelCh: make(chan struct{}),
	}
}

func (s *coreStream) Events() <-chan Event { return s.events }

func (s *coreStream) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if s.state == stateInitial {
			s.state = stateStarted
		}
		s.mu.Unlock()
		go s.loop()
	})
}

func (s *coreStream) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.canceling = true
		s.mu.Unlock()
		close(s.cancelCh)
	})
}

func (s *coreStream) loop() {
	s.mu.Lock()
	canceledBeforeRun := s.canceling
	s.mu.Unlock()
	if !canceledBeforeRun {
		s.run(&Emitter{s: s})
	}

	s.mu.Lock()
	done := s.state.terminal()
	canceling := s.canceling
	s.mu.Unlock()
	if !done {
		if canceling {
			s.terminate(Event{Type: EventCanceled}, stateCanceled)
		} else {
			err := &ProtocolError{Message: "stream ended without a terminal event"}
			s.terminate(Event{Type: EventError, Err: err}, stateErrored)
		}
	}
	close(s.events)
}

// deliver sends a non-terminal event. It reports false when the event
// was suppressed because the stream is already terminal or a cancel
// has been requested; producers should unwind when that happens.
func (s *coreStream) deliver(ev Event, to streamState) bool {
	s.mu.Lock()
	if s.state.terminal() || s.canceling {
		s.mu.Unlock()
		return false
	}
	if to > s.state {
		s.state = to
	}
	s.mu.Unlock()

	select {
	case s.events <- ev:
		return true
	case <-s.cancelCh:
		// canceled while blocked on delivery; the event is dropped
		return false
	}
}

// terminate sends a terminal event exactly once. A pending cancel
// always wins: if cancellation was requested before any terminal
// fired, the terminal is EventCanceled regardless of ev.
func (s *coreStream) terminate(ev Event, to streamState) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.canceling && ev.Type != EventCanceled {
		ev = Event{Type: EventCanceled}
		to = stateCanceled
	}
	s.state = to
	s.mu.Unlock()

	s.events <- ev
}

// Emitter is the producer-side surface of a stream: one method per
// event kind plus the cancellation signal. All methods are intended
// for the producer goroutine.
type Emitter struct {
	s *coreStream
}

// Canceling is closed when Cancel has been requested on the stream.
// Producers select on it around blocking work.
func (e *Emitter) Canceling() <-chan struct{} { return e.s.cancelCh }

// Stopped reports whether the stream is terminal or cancellation has
// been requested.
func (e *Emitter) Stopped() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.state.terminal() || e.s.canceling
}

// Ready emits the ready event. It reports false when suppressed.
func (e *Emitter) Ready() bool {
	return e.s.deliver(Event{Type: EventReady}, stateReady)
}

// Message emits one message event. It reports false when suppressed.
func (e *Emitter) Message(m *Message) bool {
	return e.s.deliver(Event{Type: EventMessage, Message: m}, stateReady)
}

// Retrying emits a retryingError event. It reports false when
// suppressed.
func (e *Emitter) Retrying(err error, retriesSinceReady int, abandoned bool) bool {
	ev := Event{
		Type:              EventRetrying,
		Err:               err,
		RetriesSinceReady: retriesSinceReady,
		Abandoned:         abandoned,
	}
	return e.s.deliver(ev, stateStarted)
}

// Complete emits the success terminal.
func (e *Emitter) Complete() {
	e.s.terminate(Event{Type: EventComplete}, stateComplete)
}

// Fail emits the failure terminal.
func (e *Emitter) Fail(err error) {
	e.s.terminate(Event{Type: EventError, Err: err}, stateErrored)
}

// EmitCanceled emits the canceled terminal. Producers use this when an
// upstream they forward reports cancellation.
func (e *Emitter) EmitCanceled() {
	e.s.terminate(Event{Type: EventCanceled}, stateCanceled)
}

// RecvOne promotes a stream into a single-value result: it starts the
// stream and blocks until the terminal event. Exactly one message
// followed by complete yields that message; zero or multiple messages
// yield a ProtocolError; error and canceled terminals yield the
// corresponding errors. Cancelling ctx cancels the stream.
func RecvOne(ctx context.Context, s Stream) (*Message, error) {
	s.Start()
	events := s.Events()
	var got *Message
	seen := 0
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			drain(events)
			return nil, &ClientError{Kind: Canceled, Message: ctx.Err().Error()}
		case ev, ok := <-events:
			if !ok {
				return nil, &ProtocolError{Message: "stream closed without a terminal event"}
			}
			switch ev.Type {
			case EventMessage:
				seen++
				if seen > 1 {
					s.Cancel()
					drain(events)
					return nil, &ProtocolError{Message: "expected exactly one response message, got more than one"}
				}
				got = ev.Message
			case EventComplete:
				if seen == 0 {
					return nil, &ProtocolError{Message: "expected exactly one response message, got none"}
				}
				return got, nil
			case EventError:
				return nil, ev.Err
			case EventCanceled:
				return nil, &ClientError{Kind: Canceled, Message: "call canceled"}
			}
		}
	}
}

// Collect gathers every message from a stream and returns them once
// the stream completes. On error or cancellation it returns the
// messages received so far along with the failure. Cancelling ctx
// cancels the stream.
func Collect(ctx context.Context, s Stream) ([]*Message, error) {
	s.Start()
	events := s.Events()
	var msgs []*Message
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			drain(events)
			return msgs, &ClientError{Kind: Canceled, Message: ctx.Err().Error()}
		case ev, ok := <-events:
			if !ok {
				return msgs, &ProtocolError{Message: "stream closed without a terminal event"}
			}
			switch ev.Type {
			case EventComplete:
				return msgs, nil
			case EventMessage:
				msgs = append(msgs, ev.Message)
			case EventError:
				return msgs, ev.Err
			case EventCanceled:
				return msgs, &ClientError{Kind: Canceled, Message: "call canceled"}
			}
		}
	}
}

// Transform returns a stream whose messages are f applied to the
// source's messages. A failed f fails the stream and cancels the
// source; cancelling the returned stream cancels the source; all other
// events pass through unchanged.
func Transform(s Stream, f func(*Message) (*Message, error)) Stream {
	return NewStream(func(e *Emitter) {
		s.Start()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-e.Canceling():
				s.Cancel()
			case <-stop:
			}
		}()

		for ev := range s.Events() {
			switch ev.Type {
			case EventReady:
				if !e.Ready() {
					s.Cancel()
				}
			case EventMessage:
				m, err := f(ev.Message)
				if err != nil {
					s.Cancel()
					go drain(s.Events())
					e.Fail(err)
					return
				}
				if !e.Message(m) {
					s.Cancel()
				}
			case EventRetrying:
				if !e.Retrying(ev.Err, ev.RetriesSinceReady, ev.Abandoned) {
					s.Cancel()
				}
			case EventComplete:
				e.Complete()
				return
			case EventError:
				e.Fail(ev.Err)
				return
			case EventCanceled:
				e.EmitCanceled()
				return
			}
		}
	})
}

func drain(events <-chan Event) {
	for range events {
	}
}
