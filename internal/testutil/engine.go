package testutil

import (
	"context"
	"sync"

	"github.com/t77yq/promptcron/internal/engine"
)

// Script drives a FakeSession. It runs on its own goroutine; the session's
// stream is closed when it returns.
type Script func(req engine.Request, s *FakeSession) error

// FakeEngine is an in-process engine.Engine replaying scripted sessions
type FakeEngine struct {
	mu       sync.Mutex
	script   Script
	startErr error
	requests []engine.Request
	sessions []*FakeSession
}

// NewFakeEngine creates an engine running script for every session
func NewFakeEngine(script Script) *FakeEngine {
	return &FakeEngine{script: script}
}

// FailStart makes every subsequent Start return err
func (e *FakeEngine) FailStart(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// Start implements engine.Engine
func (e *FakeEngine) Start(ctx context.Context, req engine.Request) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)
	if e.startErr != nil {
		return nil, e.startErr
	}

	s := &FakeSession{
		events:      make(chan engine.Event),
		interrupted: make(chan struct{}),
	}
	e.sessions = append(e.sessions, s)

	go func() {
		err := e.script(req, s)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	}()

	return s, nil
}

// Requests returns every request received so far
func (e *FakeEngine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// Sessions returns every session started so far
func (e *FakeEngine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeSession(nil), e.sessions...)
}

// FakeSession is a scripted engine.Session
type FakeSession struct {
	events      chan engine.Event
	interrupted chan struct{}

	mu         sync.Mutex
	err        error
	interrupts int
}

// Events implements engine.Session
func (s *FakeSession) Events() <-chan engine.Event { return s.events }

// Err implements engine.Session
func (s *FakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt implements engine.Session
func (s *FakeSession) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	if s.interrupts == 1 {
		close(s.interrupted)
	}
	return nil
}

// Interrupts reports how many times Interrupt was called
func (s *FakeSession) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Interrupted is closed on the first Interrupt
func (s *FakeSession) Interrupted() <-chan struct{} { return s.interrupted }

// Emit sends ev to the consumer
func (s *FakeSession) Emit(ev engine.Event) {
	s.events <- ev
}

// Result returns a script that emits init, one assistant text block and result
func Result(result engine.ResultEvent) Script {
	return func(req engine.Request, s *FakeSession) error {
		sessionID := result.SessionID
		if sessionID == "" {
			sessionID = "session-1"
			result.SessionID = sessionID
		}
		s.Emit(engine.InitEvent{SessionID: sessionID})
		if result.Result != "" {
			s.Emit(engine.AssistantEvent{Content: []engine.ContentBlock{{Text: result.Result}}})
		}
		s.Emit(result)
		return nil
	}
}
