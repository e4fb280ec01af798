package web_rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type SessionState int

const (
	StateNew SessionState = iota
	StateConnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// fromPeerState maps pion's connection states onto session states. States
// without a counterpart (connecting, disconnected) are not reported.
func fromPeerState(state webrtc.PeerConnectionState) (SessionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	}
	return 0, false
}

type closer interface {
	Close() error
}

// Session is one viewer's transport connection.
type Session struct {
	id     string
	peer   closer
	feed   func(ctx context.Context)
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    SessionState
	updates  chan SessionState
	cancel   context.CancelFunc
	feedDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, peer closer, logger *zap.SugaredLogger) *Session {
	return &Session{
		id:      id,
		peer:    peer,
		logger:  logger.With("session", id),
		updates: make(chan SessionState, 4),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates delivers every applied transition. Slow readers miss updates
// rather than stall the session.
func (s *Session) Updates() <-chan SessionState {
	return s.updates
}

// transition applies to if it is a legal move from the current state.
func (s *Session) transition(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || to == s.state || to == StateNew {
		return false
	}
	s.state = to
	select {
	case s.updates <- to:
	default:
	}
	return true
}

// startFeed runs the frame feed once the viewer is connected.
func (s *Session) startFeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed == nil || s.cancel != nil || s.state.Terminal() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.feedDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.feed(ctx)
	}(s.feedDone)
}

// Close stops the feed and closes the peer connection. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.feedDone
		s.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		s.closeErr = s.peer.Close()
		s.transition(StateClosed)
		s.logger.Debugw("session closed", "error", s.closeErr)
	})
	return s.closeErr
}
