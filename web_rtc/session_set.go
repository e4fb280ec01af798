package web_rtc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned when a session is added after CloseAll.
var ErrShuttingDown = errors.New("session set is shutting down")

// Event is a state change reported by a transport callback.
type Event struct {
	SessionID string
	State     SessionState
}

// SessionSet owns every live session of the worker. Transport callbacks never
// touch it directly; they Post events that Run applies one at a time.
type SessionSet struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

func NewSessionSet(logger *zap.SugaredLogger) *SessionSet {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionSet{
		sessions: map[string]*Session{},
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (ss *SessionSet) Add(s *Session) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closing {
		return ErrShuttingDown
	}
	ss.sessions[s.id] = s
	return nil
}

func (ss *SessionSet) Remove(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, id)
}

func (ss *SessionSet) Get(id string) (*Session, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.sessions[id]
	return s, ok
}

func (ss *SessionSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

// Post queues an event for Run. It drops the event once the set is closed.
func (ss *SessionSet) Post(ev Event) {
	select {
	case ss.events <- ev:
	case <-ss.done:
	}
}

// Run applies posted events until ctx is done or CloseAll is called.
func (ss *SessionSet) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ss.done:
			return
		case ev := <-ss.events:
			ss.apply(ev)
		}
	}
}

func (ss *SessionSet) apply(ev Event) {
	s, ok := ss.Get(ev.SessionID)
	if !ok || !s.transition(ev.State) {
		return
	}
	s.logger.Infow("session state changed", "state", ev.State)
	switch ev.State {
	case StateConnected:
		s.startFeed()
	case StateFailed, StateClosed:
		ss.Remove(s.id)
		if err := s.Close(); err != nil {
			s.logger.Warnw("closing session", "error", err)
		}
	}
}

// CloseAll closes every session concurrently and clears the set. A failing
// close does not hold up the others; all errors are returned combined.
func (ss *SessionSet) CloseAll(ctx context.Context) error {
	ss.mu.Lock()
	ss.closing = true
	sessions := ss.sessions
	ss.sessions = map[string]*Session{}
	ss.mu.Unlock()
	ss.closeOnce.Do(func() { close(ss.done) })

	var (
		mu  sync.Mutex
		err error
		g   errgroup.Group
	)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if cerr := s.Close(); cerr != nil {
				mu.Lock()
				err = multierr.Append(err, errors.WithMessagef(cerr, "session %s", s.id))
				mu.Unlock()
			}
			return nil
		})
	}

	waited := make(chan struct{})
	go func() {
		g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return multierr.Append(err, errors.Wrap(ctx.Err(), "waiting for sessions to close"))
	}
	ss.logger.Infow("closed all sessions", "count", len(sessions))
	return err
}
