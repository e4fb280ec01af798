// Package supervisor owns the worker process and the frame ring shared with
// it. It starts the worker, forwards frames, and shuts it down by asking
// first and killing once the exit budget is spent.
package supervisor

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strzcam.com/rtcbridge/config"
	"strzcam.com/rtcbridge/exitsignal"
	"strzcam.com/rtcbridge/lwc"
	"strzcam.com/rtcbridge/worker"
)

// DefaultWorkerBinary is looked up on PATH when no worker path is configured.
const DefaultWorkerBinary = "rtcbridge-worker"

// NoPID is reported while no worker exists.
const NoPID = -1

const killWait = 5 * time.Second

type State int

const (
	Idle State = iota
	Starting
	Running
	ExitRequested
	Joining
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ExitRequested:
		return "exit_requested"
	case Joining:
		return "joining"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// ErrInvalidState is returned for operations not allowed in the current state.
var ErrInvalidState = errors.New("invalid supervisor state")

// CreateProcessError reports that a dead worker could not be re-created.
type CreateProcessError struct {
	Err error
}

func (e *CreateProcessError) Error() string {
	return "failed to create worker process: " + e.Err.Error()
}

func (e *CreateProcessError) Unwrap() error {
	return e.Err
}

type Option func(*Supervisor)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithHTTPClient sets the client used for the exit request.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Supervisor) { s.client = client }
}

// WithCommand replaces the worker command. The function is called once per
// spawn and must return a fresh, unstarted command.
func WithCommand(fn func() *exec.Cmd) Option {
	return func(s *Supervisor) { s.command = fn }
}

func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clock = clk }
}

type Supervisor struct {
	cfg     config.Config
	logger  *zap.SugaredLogger
	client  *http.Client
	command func() *exec.Cmd
	clock   clock.Clock

	// opMu serialises Start and Stop; mu guards the fields below and is
	// never held across a blocking call.
	opMu sync.Mutex

	mu             sync.Mutex
	state          State
	proc           *process
	ring           *lwc.Ring
	ringPath       string
	password       string
	addr           string
	exitCode       int
	exited         bool
	recreateFailed bool
}

func New(cfg config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		client: &http.Client{},
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.command == nil {
		s.command = s.defaultCommand
	}
	return s
}

func (s *Supervisor) defaultCommand() *exec.Cmd {
	path := s.cfg.WorkerPath
	if path == "" {
		path = DefaultWorkerBinary
	}
	return exec.Command(path)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.logger.Debugw("supervisor state", "from", prev, "to", state)
}

// IsAlive reports whether a worker process exists and has not exited.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.alive()
}

// PID is the worker's process id, or NoPID when there is none.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return NoPID
	}
	return s.proc.pid()
}

// ExitCode is the exit code of the last worker that exited. A negative code
// is the signal that terminated it.
func (s *Supervisor) ExitCode() (code int, exited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && !s.proc.alive() {
		return s.proc.exitCode, true
	}
	return s.exitCode, s.exited
}

// Addr is the address the running worker listens on.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// RingPath is the path of the current frame ring, empty when there is none.
func (s *Supervisor) RingPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringPath
}

// BaseURL is the worker's HTTP root, reachable from this host.
func (s *Supervisor) BaseURL() string {
	return baseURL(s.Addr())
}

func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if ip.To4() != nil {
			host = "127.0.0.1"
		} else {
			host = "::1"
		}
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Start creates the ring, spawns the worker and waits until it serves. On any
// failure everything created so far is torn down.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != Idle && s.state != Terminated {
		state := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "start while %s", state)
	}
	s.mu.Unlock()
	s.setState(Starting)

	defer func() {
		if err != nil {
			err = multierr.Append(err, s.finalize())
			s.setState(Idle)
		}
	}()

	password, err := exitsignal.GeneratePassword()
	if err != nil {
		return err
	}
	ringPath := lwc.Path(s.cfg.ShmDir, "rtcbridge-"+uuid.NewString())
	ring, err := lwc.Create(ringPath, s.cfg.MaxQueueSize, s.cfg.FrameSize())
	if err != nil {
		return errors.WithMessage(err, "create frame ring")
	}
	s.mu.Lock()
	s.ring, s.ringPath, s.password = ring, ringPath, password
	s.mu.Unlock()

	proc, err := spawn(s.command(), worker.Bootstrap{
		Password: password,
		RingPath: ringPath,
		Config:   s.cfg,
	}, s.logger)
	if proc != nil {
		s.mu.Lock()
		s.proc = proc
		s.mu.Unlock()
	}
	if err != nil {
		return err
	}

	timer := s.clock.Timer(s.cfg.StartTimeout())
	defer timer.Stop()
	select {
	case res := <-proc.ready:
		if res.err != nil {
			return errors.WithMessage(res.err, "worker did not report ready")
		}
		s.mu.Lock()
		s.addr = res.ready.Addr
		s.mu.Unlock()
	case <-timer.C:
		return errors.Errorf("worker not ready after %s", s.cfg.StartTimeout())
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for worker")
	}
	if !proc.alive() {
		return errors.New("worker exited during start")
	}

	s.setState(Running)
	s.logger.Infow("worker started", "pid", proc.pid(), "addr", s.Addr(), "ring", ringPath)
	return nil
}

// PushFrame hands a frame to the worker without blocking. A dead worker makes
// the push a no-op, unless the lazy restart policy re-creates it first.
func (s *Supervisor) PushFrame(data []byte) error {
	s.mu.Lock()
	state, proc, ring, recreateFailed := s.state, s.proc, s.ring, s.recreateFailed
	s.mu.Unlock()

	lazy := s.cfg.RestartPolicy == config.RestartLazy
	dead := proc == nil || !proc.alive()
	switch {
	case state == Running && !dead:
		ring.Push(data)
		return nil
	case lazy && ((state == Running && dead) || (state == Idle && recreateFailed)):
		if err := s.restart(); err != nil {
			return err
		}
		s.mu.Lock()
		ring = s.ring
		s.mu.Unlock()
		if ring != nil {
			ring.Push(data)
		}
		return nil
	case state == Running:
		return nil
	}
	return errors.Wrapf(ErrInvalidState, "push while %s", state)
}

func (s *Supervisor) restart() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// another caller may have restarted it already
	s.mu.Lock()
	if s.state == Running && s.proc != nil && s.proc.alive() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Warn("worker is dead, re-creating it")
	if err := s.stop(); err != nil {
		s.logger.Warnw("errors while releasing dead worker", "error", err)
	}
	if err := s.start(context.Background()); err != nil {
		s.mu.Lock()
		s.recreateFailed = true
		s.mu.Unlock()
		return &CreateProcessError{Err: err}
	}
	s.mu.Lock()
	s.recreateFailed = false
	s.mu.Unlock()
	return nil
}

// Stop asks the worker to exit, waits for what is left of the exit budget and
// kills it if needed. Ring and process are always released. Calling Stop
// again, or on a dead worker, is safe.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop()
}

func (s *Supervisor) stop() (err error) {
	s.mu.Lock()
	proc, password, addr := s.proc, s.password, s.addr
	s.mu.Unlock()

	defer func() {
		err = multierr.Append(err, s.finalize())
		s.setState(Terminated)
	}()
	if proc == nil || !proc.alive() {
		return nil
	}

	budget := s.cfg.ExitTimeout()
	started := s.clock.Now()
	s.setState(ExitRequested)
	if addr != "" {
		ctx, cancel := s.clock.WithTimeout(context.Background(), budget)
		accepted := exitsignal.RequestExit(ctx, s.client, baseURL(addr), password, s.logger)
		cancel()
		s.logger.Debugw("exit requested", "accepted", accepted)
	}

	s.setState(Joining)
	remaining := budget - s.clock.Since(started)
	if remaining < 0 {
		remaining = 0
	}
	if proc.wait(s.clock, remaining) {
		return nil
	}

	s.logger.Warnw("worker did not exit in time, killing it", "pid", proc.pid(), "timeout", budget)
	if err := proc.kill(); err != nil {
		return err
	}
	if !proc.wait(s.clock, killWait) {
		return errors.Errorf("worker %d survived kill", proc.pid())
	}
	return nil
}

// finalize closes and unlinks the ring and releases the process handle. Each
// resource is released once; later calls find nothing left to release.
func (s *Supervisor) finalize() error {
	s.mu.Lock()
	proc, ring, ringPath := s.proc, s.ring, s.ringPath
	s.proc, s.ring, s.ringPath, s.password, s.addr = nil, nil, "", "", ""
	s.mu.Unlock()

	var err error
	if proc != nil {
		if proc.alive() {
			// only reached when start failed half way
			err = multierr.Append(err, proc.kill())
			proc.wait(s.clock, killWait)
		}
		if !proc.alive() {
			s.mu.Lock()
			s.exitCode, s.exited = proc.exitCode, true
			s.mu.Unlock()
		}
	}
	if ring != nil {
		err = multierr.Append(err, ring.Close())
	}
	if ringPath != "" {
		err = multierr.Append(err, lwc.Remove(ringPath))
	}
	if proc != nil || ring != nil {
		s.logger.Infow("worker released", "error", err)
	}
	return err
}
