package supervisor

import (
	"bufio"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"strzcam.com/rtcbridge/worker"
)

// process is a spawned worker. done is closed once the process has been
// reaped; exitCode is valid after that.
type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	ready    chan readyResult
	exitCode int
}

type readyResult struct {
	ready worker.Ready
	err   error
}

// spawn starts cmd with the bootstrap line on its stdin. stdout is read on a
// separate pipe so the reaper never waits for it.
func spawn(cmd *exec.Cmd, boot worker.Bootstrap, logger *zap.SugaredLogger) (*process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	cmd.Stdout = stdoutW
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errors.Wrapf(err, "start %s", cmd.Path)
	}
	stdoutW.Close()

	p := &process{
		cmd:   cmd,
		done:  make(chan struct{}),
		ready: make(chan readyResult, 1),
	}
	go p.reap(logger)
	go p.readStdout(stdoutR, logger)

	werr := worker.WriteBootstrap(stdin, boot)
	if cerr := stdin.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return p, errors.Wrap(werr, "send bootstrap")
	}
	return p, nil
}

func (p *process) reap(logger *zap.SugaredLogger) {
	err := p.cmd.Wait()
	p.exitCode = exitCode(p.cmd.ProcessState)
	logger.Debugw("worker exited", "pid", p.cmd.Process.Pid, "exit_code", p.exitCode, "error", err)
	close(p.done)
}

// readStdout delivers the ready line, then logs whatever else the worker
// prints until it exits.
func (p *process) readStdout(stdout *os.File, logger *zap.SugaredLogger) {
	defer stdout.Close()
	reader := bufio.NewReader(stdout)
	ready, err := worker.ReadReady(reader)
	p.ready <- readyResult{ready: ready, err: err}
	if err != nil {
		return
	}
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			logger.Debugw("worker stdout", "line", line)
		}
		if err != nil {
			return
		}
	}
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// wait reports whether the process exited within d.
func (p *process) wait(clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return !p.alive()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "kill worker")
	}
	return nil
}

// exitCode follows the usual convention: a negative code is the number of
// the signal that terminated the process.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
