// Package plugin exposes the supervisor through the lifecycle hooks a host
// application calls: init, validity probe, one call per frame and destroy,
// plus string keyed configuration.
package plugin

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"strzcam.com/rtcbridge/config"
	"strzcam.com/rtcbridge/supervisor"
)

// ErrNotInitialized is returned by OnRun before a successful OnInit.
var ErrNotInitialized = errors.New("plugin not initialized")

type Plugin struct {
	mu     sync.Mutex
	cfg    config.Config
	opts   []supervisor.Option
	sup    *supervisor.Supervisor
	logger *zap.SugaredLogger
}

// New returns a plugin for cfg. opts are passed to every supervisor the
// plugin creates.
func New(cfg config.Config, logger *zap.SugaredLogger, opts ...supervisor.Option) *Plugin {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Plugin{cfg: cfg, opts: opts, logger: logger}
}

// OnInit starts the worker and reports whether it is alive. Calling it again
// while the worker runs does nothing.
func (p *Plugin) OnInit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil && p.sup.IsAlive() {
		return true
	}
	if p.sup != nil {
		if err := p.sup.Stop(); err != nil {
			p.logger.Warnw("releasing previous worker", "error", err)
		}
	}
	if err := p.cfg.Validate(); err != nil {
		p.logger.Errorw("invalid configuration", "error", err)
		return false
	}

	opts := append([]supervisor.Option{supervisor.WithLogger(p.logger.Named("supervisor"))}, p.opts...)
	sup := supervisor.New(p.cfg, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StartTimeout())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		p.logger.Errorw("cannot start worker", "error", err)
		return false
	}
	p.sup = sup
	p.logger.Infow("plugin initialized", "addr", sup.Addr())
	return true
}

// OnValid is the liveness probe.
func (p *Plugin) OnValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup != nil && p.sup.IsAlive()
}

// OnRun forwards one frame. It never blocks on the worker.
func (p *Plugin) OnRun(frame []byte) error {
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		return ErrNotInitialized
	}
	return sup.PushFrame(frame)
}

// OnDestroy shuts the worker down, gracefully if it can.
func (p *Plugin) OnDestroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil {
		return nil
	}
	err := p.sup.Stop()
	p.sup = nil
	return err
}

// OnSet changes one configuration key. Changes apply to the next OnInit.
func (p *Plugin) OnSet(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cfg.Set(key, value); err != nil {
		return err
	}
	if p.sup != nil {
		p.logger.Debugw("configuration changed while running", "key", key)
	}
	return nil
}

func (p *Plugin) OnGet(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Get(key)
}
