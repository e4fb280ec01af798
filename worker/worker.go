// Package worker is the isolated process that serves viewers. It reads frames
// from the shared ring, paces them per viewer and exposes the HTTP surface
// used for negotiation and for the exit signal.
package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strzcam.com/rtcbridge/config"
	"strzcam.com/rtcbridge/exitsignal"
	"strzcam.com/rtcbridge/lwc"
	"strzcam.com/rtcbridge/pacer"
	"strzcam.com/rtcbridge/web_rtc"
)

const (
	negotiationTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
)

type Worker struct {
	boot   Bootstrap
	cfg    config.Config
	logger *zap.SugaredLogger

	ring       *lwc.Ring
	cache      *pacer.Cache
	sessions   *web_rtc.SessionSet
	negotiator *web_rtc.Negotiator
	handler    http.Handler

	cleanupMu sync.Mutex
	cleanups  []func() error

	shutdownOnce sync.Once
	shutdownReq  chan struct{}
	wg           sync.WaitGroup
}

type Option func(*options)

type options struct {
	logger     *zap.SugaredLogger
	negotiator []web_rtc.Option
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNegotiatorOptions forwards options to the session negotiator.
func WithNegotiatorOptions(opts ...web_rtc.Option) Option {
	return func(o *options) { o.negotiator = append(o.negotiator, opts...) }
}

// New wires ring, cache, sessions and negotiator together. An empty RingPath
// runs the worker without a frame source; viewers then see the placeholder.
func New(boot Bootstrap, opts ...Option) (*Worker, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	cfg := boot.Config
	w := &Worker{
		boot:        boot,
		cfg:         cfg,
		logger:      o.logger,
		shutdownReq: make(chan struct{}),
	}

	var source pacer.Source
	if boot.RingPath != "" {
		ring, err := lwc.Open(boot.RingPath)
		if err != nil {
			return nil, errors.WithMessage(err, "open frame ring")
		}
		w.ring = ring
		source = ring
		w.OnShutdown(ring.Close)
	}

	w.cache = pacer.NewCache(source, cfg.FrameFormat, cfg.FrameWidth, cfg.FrameHeight, w.logger.Named("cache"))
	w.sessions = web_rtc.NewSessionSet(w.logger.Named("sessions"))
	w.negotiator = web_rtc.NewNegotiator(cfg, w.cache, w.sessions, w.logger.Named("negotiator"), o.negotiator...)
	w.handler = w.routes()
	return w, nil
}

func (w *Worker) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", w.serveIndex)
	mux.HandleFunc("/client.js", w.serveClient)
	mux.HandleFunc("/config", w.serveConfig)
	mux.HandleFunc("/offer", w.serveOffer)
	mux.HandleFunc("/stream", w.serveStream)
	mux.HandleFunc("/stats", w.serveStats)
	mux.Handle("/ws", web_rtc.NewSignalingHandler(w.negotiator, negotiationTimeout, w.logger.Named("signaling")))
	mux.Handle(exitsignal.Path, exitsignal.NewHandler(w.boot.Password, w.RequestShutdown, w.logger.Named("exit")))

	return cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
	}).Handler(mux)
}

// Handler is the full HTTP surface of the worker.
func (w *Worker) Handler() http.Handler {
	return w.handler
}

// OnShutdown registers fn to run after all sessions are closed.
func (w *Worker) OnShutdown(fn func() error) {
	w.cleanupMu.Lock()
	defer w.cleanupMu.Unlock()
	w.cleanups = append(w.cleanups, fn)
}

// RequestShutdown asks Run to shut down gracefully. Only the first call counts.
func (w *Worker) RequestShutdown() {
	w.shutdownOnce.Do(func() { close(w.shutdownReq) })
}

// Run serves until a shutdown is requested or ctx is done. The ready line is
// written to out once the listener is bound.
func (w *Worker) Run(ctx context.Context, out io.Writer) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port)))
	if err != nil {
		w.shutdown()
		return errors.Wrap(err, "listen")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		w.wg.Wait()
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sessions.Run(runCtx)
	}()
	if w.boot.RingPath != "" {
		if err := w.watchRing(runCtx, w.boot.RingPath, w.RequestShutdown); err != nil {
			w.logger.Warnw("orphan watch disabled", "error", err)
		}
	}

	server := &http.Server{
		Handler:           w.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	addr := ln.Addr().String()
	if err := WriteReady(out, Ready{Addr: addr}); err != nil {
		w.logger.Errorw("cannot announce readiness", "error", err)
	}
	w.logger.Infow("worker listening", "addr", addr, "fps", w.cfg.FPS)

	select {
	case <-w.shutdownReq:
		w.logger.Info("exit requested")
	case <-ctx.Done():
		w.logger.Info("context done, shutting down")
	case err := <-serveErr:
		w.shutdown()
		return errors.Wrap(err, "serve")
	}

	err = w.shutdown()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, errors.Wrap(serr, "http shutdown"))
	}
	w.logger.Infow("worker stopped", "error", err)
	return err
}

// shutdown closes every session concurrently, then runs the cleanup hooks in
// registration order.
func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := w.sessions.CloseAll(ctx)

	w.cleanupMu.Lock()
	cleanups := w.cleanups
	w.cleanups = nil
	w.cleanupMu.Unlock()
	for _, fn := range cleanups {
		err = multierr.Append(err, fn())
	}
	return err
}
