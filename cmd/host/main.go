// Command host runs a worker and feeds it a synthetic moving test pattern,
// the way a host application would drive the plugin.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"strzcam.com/rtcbridge/config"
	"strzcam.com/rtcbridge/logging"
	"strzcam.com/rtcbridge/plugin"
)

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger("host", cfg.Verbose)
	defer logger.Sync()
	if err != nil {
		logger.Fatalw("cannot load configuration", "error", err)
	}

	p := plugin.New(cfg, logger)
	if !p.OnInit() {
		logger.Fatal("worker did not start")
	}
	defer func() {
		if err := p.OnDestroy(); err != nil {
			logger.Errorw("shutdown", "error", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second / time.Duration(cfg.FPS))
	defer ticker.Stop()

	channels := cfg.FrameFormat.Channels()
	buf := make([]byte, cfg.FrameSize())
	for n := 0; ; n++ {
		select {
		case <-signals:
			return
		case <-ticker.C:
		}
		if !p.OnValid() {
			logger.Warn("worker is gone")
		}
		fillPattern(buf, cfg.FrameWidth, cfg.FrameHeight, channels, n)
		if err := p.OnRun(buf); err != nil {
			logger.Errorw("push failed", "error", err)
		}
	}
}

// fillPattern draws a diagonal gradient that scrolls by one pixel per frame.
func fillPattern(buf []byte, width, height, channels, n int) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := byte(x + y + n)
			off := (y*width + x) * channels
			for c := 0; c < channels; c++ {
				buf[off+c] = v + byte(c*64)
			}
		}
	}
}
