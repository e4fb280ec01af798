package worker

import (
	"context"
	"io"

	"strzcam.com/rtcbridge/logging"
)

// Main reads the bootstrap line from stdin and runs a worker until it is
// asked to exit.
func Main(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	boot, err := ReadBootstrap(stdin)
	if err != nil {
		return err
	}
	logger := logging.NewLogger("worker", boot.Config.Verbose)
	defer logger.Sync()

	w, err := New(boot, WithLogger(logger))
	if err != nil {
		logger.Errorw("cannot start worker", "error", err)
		return err
	}
	return w.Run(ctx, stdout)
}
