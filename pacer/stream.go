package pacer

import (
	"context"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices/pkg/io/video"
)

// ClockRate is the video media clock in ticks per second.
const ClockRate = 90000

type State int

const (
	AwaitingFirstTick State = iota
	Steady
)

func (s State) String() string {
	switch s {
	case AwaitingFirstTick:
		return "awaiting_first_tick"
	case Steady:
		return "steady"
	}
	return "unknown"
}

// Sample is one paced frame. PTS is in ClockRate ticks from the first pull.
type Sample struct {
	Image image.Image
	PTS   int64
}

// Timestamp converts the PTS to a duration.
func (s Sample) Timestamp() time.Duration {
	return ticksToDuration(s.PTS)
}

// Stream paces one viewer. It is not safe for concurrent use; each viewer owns
// its own Stream while all of them share one Cache.
type Stream struct {
	cache         *Cache
	clock         clock.Clock
	ticksPerFrame int64

	state State
	start time.Time
	pts   int64
}

func NewStream(cache *Cache, fps int, clk clock.Clock) *Stream {
	if fps < 1 {
		fps = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Stream{
		cache:         cache,
		clock:         clk,
		ticksPerFrame: ClockRate / int64(fps),
	}
}

// Period is the nominal time between two samples.
func (s *Stream) Period() time.Duration {
	return ticksToDuration(s.ticksPerFrame)
}

func (s *Stream) State() State {
	return s.state
}

// Pull returns the next sample. The first pull returns immediately with PTS 0;
// every later pull advances the PTS by one frame and sleeps until the wall
// clock reaches start+PTS, so late pulls catch up instead of drifting. The
// only error is ctx being done.
func (s *Stream) Pull(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	switch s.state {
	case AwaitingFirstTick:
		s.start = s.clock.Now()
		s.pts = 0
		s.state = Steady
	case Steady:
		s.pts += s.ticksPerFrame
		if wait := s.start.Add(ticksToDuration(s.pts)).Sub(s.clock.Now()); wait > 0 {
			timer := s.clock.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Sample{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return Sample{Image: s.cache.Pop(), PTS: s.pts}, nil
}

// Reader adapts the stream to a mediadevices video reader so an encoder can
// pull paced frames directly.
func (s *Stream) Reader(ctx context.Context) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		sample, err := s.Pull(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		return sample.Image, func() {}, nil
	})
}

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks/ClockRate)*time.Second + time.Duration(ticks%ClockRate)*time.Second/ClockRate
}
