package pacer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"strzcam.com/rtcbridge/frame"
	"strzcam.com/rtcbridge/lwc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func solid(v byte) []byte {
	// 2x2 bgr24
	return []byte{v, v, v, v, v, v, v, v, v, v, v, v}
}

func newTestCache(t *testing.T) (*Cache, *lwc.Ring) {
	ring := lwc.New(4, 12)
	return NewCache(ring, frame.FormatBGR24, 2, 2, zaptest.NewLogger(t).Sugar()), ring
}

func TestCacheStartsWithPlaceholder(t *testing.T) {
	cache, _ := newTestCache(t)
	img := cache.Pop()
	test.That(t, img, test.ShouldNotBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 2)
	r, _, _, a := img.At(0, 0).RGBA()
	test.That(t, r, test.ShouldEqual, 0)
	test.That(t, a, test.ShouldEqual, 0xffff)
}

func TestCacheDrainsOneFramePerPop(t *testing.T) {
	cache, ring := newTestCache(t)
	ring.Push(solid(10))
	ring.Push(solid(20))

	r, _, _, _ := cache.Pop().At(0, 0).RGBA()
	test.That(t, r>>8, test.ShouldEqual, 10)
	r, _, _, _ = cache.Pop().At(0, 0).RGBA()
	test.That(t, r>>8, test.ShouldEqual, 20)
	// nothing pending, the last frame is repeated
	r, _, _, _ = cache.Pop().At(0, 0).RGBA()
	test.That(t, r>>8, test.ShouldEqual, 20)
	test.That(t, cache.Stats().Updates, test.ShouldEqual, 2)
}

func TestCacheKeepsPreviousOnMalformed(t *testing.T) {
	cache, ring := newTestCache(t)
	ring.Push(solid(30))
	good := cache.Pop()
	ring.Push([]byte{1, 2, 3})
	test.That(t, cache.Pop(), test.ShouldEqual, good)
	test.That(t, cache.Stats().Malformed, test.ShouldEqual, 1)
	test.That(t, ring.Len(), test.ShouldEqual, 0)
}

func TestCacheWithoutSource(t *testing.T) {
	cache := NewCache(nil, frame.FormatGray, 1, 1, nil)
	before := cache.Pop()
	test.That(t, cache.Update([]byte{7}), test.ShouldBeNil)
	test.That(t, cache.Pop(), test.ShouldNotEqual, before)
}

func TestFirstPullIsImmediate(t *testing.T) {
	cache, _ := newTestCache(t)
	s := NewStream(cache, 1, clock.NewMock())
	test.That(t, s.State(), test.ShouldEqual, AwaitingFirstTick)
	sample, err := s.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.PTS, test.ShouldEqual, 0)
	test.That(t, s.State(), test.ShouldEqual, Steady)
}

func TestPacingCadence(t *testing.T) {
	cache, _ := newTestCache(t)
	s := NewStream(cache, 10, clock.New())
	test.That(t, s.Period(), test.ShouldEqual, 100*time.Millisecond)

	ctx := context.Background()
	start := time.Now()
	var last int64 = -1
	for i := 0; i < 5; i++ {
		sample, err := s.Pull(ctx)
		test.That(t, err, test.ShouldBeNil)
		if last >= 0 {
			test.That(t, sample.PTS-last, test.ShouldEqual, ClockRate/10)
		}
		last = sample.PTS
		// never early
		test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, time.Duration(i)*100*time.Millisecond)
	}
	test.That(t, last, test.ShouldEqual, 4*ClockRate/10)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 700*time.Millisecond)
}

func TestLatePullsCatchUp(t *testing.T) {
	cache, _ := newTestCache(t)
	mock := clock.NewMock()
	s := NewStream(cache, 10, mock)
	ctx := context.Background()

	_, err := s.Pull(ctx)
	test.That(t, err, test.ShouldBeNil)

	// the consumer stalls for three and a half periods
	mock.Add(350 * time.Millisecond)
	for i := 1; i <= 3; i++ {
		sample, err := s.Pull(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample.Timestamp(), test.ShouldEqual, time.Duration(i)*100*time.Millisecond)
	}

	// the fourth is due at 400ms, 50ms in the future
	result := make(chan Sample, 1)
	go func() {
		sample, _ := s.Pull(ctx)
		result <- sample
	}()
	time.Sleep(10 * time.Millisecond)
	mock.Add(50 * time.Millisecond)
	select {
	case sample := <-result:
		test.That(t, sample.Timestamp(), test.ShouldEqual, 400*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("pull did not return after the clock advanced")
	}
}

func TestPullHonorsCancellation(t *testing.T) {
	cache, _ := newTestCache(t)
	s := NewStream(cache, 1, clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Pull(ctx)
	test.That(t, err, test.ShouldBeNil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = s.Pull(ctx)
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 500*time.Millisecond)

	_, err = s.Pull(ctx)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestFrameRepetitionOnStarvation(t *testing.T) {
	cache, ring := newTestCache(t)
	ring.Push(solid(40))
	s := NewStream(cache, 200, clock.New())
	ctx := context.Background()

	first, err := s.Pull(ctx)
	test.That(t, err, test.ShouldBeNil)
	last := first.PTS
	for k := 0; k < 5; k++ {
		sample, err := s.Pull(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample.Image, test.ShouldEqual, first.Image)
		test.That(t, sample.PTS, test.ShouldBeGreaterThan, last)
		last = sample.PTS
	}
}

func TestViewersShareOneCache(t *testing.T) {
	cache, ring := newTestCache(t)
	ring.Push(solid(50))
	cache.Pop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewStream(cache, 100, clock.New())
			for j := 0; j < 3; j++ {
				sample, err := s.Pull(context.Background())
				test.That(t, err, test.ShouldBeNil)
				r, _, _, _ := sample.Image.At(1, 1).RGBA()
				test.That(t, r>>8, test.ShouldEqual, 50)
			}
		}()
	}
	wg.Wait()
}

func TestReaderAdapter(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	reader := NewStream(cache, 100, clock.New()).Reader(ctx)
	img, release, err := reader.Read()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img, test.ShouldEqual, cache.Current())
	release()

	cancel()
	_, _, err = reader.Read()
	test.That(t, err, test.ShouldNotBeNil)
}
