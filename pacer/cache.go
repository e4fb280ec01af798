// Package pacer turns irregularly arriving frames into a steady output
// cadence. A Cache holds the last known frame for the whole worker; every
// viewer gets its own Stream that re-emits the cached frame on a fixed clock.
package pacer

import (
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"strzcam.com/rtcbridge/frame"
)

// Source is the consumer side of the frame channel.
type Source interface {
	PullNowait() ([]byte, bool)
}

type cached struct {
	img image.Image
}

// Cache keeps exactly one last known frame. It starts out as a black
// placeholder and is never empty.
type Cache struct {
	source Source
	format frame.Format
	width  int
	height int
	logger *zap.SugaredLogger

	current   atomic.Pointer[cached]
	drainMu   sync.Mutex
	updates   atomic.Uint64
	malformed atomic.Uint64
}

type CacheStats struct {
	Updates   uint64
	Malformed uint64
}

// NewCache builds the cache for frames of the given shape. source may be nil,
// in which case only Update changes the frame.
func NewCache(source Source, format frame.Format, width, height int, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Cache{
		source: source,
		format: format,
		width:  width,
		height: height,
		logger: logger,
	}
	c.current.Store(&cached{img: frame.Placeholder(width, height)})
	return c
}

// Update decodes raw and makes it the current frame. On a malformed buffer the
// previous frame stays current and the error is returned.
func (c *Cache) Update(raw []byte) error {
	img, err := frame.DecodeRawFrame(frame.Frame{
		Data:   raw,
		Width:  uint32(c.width),
		Height: uint32(c.height),
		Format: c.format,
	})
	if err != nil {
		c.malformed.Add(1)
		return err
	}
	c.current.Store(&cached{img: img})
	c.updates.Add(1)
	return nil
}

// Pop drains at most one pending frame into the cache and returns the current
// frame. If another caller is already draining, Pop returns the current frame
// without waiting.
func (c *Cache) Pop() image.Image {
	if c.source != nil && c.drainMu.TryLock() {
		if raw, ok := c.source.PullNowait(); ok {
			if err := c.Update(raw); err != nil {
				c.logger.Debugw("keeping previous frame", "error", err)
			}
		}
		c.drainMu.Unlock()
	}
	return c.Current()
}

func (c *Cache) Current() image.Image {
	return c.current.Load().img
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{Updates: c.updates.Load(), Malformed: c.malformed.Load()}
}
