// Package lwc implements the latest-wins channel that carries raw frames from
// the host process to the worker process.
//
// A Ring is a bounded queue over a flat memory region that may be shared
// between processes. Push never blocks: when the queue is full the oldest
// pending frame is evicted to make room for the new one. Frame bytes are copied
// outside the lock; the lock only guards slot bookkeeping, so neither side
// waits on the other's copy.
//
// Memory layout (8-byte words):
//
//	header   [headerWords]
//	queue    [capacity]    slot indices of pending frames, FIFO
//	free     [capacity+2]  stack of unused slot indices
//	slots    [capacity+2]  length word followed by slotSize bytes
//
// capacity+2 slots exist so that the producer always owns one spare slot to
// write into and a consumer can hold one slot while copying it out. A pulled
// slot belongs to the pull that claimed it until that pull hands it back, so
// several consumers may pull from the same ring.
package lwc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

const magic = 0x4c57_4331 // "LWC1"

const (
	wMagic = iota
	wCapacity
	wSlotSize
	wLock
	wHead
	wCount
	wSpare
	wFreeCount
	wPushed
	wEvicted
	wDiscarded
	wPulled
	headerWords = 16
)

const noSlot = ^uint64(0)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 4

var (
	// ErrClosed is returned by operations on a closed ring.
	ErrClosed  = errors.New("ring is closed")
	errLayout  = errors.New("invalid ring layout")
	pushBudget = time.Millisecond
	pullBudget = 10 * time.Millisecond
)

// Stats are counters kept in the shared header.
type Stats struct {
	Pushed    uint64
	Evicted   uint64
	Discarded uint64
	Pulled    uint64
}

// Ring is a single-producer latest-wins queue.
type Ring struct {
	mu       sync.RWMutex
	mem      []byte
	capacity int
	slotSize int
	closed   bool
	release  func() error

	// slots this mapping has read but could not hand back yet
	heldMu sync.Mutex
	held   []uint64
}

// Size returns the number of bytes a ring with the given geometry occupies.
func Size(capacity, slotSize int) int {
	slots := capacity + 2
	return 8*(headerWords+capacity+slots) + slots*slotStride(slotSize)
}

func slotStride(slotSize int) int {
	return 8 + (slotSize+7)&^7
}

// New returns a heap-backed ring. It behaves exactly like a shared one and is
// meant for tests and in-process use.
func New(capacity, slotSize int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	words := make([]uint64, Size(capacity, slotSize)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	r := &Ring{mem: mem, capacity: capacity, slotSize: slotSize}
	r.init()
	return r
}

func (r *Ring) init() {
	r.store(wMagic, magic)
	r.store(wCapacity, uint64(r.capacity))
	r.store(wSlotSize, uint64(r.slotSize))
	r.store(wHead, 0)
	r.store(wCount, 0)
	r.store(wSpare, 0)
	for i := 1; i < r.capacity+2; i++ {
		r.setFree(i-1, uint64(i))
	}
	r.store(wFreeCount, uint64(r.capacity+1))
	atomic.StoreUint64(r.word(wLock), 0)
}

// attach validates a region written by init in another process.
func attach(mem []byte, release func() error) (*Ring, error) {
	if len(mem) < headerWords*8 {
		return nil, errors.Wrap(errLayout, "region too small")
	}
	r := &Ring{mem: mem, release: release}
	if r.load(wMagic) != magic {
		return nil, errors.Wrap(errLayout, "bad magic")
	}
	r.capacity = int(r.load(wCapacity))
	r.slotSize = int(r.load(wSlotSize))
	if r.capacity <= 0 || Size(r.capacity, r.slotSize) != len(mem) {
		return nil, errors.Wrapf(errLayout, "capacity %d slot size %d region %d", r.capacity, r.slotSize, len(mem))
	}
	return r, nil
}

func (r *Ring) word(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[i*8]))
}

func (r *Ring) load(i int) uint64     { return *r.word(i) }
func (r *Ring) store(i int, v uint64) { *r.word(i) = v }

func (r *Ring) queueAt(i int) uint64 { return r.load(headerWords + i) }
func (r *Ring) setQueue(i int, v uint64) {
	r.store(headerWords+i, v)
}

func (r *Ring) freeAt(i int) uint64 { return r.load(headerWords + r.capacity + i) }
func (r *Ring) setFree(i int, v uint64) {
	r.store(headerWords+r.capacity+i, v)
}

func (r *Ring) slot(s uint64) (length *uint64, data []byte) {
	off := 8*(headerWords+r.capacity+r.capacity+2) + int(s)*slotStride(r.slotSize)
	return (*uint64)(unsafe.Pointer(&r.mem[off])), r.mem[off+8 : off+8+r.slotSize]
}

func (r *Ring) lock(budget time.Duration) bool {
	lw := r.word(wLock)
	var deadline time.Time
	for i := 0; ; i++ {
		if atomic.CompareAndSwapUint64(lw, 0, 1) {
			return true
		}
		if i&63 == 63 {
			if deadline.IsZero() {
				deadline = time.Now().Add(budget)
			} else if time.Now().After(deadline) {
				return false
			}
		}
		runtime.Gosched()
	}
}

func (r *Ring) unlock() {
	atomic.StoreUint64(r.word(wLock), 0)
}

func (r *Ring) slots() uint64 {
	return uint64(r.capacity + 2)
}

func (r *Ring) popFree() uint64 {
	n := r.load(wFreeCount)
	if n == 0 || n > r.slots() {
		return noSlot
	}
	n--
	r.store(wFreeCount, n)
	if s := r.freeAt(int(n)); s < r.slots() {
		return s
	}
	return noSlot
}

func (r *Ring) pushFree(s uint64) {
	n := r.load(wFreeCount)
	if s >= r.slots() || n >= r.slots() {
		return
	}
	r.setFree(int(n), s)
	r.store(wFreeCount, n+1)
}

// evictHead drops the oldest pending frame and returns its slot. The caller
// holds the lock and has checked the queue is not empty.
func (r *Ring) evictHead(head, count int) (slot uint64, newHead, newCount int) {
	slot = r.queueAt(head)
	head = (head + 1) % r.capacity
	r.store(wHead, uint64(head))
	r.store(wEvicted, r.load(wEvicted)+1)
	return slot, head, count - 1
}

// Push stores a copy of data as the newest pending frame. When the ring is
// full the oldest pending frame is evicted first. Frames larger than the slot
// size, or pushes that cannot take the lock within a short budget, are
// discarded. Push never blocks and reports whether the frame was stored.
func (r *Ring) Push(data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	if len(data) > r.slotSize {
		r.discard()
		return false
	}

	// The spare slot belongs to the producer until it is enqueued.
	spare := r.load(wSpare)
	if spare >= r.slots() {
		r.discard()
		return false
	}
	length, buf := r.slot(spare)
	copy(buf, data)
	*length = uint64(len(data))

	if !r.lock(pushBudget) {
		return false
	}
	defer r.unlock()

	count := int(r.load(wCount))
	head := int(r.load(wHead))
	if count == r.capacity {
		var evicted uint64
		evicted, head, count = r.evictHead(head, count)
		r.pushFree(evicted)
	}
	next := r.popFree()
	if next == noSlot && count > 0 {
		// consumers are holding the free slots; take the oldest pending one
		next, head, count = r.evictHead(head, count)
	}
	if next == noSlot {
		r.store(wCount, uint64(count))
		r.store(wDiscarded, r.load(wDiscarded)+1)
		return false
	}
	r.setQueue((head+count)%r.capacity, spare)
	r.store(wCount, uint64(count+1))
	r.store(wSpare, next)
	r.store(wPushed, r.load(wPushed)+1)
	return true
}

func (r *Ring) discard() {
	if r.lock(pushBudget) {
		r.store(wDiscarded, r.load(wDiscarded)+1)
		r.unlock()
	}
}

// PullNowait removes and returns the oldest pending frame. The second result
// is false when nothing is pending; that is not an error. It is safe to pull
// from several goroutines or processes at once.
func (r *Ring) PullNowait() ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false
	}
	if !r.lock(pullBudget) {
		return nil, false
	}
	r.returnHeld()
	count := r.load(wCount)
	if count == 0 || count > uint64(r.capacity) {
		r.unlock()
		return nil, false
	}
	head := r.load(wHead) % uint64(r.capacity)
	s := r.queueAt(int(head))
	r.store(wHead, (head+1)%uint64(r.capacity))
	r.store(wCount, count-1)
	r.store(wPulled, r.load(wPulled)+1)
	r.unlock()
	if s >= r.slots() {
		return nil, false
	}

	// s is off the queue and out of the free stack: nobody else touches it.
	length, buf := r.slot(s)
	out := make([]byte, min(*length, uint64(len(buf))))
	copy(out, buf)
	r.giveBack(s)
	return out, true
}

// giveBack returns a read slot to the free stack. When the lock is busy the
// slot is kept and returned by the next pull or by Close.
func (r *Ring) giveBack(s uint64) {
	if r.lock(pullBudget) {
		r.returnHeld()
		r.pushFree(s)
		r.unlock()
		return
	}
	r.heldMu.Lock()
	r.held = append(r.held, s)
	r.heldMu.Unlock()
}

// returnHeld must be called with the ring lock held.
func (r *Ring) returnHeld() {
	r.heldMu.Lock()
	defer r.heldMu.Unlock()
	for _, s := range r.held {
		r.pushFree(s)
	}
	r.held = r.held[:0]
}

// Len returns the number of pending frames.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || !r.lock(pullBudget) {
		return 0
	}
	defer r.unlock()
	return int(r.load(wCount))
}

// Cap returns the maximum number of pending frames.
func (r *Ring) Cap() int {
	return r.capacity
}

// SlotSize returns the largest frame the ring accepts.
func (r *Ring) SlotSize() int {
	return r.slotSize
}

func (r *Ring) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || !r.lock(pullBudget) {
		return Stats{}
	}
	defer r.unlock()
	return Stats{
		Pushed:    r.load(wPushed),
		Evicted:   r.load(wEvicted),
		Discarded: r.load(wDiscarded),
		Pulled:    r.load(wPulled),
	}
}

// Close releases the mapping. Pending frames are dropped. Close is idempotent.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.lock(pullBudget) {
		r.returnHeld()
		r.unlock()
	}
	r.closed = true
	r.mem = nil
	if r.release != nil {
		return r.release()
	}
	return nil
}
