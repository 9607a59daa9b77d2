// Package ring implements the lossy frame buffer shared between the capture
// goroutine and its consumers.
package ring

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of frames kept when no capacity is given.
const DefaultCapacity = 100

// Frame is a raw captured frame. Data must not be modified once pushed.
type Frame struct {
	// Seq is the capture-order position of the frame, starting at 0.
	Seq uint64
	// Time is the arrival time of the first byte.
	Time time.Time
	Data []byte
}

// Stats are the counters of a Buffer.
type Stats struct {
	Pushed  uint64
	Dropped uint64
}

// Buffer is a fixed-capacity circular buffer of frames. When full, a push
// silently evicts the oldest frame. All methods are safe for concurrent use;
// the lock is never held across I/O or callbacks.
type Buffer struct {
	mu      sync.Mutex
	slots   []Frame
	head    uint64 // insertion index, reset by Clear
	seq     uint64 // never reset
	dropped uint64
}

// New creates a Buffer holding up to capacity frames. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{slots: make([]Frame, capacity)}
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return len(b.slots)
}

// Len returns the number of frames currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Push stores a frame, evicting the oldest one when the buffer is full,
// and returns its sequence number.
func (b *Buffer) Push(data []byte, ts time.Time) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := uint64(len(b.slots))
	if b.head >= capacity {
		b.dropped++
	}
	seq := b.seq
	b.slots[b.head%capacity] = Frame{Seq: seq, Time: ts, Data: data}
	b.head++
	b.seq++
	return seq
}

// Export returns the held frames oldest first. With reset set, the buffer
// is emptied in the same critical section.
func (b *Buffer) Export(reset bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.windowLocked()
	if reset {
		b.resetLocked()
	}
	return frames
}

// Tail returns up to n of the newest frames, oldest first. A non-positive n
// returns nothing.
func (b *Buffer) Tail(n int) []Frame {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.windowLocked()
	if len(frames) > n {
		frames = frames[len(frames)-n:]
	}
	return frames
}

// Since returns the held frames whose sequence number is at least seq,
// oldest first, along with the sequence number to pass on the next call and
// the number of frames with sequence numbers in [seq, first returned) that
// were evicted or cleared before they could be read.
func (b *Buffer) Since(seq uint64) (frames []Frame, next uint64, missed uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next = b.seq
	if seq >= next {
		return nil, next, 0
	}
	oldest := b.seq - uint64(b.lenLocked())
	if seq < oldest {
		missed = oldest - seq
		seq = oldest
	}
	window := b.windowLocked()
	frames = window[len(window)-int(next-seq):]
	return frames, next, missed
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.resetLocked()
	b.mu.Unlock()
}

// Stats returns the push and eviction counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Pushed: b.seq, Dropped: b.dropped}
}

func (b *Buffer) lenLocked() int {
	return int(min(b.head, uint64(len(b.slots))))
}

// windowLocked copies the logical window: [0, head) while not wrapped,
// [head%cap, cap) ++ [0, head%cap) afterwards.
func (b *Buffer) windowLocked() []Frame {
	capacity := uint64(len(b.slots))
	if b.head < capacity {
		frames := make([]Frame, b.head)
		copy(frames, b.slots[:b.head])
		return frames
	}
	start := b.head % capacity
	frames := make([]Frame, 0, capacity)
	frames = append(frames, b.slots[start:]...)
	frames = append(frames, b.slots[:start]...)
	return frames
}

func (b *Buffer) resetLocked() {
	clear(b.slots)
	b.head = 0
}
