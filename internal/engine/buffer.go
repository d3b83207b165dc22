package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyBuffer is returned by Seal when no frames were appended.
var ErrEmptyBuffer = errors.New("cannot seal empty buffer")

// maxAdjacentFrames bounds the post-seal tail a window retains for the
// re-check pass.
const maxAdjacentFrames = 8

// Buffer accumulates the frames of one burst window for one source. Capacity
// is bounded: appending past it drops the oldest frame, so the buffer always
// holds the most recent stretch of the window rather than growing.
type Buffer struct {
	mu       sync.Mutex
	sourceID string
	capacity int
	frames   []Frame
	sealed   *Window
}

// OpenBuffer starts a buffer for a source. Capacity bounds the window's
// frame count (window seconds x burst fps).
func OpenBuffer(sourceID string, capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		sourceID: sourceID,
		capacity: capacity,
		frames:   make([]Frame, 0, capacity),
	}
}

// Append adds a frame, sliding out the oldest once at capacity. Appends
// after sealing join the sealed window's adjacent tail, so the re-check can
// see the moments immediately following the burst.
func (b *Buffer) Append(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed != nil {
		b.sealed.addAdjacent(f)
		return
	}
	if len(b.frames) == b.capacity {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:len(b.frames)-1]
	}
	b.frames = append(b.frames, f)
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed != nil {
		return len(b.sealed.Frames)
	}
	return len(b.frames)
}

// Seal freezes the buffer into an immutable Window. Sealing twice returns
// the same snapshot; sealing an empty buffer fails.
func (b *Buffer) Seal() (*Window, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed != nil {
		return b.sealed, nil
	}
	if len(b.frames) == 0 {
		return nil, ErrEmptyBuffer
	}
	frames := make([]Frame, len(b.frames))
	copy(frames, b.frames)
	b.sealed = &Window{
		WindowID: uuid.New().String(),
		SourceID: b.sourceID,
		Frames:   frames,
		SealedAt: time.Now(),
	}
	b.frames = nil
	return b.sealed, nil
}

// Window is a sealed context window handed to the detection orchestrator.
type Window struct {
	WindowID string
	SourceID string
	Frames   []Frame
	SealedAt time.Time

	mu       sync.Mutex
	adjacent []Frame
	released bool
}

// addAdjacent retains a frame captured just after sealing. The tail is
// bounded and closed once the window is released.
func (w *Window) addAdjacent(f Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released || len(w.adjacent) >= maxAdjacentFrames {
		return
	}
	w.adjacent = append(w.adjacent, f)
}

// Adjacent returns the frames captured immediately after the seal.
func (w *Window) Adjacent() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Frame, len(w.adjacent))
	copy(out, w.adjacent)
	return out
}

// PeakMotion returns the highest motion score in the window.
func (w *Window) PeakMotion() float64 {
	peak := 0.0
	for _, f := range w.Frames {
		if f.MotionScore > peak {
			peak = f.MotionScore
		}
	}
	return peak
}

// Release frees the frame payloads. Called once the orchestrator invocation
// that owns the window completes, successfully or not. Safe to call twice.
func (w *Window) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	for i := range w.Frames {
		w.Frames[i].Payload = nil
	}
	for i := range w.adjacent {
		w.adjacent[i].Payload = nil
	}
}

// Released reports whether the window's payloads have been freed.
func (w *Window) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}
