// Package slicer groups paired left/right event batches into preview
// windows using an event-count threshold.
//
// Windows are edge-triggered: batches accumulate whole until the counted
// total reaches the threshold, then the render callback receives both
// accumulated windows and the accumulators reset. Variable event rates
// therefore produce windows of variable wall-clock length, and one channel
// may dominate a window.
package slicer

import (
	"fmt"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// DefaultThreshold is the number of events per window.
const DefaultThreshold = 15000

// Mode selects which events count toward the threshold.
type Mode int

const (
	// Combined counts left and right events together.
	Combined Mode = iota
	// LeftOnly counts only left events, as stereo slicers that treat the
	// left camera as the primary stream do.
	LeftOnly
)

func (m Mode) String() string {
	switch m {
	case Combined:
		return "combined"
	case LeftOnly:
		return "left"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses "combined" or "left".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "combined":
		return Combined, nil
	case "left":
		return LeftOnly, nil
	}
	return 0, fmt.Errorf("unknown slice mode %q", s)
}

// RenderFunc receives one window per channel. The slices are owned by the
// callee once passed and are not reused by the slicer.
type RenderFunc func(left, right []stereo.Event)

// Slicer accumulates events and emits windows. It is not safe for
// concurrent use; it lives on the consumer goroutine.
type Slicer struct {
	threshold int
	mode      Mode
	render    RenderFunc

	left  []stereo.Event
	right []stereo.Event

	windows uint64
}

// New creates a Slicer. A non-positive threshold takes DefaultThreshold.
func New(threshold int, mode Mode, render RenderFunc) *Slicer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Slicer{threshold: threshold, mode: mode, render: render}
}

// Accept appends a dequeued pair and fires the render callback when the
// counted total reaches the threshold.
func (s *Slicer) Accept(left, right *stereo.EventBatch) {
	s.left = append(s.left, left.Events()...)
	s.right = append(s.right, right.Events()...)

	if s.counted() >= s.threshold {
		s.emit()
	}
}

// Flush emits the trailing partial window if any events are pending. It
// reports whether a window was emitted.
func (s *Slicer) Flush() bool {
	if len(s.left) == 0 && len(s.right) == 0 {
		return false
	}
	s.emit()
	return true
}

// Pending returns the accumulated left and right event counts.
func (s *Slicer) Pending() (left, right int) {
	return len(s.left), len(s.right)
}

// Windows returns the number of windows emitted so far.
func (s *Slicer) Windows() uint64 {
	return s.windows
}

func (s *Slicer) counted() int {
	if s.mode == LeftOnly {
		return len(s.left)
	}
	return len(s.left) + len(s.right)
}

func (s *Slicer) emit() {
	left, right := s.left, s.right
	s.left, s.right = nil, nil
	s.windows++
	if s.render != nil {
		s.render(left, right)
	}
}
