package preview

import (
	"image"
	"sync/atomic"

	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// Key codes treated as the exit gesture.
const (
	KeyEsc int = 27
	KeyQ   int = 'q'
)

// IsExitKey reports whether key asks the capture to stop.
func IsExitKey(key int) bool {
	return key == KeyEsc || key == KeyQ
}

// Frame is one rendered preview window.
type Frame struct {
	Left, Right             image.Image
	LeftEvents, RightEvents int
}

// Surface displays frames and reports key presses. Show and PollKey are
// called from the consumer goroutine only.
type Surface interface {
	Show(f Frame)
	// PollKey returns the oldest unread key press without blocking.
	PollKey() (key int, ok bool)
}

// Renderer renders slicer windows onto a Surface. Its Render method is a
// slicer.RenderFunc.
type Renderer struct {
	left, right *EventImager
	surface     Surface
	frames      atomic.Uint64
	logf        func(format string, v ...interface{})
}

// NewRenderer creates a Renderer for the two channel resolutions.
func NewRenderer(left, right stereo.Resolution, surface Surface) *Renderer {
	return &Renderer{
		left:    NewEventImager(left),
		right:   NewEventImager(right),
		surface: surface,
		logf:    monitoring.Component("Preview"),
	}
}

// Render draws both windows and shows them.
func (r *Renderer) Render(left, right []stereo.Event) {
	n := r.frames.Add(1)
	if n == 1 {
		r.logf("first window: left=%d right=%d events", len(left), len(right))
	}
	r.surface.Show(Frame{
		Left:        r.left.Render(left),
		Right:       r.right.Render(right),
		LeftEvents:  len(left),
		RightEvents: len(right),
	})
}

// Frames returns the number of windows rendered.
func (r *Renderer) Frames() uint64 {
	return r.frames.Load()
}

// NullSurface discards frames and never reports a key. It backs headless
// runs that still want the visualisation path exercised.
type NullSurface struct {
	shown atomic.Uint64
}

func (s *NullSurface) Show(Frame)          { s.shown.Add(1) }
func (s *NullSurface) PollKey() (int, bool) { return 0, false }

// Shown returns the number of frames passed to Show.
func (s *NullSurface) Shown() uint64 { return s.shown.Load() }
