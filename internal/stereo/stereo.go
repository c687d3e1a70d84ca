// Package stereo defines the data model shared by the stereo capture
// pipeline: channels, event batches, frames, auxiliary samples and the
// dual-sensor source the pipeline pulls from.
//
// Batches are immutable once a Sensor hands them out. The producer writes
// them to the durable log and, when previewing, shares the same pointer with
// the visualisation path without copying event data.
package stereo

import (
	"errors"
	"fmt"
)

// Channel identifies one of the two sensors and its batch stream.
type Channel int

const (
	Left Channel = iota
	Right
)

// Channels lists both channels in producer advance order.
var Channels = [2]Channel{Left, Right}

func (c Channel) String() string {
	switch c {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// ParseChannel parses "left" or "right".
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

var (
	// ErrSensorCount is returned when discovery does not yield exactly two sensors.
	ErrSensorCount = errors.New("unable to discover two sensors")
	// ErrNoClockMaster is returned when neither sensor is the clock
	// synchronisation master after Synchronize.
	ErrNoClockMaster = errors.New("no clock synchronisation master was detected")
)

// Resolution is a sensor's event stream resolution in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Event is a single polarity change at a pixel. Timestamps are microseconds.
type Event struct {
	Timestamp int64
	X         int16
	Y         int16
	Polarity  bool
}

// BatchKind distinguishes the batch types a sensor can produce.
type BatchKind int

const (
	KindEvents BatchKind = iota + 1
	KindFrame
	KindIMU
	KindTrigger
)

func (k BatchKind) String() string {
	switch k {
	case KindEvents:
		return "events"
	case KindFrame:
		return "frame"
	case KindIMU:
		return "imu"
	case KindTrigger:
		return "trigger"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Batch is a discrete unit of sensor output delivered atomically.
// Implemented by *EventBatch, *FrameBatch and *AuxBatch.
type Batch interface {
	Kind() BatchKind
}

// EventBatch is an ordered, read-only run of events with non-decreasing
// timestamps.
type EventBatch struct {
	events []Event
}

// NewEventBatch takes ownership of events. The caller must not modify the
// slice afterwards.
func NewEventBatch(events []Event) *EventBatch {
	return &EventBatch{events: events}
}

func (*EventBatch) Kind() BatchKind { return KindEvents }

// Len returns the number of events. A nil batch has length zero.
func (b *EventBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.events)
}

// At returns the i-th event.
func (b *EventBatch) At(i int) Event {
	return b.events[i]
}

// Events returns the backing slice. Callers must treat it as read-only.
func (b *EventBatch) Events() []Event {
	if b == nil {
		return nil
	}
	return b.events
}

// TimeRange returns the first and last timestamps, or ok=false when empty.
func (b *EventBatch) TimeRange() (first, last int64, ok bool) {
	if b.Len() == 0 {
		return 0, 0, false
	}
	return b.events[0].Timestamp, b.events[len(b.events)-1].Timestamp, true
}

// FrameBatch is an opaque image captured alongside the events.
type FrameBatch struct {
	Timestamp int64
	Width     int
	Height    int
	Pixels    []byte
}

func (*FrameBatch) Kind() BatchKind { return KindFrame }

// AuxSample is one IMU or trigger sample.
type AuxSample struct {
	Timestamp int64
	Values    []float32
}

// AuxBatch carries IMU or trigger samples through to the writer unmodified.
type AuxBatch struct {
	Type    BatchKind // KindIMU or KindTrigger
	Samples []AuxSample
}

func (b *AuxBatch) Kind() BatchKind { return b.Type }

// StereoBatch is a left/right pair removed from the visualisation queues
// together. It only lives between dequeue and slicer consumption.
type StereoBatch struct {
	Left  *EventBatch
	Right *EventBatch
}
