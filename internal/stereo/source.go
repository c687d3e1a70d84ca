package stereo

import (
	"context"
	"fmt"
)

// Descriptor identifies a discovered sensor before it is opened.
type Descriptor struct {
	Model  string
	Serial string
}

// String returns the "<model>_<serial>" camera name.
func (d Descriptor) String() string {
	return d.Model + "_" + d.Serial
}

// Source discovers, opens and clock-synchronises sensors. Handshake and
// synchronisation details belong to the implementation.
type Source interface {
	Discover(ctx context.Context) ([]Descriptor, error)
	Open(ctx context.Context, d Descriptor) (Sensor, error)
	// Synchronize negotiates a shared clock between two opened sensors.
	// Afterwards exactly one of them should report IsMaster.
	Synchronize(ctx context.Context, left, right Sensor) error
}

// Sensor is one opened device. All methods except Close are called only
// from the producer goroutine.
type Sensor interface {
	// Name returns the camera name recorded in the metadata sidecar.
	Name() string
	EventResolution() (Resolution, bool)
	IsRunning() bool
	IsMaster() bool
	// Next advances the sensor by one batch of any kind. It returns
	// (nil, nil) when nothing is ready yet and io.EOF at end of stream.
	Next() (Batch, error)
	Close() error
}

// ChannelWriter appends batches for one channel to the durable log.
type ChannelWriter interface {
	WriteEvents(b *EventBatch) error
	WriteFrame(b *FrameBatch) error
	WriteImuPacket(b *AuxBatch) error
	WriteTriggerPacket(b *AuxBatch) error
}

// StereoWriter is the durable writer: one ChannelWriter per channel.
type StereoWriter interface {
	Channel(ch Channel) ChannelWriter
	Close() error
}

// WriteBatch dispatches b to the matching ChannelWriter method.
func WriteBatch(w ChannelWriter, b Batch) error {
	switch v := b.(type) {
	case *EventBatch:
		return w.WriteEvents(v)
	case *FrameBatch:
		return w.WriteFrame(v)
	case *AuxBatch:
		if v.Type == KindTrigger {
			return w.WriteTriggerPacket(v)
		}
		return w.WriteImuPacket(v)
	}
	return fmt.Errorf("unsupported batch type %T", b)
}
