package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// SyntheticModel is the camera model reported for generated sensors.
const SyntheticModel = "Synthetic"

// SyntheticSource generates deterministic event streams: a bright bar
// sweeping across the sensor with background noise, the right channel
// offset by a fixed disparity. Every channel ends with io.EOF after
// Batches event batches.
type SyntheticSource struct {
	Resolution     stereo.Resolution
	Batches        int
	EventsPerBatch int
	// BatchPeriodUs is the time span of one batch in microseconds.
	BatchPeriodUs int64
	// FrameEvery emits a frame after every n event batches; 0 disables.
	FrameEvery int
	// IMUEvery emits an IMU batch after every n event batches; 0 disables.
	IMUEvery int
	// IdleEvery makes Next report "no data" on every n-th call; 0 disables.
	IdleEvery int
	Disparity int
	Seed      uint64
}

// NewSyntheticSource returns a source with workable defaults.
func NewSyntheticSource(batches int) *SyntheticSource {
	return &SyntheticSource{
		Resolution:     stereo.Resolution{Width: 640, Height: 480},
		Batches:        batches,
		EventsPerBatch: 2000,
		BatchPeriodUs:  1000,
		FrameEvery:     33,
		IMUEvery:       1,
		Disparity:      12,
		Seed:           1,
	}
}

func (s *SyntheticSource) Discover(context.Context) ([]stereo.Descriptor, error) {
	return []stereo.Descriptor{
		{Model: SyntheticModel, Serial: "L0001"},
		{Model: SyntheticModel, Serial: "R0002"},
	}, nil
}

func (s *SyntheticSource) Open(_ context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	var offset int
	switch d.Serial {
	case "L0001":
	case "R0002":
		offset = s.Disparity
	default:
		return nil, fmt.Errorf("unknown synthetic sensor %s", d)
	}
	return &syntheticSensor{
		src:    s,
		name:   d.String(),
		offset: offset,
		rng:    rand.New(rand.NewPCG(s.Seed, uint64(offset)+1)),
	}, nil
}

func (s *SyntheticSource) Synchronize(_ context.Context, left, right stereo.Sensor) error {
	l, ok := left.(*syntheticSensor)
	if !ok {
		return fmt.Errorf("left sensor is %T, not synthetic", left)
	}
	l.mu.Lock()
	l.master = true
	l.mu.Unlock()
	return nil
}

type syntheticSensor struct {
	src    *SyntheticSource
	name   string
	offset int
	rng    *rand.Rand

	mu      sync.Mutex
	master  bool
	calls   int
	emitted int
	pending []stereo.Batch
	closed  bool
}

func (s *syntheticSensor) Name() string { return s.name }

func (s *syntheticSensor) EventResolution() (stereo.Resolution, bool) {
	return s.src.Resolution, true
}

func (s *syntheticSensor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *syntheticSensor) IsMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *syntheticSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *syntheticSensor) Next() (stereo.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.src.IdleEvery > 0 && s.calls%s.src.IdleEvery == 0 {
		return nil, nil
	}
	if len(s.pending) > 0 {
		b := s.pending[0]
		s.pending = s.pending[1:]
		return b, nil
	}
	if s.emitted >= s.src.Batches {
		return nil, io.EOF
	}

	i := s.emitted
	s.emitted++
	batch := s.events(i)
	end := int64(i+1) * s.src.BatchPeriodUs

	if s.src.IMUEvery > 0 && s.emitted%s.src.IMUEvery == 0 {
		s.pending = append(s.pending, &stereo.AuxBatch{Type: stereo.KindIMU, Samples: []stereo.AuxSample{{
			Timestamp: end,
			Values:    []float32{0, 0, -9.81, 0, 0, 0},
		}}})
	}
	if s.src.FrameEvery > 0 && s.emitted%s.src.FrameEvery == 0 {
		s.pending = append(s.pending, s.frame(end))
	}
	return batch, nil
}

// events builds batch i: the bar's column advances one pixel per batch.
func (s *syntheticSensor) events(i int) *stereo.EventBatch {
	res := s.src.Resolution
	n := s.src.EventsPerBatch
	events := make([]stereo.Event, n)
	start := int64(i) * s.src.BatchPeriodUs
	col := (i + s.offset) % res.Width

	for j := range events {
		ts := start + int64(j)*s.src.BatchPeriodUs/int64(max(n, 1))
		var x, y int
		if j%4 == 0 {
			x, y = s.rng.IntN(res.Width), s.rng.IntN(res.Height)
		} else {
			x = col + int(math.Round(s.rng.NormFloat64()))
			y = s.rng.IntN(res.Height)
		}
		x = min(max(x, 0), res.Width-1)
		events[j] = stereo.Event{Timestamp: ts, X: int16(x), Y: int16(y), Polarity: j%2 == 0}
	}
	return stereo.NewEventBatch(events)
}

func (s *syntheticSensor) frame(ts int64) *stereo.FrameBatch {
	res := s.src.Resolution
	return &stereo.FrameBatch{
		Timestamp: ts,
		Width:     res.Width,
		Height:    res.Height,
		Pixels:    make([]byte, res.Width*res.Height),
	}
}
