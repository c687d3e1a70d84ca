package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
)

// ReplaySource exposes a recorded log as a dual-sensor source, so a
// recording can be re-run through the capture pipeline.
type ReplaySource struct {
	r    *recorder.Replayer
	mu   sync.Mutex
	open [2]bool
}

// NewReplaySource opens the log directory at path.
func NewReplaySource(path string) (*ReplaySource, error) {
	r, err := recorder.Open(path)
	if err != nil {
		return nil, err
	}
	return &ReplaySource{r: r}, nil
}

// Discover reports the cameras named in the log header.
func (s *ReplaySource) Discover(context.Context) ([]stereo.Descriptor, error) {
	hdr := s.r.Header()
	out := make([]stereo.Descriptor, 0, 2)
	for _, ch := range stereo.Channels {
		out = append(out, stereo.Descriptor{Model: "Replay", Serial: hdr.Channels[ch].Channel})
	}
	return out, nil
}

// Open returns the sensor for the "left" or "right" descriptor.
func (s *ReplaySource) Open(_ context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	ch, err := stereo.ParseChannel(d.Serial)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[ch] {
		return nil, fmt.Errorf("%s channel already open", ch)
	}
	s.open[ch] = true
	return &replaySensor{src: s, ch: ch, hdr: s.r.Header().Channels[ch]}, nil
}

// Synchronize marks the left channel as master; a recording already shares
// one clock.
func (s *ReplaySource) Synchronize(_ context.Context, left, right stereo.Sensor) error {
	if l, ok := left.(*replaySensor); ok {
		l.master = true
	}
	return nil
}

// Close releases the replayer.
func (s *ReplaySource) Close() error {
	return s.r.Close()
}

type replaySensor struct {
	src    *ReplaySource
	ch     stereo.Channel
	hdr    recorder.ChannelHeader
	master bool
	done   bool
}

// Name returns the camera recorded for the channel, so a replayed run
// writes the same metadata as the original.
func (s *replaySensor) Name() string { return s.hdr.Camera }

func (s *replaySensor) EventResolution() (stereo.Resolution, bool) {
	res := stereo.Resolution{Width: s.hdr.Width, Height: s.hdr.Height}
	return res, res.Width > 0 && res.Height > 0
}

func (s *replaySensor) IsRunning() bool { return !s.done }
func (s *replaySensor) IsMaster() bool  { return s.master }

func (s *replaySensor) Next() (stereo.Batch, error) {
	b, err := s.src.r.NextBatch(s.ch)
	if err != nil {
		s.done = true
		return nil, err
	}
	return b, nil
}

func (s *replaySensor) Close() error {
	s.done = true
	return nil
}
