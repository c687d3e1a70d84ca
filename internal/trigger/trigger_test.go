package trigger

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		want    stereo.AuxSample
		wantErr bool
	}{
		{line: "T,1000", want: stereo.AuxSample{Timestamp: 1000}},
		{line: "T,2500,1.5\r\n", want: stereo.AuxSample{Timestamp: 2500, Values: []float32{1.5}}},
		{line: "T, 42 , 3", want: stereo.AuxSample{Timestamp: 42, Values: []float32{3}}},
		{line: "", wantErr: true},
		{line: "X,1000", wantErr: true},
		{line: "T", wantErr: true},
		{line: "T,abc", wantErr: true},
		{line: "T,1,x", wantErr: true},
		{line: "T,1,2,3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseLine mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMonitor_Run(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	port := io.NopCloser(strings.NewReader("T,10\nboot ok\nT,20,1\nT,bad\nT,30\n"))
	mon := NewMonitor(port)
	require.NoError(t, mon.Run(context.Background()))

	got := mon.Take()
	want := []stereo.AuxSample{
		{Timestamp: 10},
		{Timestamp: 20, Values: []float32{1}},
		{Timestamp: 30},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, mon.Take(), "Take drains pending samples")

	received, rejected, dropped := mon.Stats()
	assert.Equal(t, 3, received)
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 0, dropped)
}

func TestMonitor_CancelClosesPort(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	mon := NewMonitor(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	_, err := io.WriteString(w, "T,5\n")
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
	assert.Len(t, mon.Take(), 1)
}

type stubSensor struct {
	name    string
	batches []stereo.Batch
	master  bool
}

func (s *stubSensor) Name() string                               { return s.name }
func (s *stubSensor) EventResolution() (stereo.Resolution, bool) { return stereo.Resolution{}, false }
func (s *stubSensor) IsRunning() bool                            { return len(s.batches) > 0 }
func (s *stubSensor) IsMaster() bool                             { return s.master }
func (s *stubSensor) Close() error                               { return nil }
func (s *stubSensor) Next() (stereo.Batch, error) {
	if len(s.batches) == 0 {
		return nil, io.EOF
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func TestSensor_TriggersFirst(t *testing.T) {
	mon := NewMonitor(io.NopCloser(strings.NewReader("T,1\nT,2\n")))
	require.NoError(t, mon.Run(context.Background()))

	events := stereo.NewEventBatch([]stereo.Event{{Timestamp: 3}})
	s := Wrap(&stubSensor{name: "cam", batches: []stereo.Batch{events}}, mon)
	assert.Equal(t, "cam", s.Name())

	b, err := s.Next()
	require.NoError(t, err)
	aux, ok := b.(*stereo.AuxBatch)
	require.True(t, ok)
	assert.Equal(t, stereo.KindTrigger, aux.Kind())
	assert.Len(t, aux.Samples, 2)

	b, err = s.Next()
	require.NoError(t, err)
	assert.Same(t, events, b)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

type stubSource struct {
	synced [2]stereo.Sensor
}

func (s *stubSource) Discover(context.Context) ([]stereo.Descriptor, error) {
	return []stereo.Descriptor{{Model: "S", Serial: "1"}, {Model: "S", Serial: "2"}}, nil
}

func (s *stubSource) Open(_ context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	return &stubSensor{name: d.String()}, nil
}

func (s *stubSource) Synchronize(_ context.Context, left, right stereo.Sensor) error {
	s.synced = [2]stereo.Sensor{left, right}
	left.(*stubSensor).master = true
	return nil
}

func TestSource_WrapsChosenChannel(t *testing.T) {
	inner := &stubSource{}
	src := WrapSource(inner, stereo.Right, NewMonitor(io.NopCloser(strings.NewReader(""))))
	ctx := context.Background()

	descs, err := src.Discover(ctx)
	require.NoError(t, err)
	left, err := src.Open(ctx, descs[0])
	require.NoError(t, err)
	right, err := src.Open(ctx, descs[1])
	require.NoError(t, err)

	_, leftWrapped := left.(*Sensor)
	_, rightWrapped := right.(*Sensor)
	assert.False(t, leftWrapped)
	assert.True(t, rightWrapped)

	require.NoError(t, src.Synchronize(ctx, left, right))
	_, ok := inner.synced[1].(*stubSensor)
	assert.True(t, ok, "inner source sees the unwrapped sensor")
	assert.True(t, left.IsMaster())
}
