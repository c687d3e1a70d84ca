package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stereo-recorder/internal/config"
	"github.com/banshee-data/stereo-recorder/internal/fsutil"
	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/preview"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/metadata"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
	"github.com/banshee-data/stereo-recorder/internal/stereo/shutdown"
	"github.com/banshee-data/stereo-recorder/internal/stereo/slicer"
	"github.com/banshee-data/stereo-recorder/internal/timeutil"
)

// fakeSensor yields a scripted sequence; a nil entry means "no data ready".
// After the script it reports io.EOF, or idles forever when endless is set.
type fakeSensor struct {
	name    string
	res     stereo.Resolution
	master  bool
	script  []stereo.Batch
	endless bool
	failAt  int // index at which Next returns an error; -1 disables

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *fakeSensor) Name() string                               { return s.name }
func (s *fakeSensor) EventResolution() (stereo.Resolution, bool) { return s.res, s.res.Width > 0 }
func (s *fakeSensor) IsRunning() bool                            { return true }
func (s *fakeSensor) IsMaster() bool                             { return s.master }

func (s *fakeSensor) Next() (stereo.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt >= 0 && s.pos == s.failAt {
		return nil, errors.New("usb transfer failed")
	}
	if s.pos >= len(s.script) {
		if s.endless {
			return nil, nil
		}
		return nil, io.EOF
	}
	b := s.script[s.pos]
	s.pos++
	return b, nil
}

func (s *fakeSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSource struct {
	descs     []stereo.Descriptor
	sensors   map[string]*fakeSensor
	syncErr   error
	noMaster  bool
	openCalls int
}

func (f *fakeSource) Discover(context.Context) ([]stereo.Descriptor, error) { return f.descs, nil }

func (f *fakeSource) Open(_ context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	f.openCalls++
	s, ok := f.sensors[d.String()]
	if !ok {
		return nil, fmt.Errorf("no sensor %s", d)
	}
	return s, nil
}

func (f *fakeSource) Synchronize(_ context.Context, left, right stereo.Sensor) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	if !f.noMaster {
		left.(*fakeSensor).master = true
	}
	return nil
}

func newSource(left, right *fakeSensor) *fakeSource {
	left.name, right.name = "EVK4_L", "EVK4_R"
	return &fakeSource{
		descs: []stereo.Descriptor{{Model: "EVK4", Serial: "L"}, {Model: "EVK4", Serial: "R"}},
		sensors: map[string]*fakeSensor{
			"EVK4_L": left,
			"EVK4_R": right,
		},
	}
}

func eventBatches(n, size int, start int64) []stereo.Batch {
	out := make([]stereo.Batch, n)
	for i := range out {
		ev := make([]stereo.Event, size)
		for j := range ev {
			ev[j] = stereo.Event{Timestamp: start + int64(i*size+j), X: int16(j % 32), Y: int16(i % 32), Polarity: j%2 == 0}
		}
		out[i] = stereo.NewEventBatch(ev)
	}
	return out
}

// countingWriter records every batch written per channel.
type countingWriter struct {
	mu      sync.Mutex
	batches [2][]stereo.Batch
	failOn  int // fail the n-th write overall (1-based); 0 disables
	writes  int
	closed  bool
}

type countingChannel struct {
	w  *countingWriter
	ch stereo.Channel
}

func (w *countingWriter) Channel(ch stereo.Channel) stereo.ChannelWriter {
	return countingChannel{w: w, ch: ch}
}

func (w *countingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *countingWriter) count(ch stereo.Channel) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches[ch])
}

func (c countingChannel) write(b stereo.Batch) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.closed {
		return recorder.ErrClosed
	}
	c.w.writes++
	if c.w.failOn > 0 && c.w.writes == c.w.failOn {
		return errors.New("disk full")
	}
	c.w.batches[c.ch] = append(c.w.batches[c.ch], b)
	return nil
}

func (c countingChannel) WriteEvents(b *stereo.EventBatch) error       { return c.write(b) }
func (c countingChannel) WriteFrame(b *stereo.FrameBatch) error        { return c.write(b) }
func (c countingChannel) WriteImuPacket(b *stereo.AuxBatch) error      { return c.write(b) }
func (c countingChannel) WriteTriggerPacket(b *stereo.AuxBatch) error { return c.write(b) }

func testOptions(w *countingWriter) Options {
	return Options{
		Clock: timeutil.NewMockClock(time.Unix(1700000000, 0)),
		FS:    fsutil.NewMemoryFileSystem(),
		OpenWriter: func(string, [2]recorder.ChannelInfo) (stereo.StereoWriter, error) {
			return w, nil
		},
	}
}

func muteLogs(t *testing.T) *[]string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, v...))
		mu.Unlock()
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return &lines
}

func TestRecord_WritesEveryBatchWithoutPreview(t *testing.T) {
	muteLogs(t)
	script := eventBatches(40, 100, 0)
	script = append(script, nil, &stereo.FrameBatch{Timestamp: 9999, Width: 1, Height: 1, Pixels: []byte{7}}, nil)
	left := &fakeSensor{res: stereo.Resolution{Width: 640, Height: 480}, script: script, failAt: -1}
	right := &fakeSensor{res: stereo.Resolution{Width: 640, Height: 480}, script: eventBatches(45, 80, 0), failAt: -1}

	w := &countingWriter{}
	opts := testOptions(w)
	opts.FS.MkdirAll("/rec/raw", 0755)

	summary, err := New(newSource(left, right), opts).Record(context.Background(), "/rec/raw", false, nil)
	require.NoError(t, err)

	// The left script ends after 43 entries (41 batches, two idle), so the
	// loop stops on its EOF; the right channel has delivered one batch per
	// iteration until then.
	assert.Equal(t, 41, w.count(stereo.Left))
	assert.Equal(t, uint64(41), summary.Channels[stereo.Left].Written)
	assert.Equal(t, uint64(4000), summary.Channels[stereo.Left].Events)
	assert.Equal(t, w.count(stereo.Right), int(summary.Channels[stereo.Right].Written))
	assert.Equal(t, 43, w.count(stereo.Right))
	assert.Equal(t, shutdown.ReasonEndOfStream, summary.Reason)
	assert.Equal(t, uint64(0), summary.TotalDropped())
	assert.True(t, w.closed, "writer closed after the producer joined")
	assert.True(t, left.closed && right.closed)

	meta, err := metadata.Read(opts.FS, "/rec/raw")
	require.NoError(t, err)
	assert.Equal(t, "EVK4_L", meta.Left().Name)
	assert.Equal(t, "EVK4_R", meta.Right().Name)
}

func TestRecord_PreviewDoesNotLoseDurableData(t *testing.T) {
	lines := muteLogs(t)
	const n = 200
	left := &fakeSensor{res: stereo.Resolution{Width: 32, Height: 32}, script: eventBatches(n, 50, 0), failAt: -1}
	right := &fakeSensor{res: stereo.Resolution{Width: 32, Height: 32}, script: eventBatches(n, 50, 0), failAt: -1}

	w := &countingWriter{}
	opts := testOptions(w)
	opts.Clock = timeutil.RealClock{}
	opts.FS.MkdirAll("/rec", 0755)
	opts.SliceThreshold = 1000
	surface := &preview.NullSurface{}
	opts.Surface = surface

	summary, err := New(newSource(left, right), opts).Record(context.Background(), "/rec", true, shutdown.New())
	require.NoError(t, err)

	assert.Equal(t, n, w.count(stereo.Left))
	assert.Equal(t, n, w.count(stereo.Right))
	assert.Equal(t, uint64(n), summary.Channels[stereo.Left].Written)

	// Whatever the preview kept or dropped, it never saw more than was written.
	assert.LessOrEqual(t, summary.Windows*1000, uint64(2*n*50))
	assert.Equal(t, summary.Windows, surface.Shown())

	require.NotEmpty(t, *lines)
	last := (*lines)[len(*lines)-1]
	assert.Equal(t, fmt.Sprintf("Visualization frames dropped: %d", summary.TotalDropped()), last)
}

// Scripted surface that presses 'q' after the first poll.
type keySurface struct {
	mu    sync.Mutex
	polls int
	key   int
}

func (s *keySurface) Show(preview.Frame) {}
func (s *keySurface) PollKey() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.polls == 2 {
		return s.key, true
	}
	return 0, false
}

func TestRecord_ExitKeyStopsEndlessCapture(t *testing.T) {
	for _, key := range []int{preview.KeyEsc, preview.KeyQ} {
		t.Run(fmt.Sprintf("key=%d", key), func(t *testing.T) {
			muteLogs(t)
			left := &fakeSensor{script: eventBatches(5, 10, 0), endless: true, failAt: -1}
			right := &fakeSensor{script: eventBatches(5, 10, 0), endless: true, failAt: -1}

			w := &countingWriter{}
			opts := testOptions(w)
			opts.Clock = timeutil.RealClock{}
			opts.IdleSleep = time.Millisecond
			opts.WaitTimeout = 5 * time.Millisecond
			opts.Surface = &keySurface{key: key}
			opts.FS.MkdirAll("/rec", 0755)

			done := make(chan Summary, 1)
			go func() {
				s, err := New(newSource(left, right), opts).Record(context.Background(), "/rec", true, nil)
				assert.NoError(t, err)
				done <- s
			}()

			select {
			case s := <-done:
				assert.Equal(t, shutdown.ReasonUserExit, s.Reason)
				assert.Equal(t, int(s.Channels[stereo.Left].Written), w.count(stereo.Left))
				assert.LessOrEqual(t, w.count(stereo.Left), 5)
			case <-time.After(5 * time.Second):
				t.Fatal("exit key did not stop the capture")
			}
		})
	}
}

func TestRecord_SignalStopsHeadlessCapture(t *testing.T) {
	muteLogs(t)
	left := &fakeSensor{endless: true, failAt: -1}
	right := &fakeSensor{endless: true, failAt: -1}

	w := &countingWriter{}
	opts := testOptions(w)
	opts.FS.MkdirAll("/rec", 0755)
	flag := shutdown.New()

	done := make(chan Summary, 1)
	go func() {
		s, _ := New(newSource(left, right), opts).Record(context.Background(), "/rec", false, flag)
		done <- s
	}()

	time.Sleep(20 * time.Millisecond)
	flag.Request(shutdown.ReasonSignal)

	select {
	case s := <-done:
		assert.Equal(t, shutdown.ReasonSignal, s.Reason)
		assert.Equal(t, shutdown.Stopped, flag.State())
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop")
	}
	assert.Greater(t, opts.Clock.(*timeutil.MockClock).Sleeps(), 0, "idle producer sleeps")
}

func TestRecord_ContextCancel(t *testing.T) {
	muteLogs(t)
	left := &fakeSensor{endless: true, failAt: -1}
	right := &fakeSensor{endless: true, failAt: -1}
	w := &countingWriter{}
	opts := testOptions(w)
	opts.Clock = timeutil.RealClock{}
	opts.FS.MkdirAll("/rec", 0755)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := New(newSource(left, right), opts).Record(ctx, "/rec", true, nil)
	require.NoError(t, err)
	assert.Equal(t, shutdown.ReasonContext, s.Reason)
}

func TestRecord_WriteFailure(t *testing.T) {
	muteLogs(t)
	left := &fakeSensor{script: eventBatches(10, 5, 0), failAt: -1}
	right := &fakeSensor{script: eventBatches(10, 5, 0), failAt: -1}

	w := &countingWriter{failOn: 5}
	opts := testOptions(w)
	opts.FS.MkdirAll("/rec", 0755)

	flag := shutdown.New()
	s, err := New(newSource(left, right), opts).Record(context.Background(), "/rec", false, flag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, shutdown.ReasonWriteFailure, s.Reason)
	assert.Equal(t, shutdown.ReasonWriteFailure, flag.Reason())
	// Writes 1-4 succeeded: two iterations of left+right.
	assert.Equal(t, uint64(2), s.Channels[stereo.Left].Written)
	assert.Equal(t, uint64(2), s.Channels[stereo.Right].Written)
}

func TestRecord_AdvanceErrorEndsCleanly(t *testing.T) {
	muteLogs(t)
	left := &fakeSensor{script: eventBatches(10, 5, 0), failAt: -1}
	right := &fakeSensor{script: eventBatches(10, 5, 0), failAt: 3}

	w := &countingWriter{}
	opts := testOptions(w)
	opts.FS.MkdirAll("/rec", 0755)

	s, err := New(newSource(left, right), opts).Record(context.Background(), "/rec", false, nil)
	require.NoError(t, err)
	assert.Equal(t, shutdown.ReasonEndOfStream, s.Reason)
	assert.Equal(t, 4, w.count(stereo.Left))
	assert.Equal(t, 3, w.count(stereo.Right))
}

func TestRecord_Preconditions(t *testing.T) {
	muteLogs(t)

	t.Run("one sensor", func(t *testing.T) {
		src := newSource(&fakeSensor{failAt: -1}, &fakeSensor{failAt: -1})
		src.descs = src.descs[:1]
		_, err := New(src, testOptions(&countingWriter{})).Record(context.Background(), "/rec", false, nil)
		assert.ErrorIs(t, err, stereo.ErrSensorCount)
		assert.Equal(t, 0, src.openCalls)
	})

	t.Run("three sensors", func(t *testing.T) {
		src := newSource(&fakeSensor{failAt: -1}, &fakeSensor{failAt: -1})
		src.descs = append(src.descs, stereo.Descriptor{Model: "EVK4", Serial: "X"})
		_, err := New(src, testOptions(&countingWriter{})).Record(context.Background(), "/rec", false, nil)
		assert.ErrorIs(t, err, stereo.ErrSensorCount)
	})

	t.Run("no clock master", func(t *testing.T) {
		left, right := &fakeSensor{failAt: -1}, &fakeSensor{failAt: -1}
		src := newSource(left, right)
		src.noMaster = true
		w := &countingWriter{}
		_, err := New(src, testOptions(w)).Record(context.Background(), "/rec", false, nil)
		assert.ErrorIs(t, err, stereo.ErrNoClockMaster)
		assert.True(t, left.closed && right.closed, "sensors released")
		assert.Equal(t, 0, w.writes)
	})

	t.Run("synchronize fails", func(t *testing.T) {
		src := newSource(&fakeSensor{failAt: -1}, &fakeSensor{failAt: -1})
		src.syncErr = errors.New("timeout")
		_, err := New(src, testOptions(&countingWriter{})).Record(context.Background(), "/rec", false, nil)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "synchronize"))
	})

	t.Run("metadata directory missing", func(t *testing.T) {
		src := newSource(&fakeSensor{failAt: -1}, &fakeSensor{failAt: -1})
		w := &countingWriter{}
		_, err := New(src, testOptions(w)).Record(context.Background(), "/missing", false, nil)
		require.Error(t, err)
		assert.Equal(t, 0, w.writes)
	})
}

func TestRecord_RealLog(t *testing.T) {
	muteLogs(t)
	dir := t.TempDir()
	left := &fakeSensor{res: stereo.Resolution{Width: 64, Height: 48}, script: eventBatches(30, 20, 0), failAt: -1}
	right := &fakeSensor{res: stereo.Resolution{Width: 64, Height: 48}, script: eventBatches(30, 20, 0), failAt: -1}

	opts := Options{Clock: timeutil.NewMockClock(time.Unix(0, 0))}
	s, err := New(newSource(left, right), opts).Record(context.Background(), dir, false, nil)
	require.NoError(t, err)

	r, err := recorder.Open(filepath.Join(dir, recorder.DirName))
	require.NoError(t, err)
	assert.Equal(t, int(s.Channels[stereo.Left].Written), r.Records(stereo.Left))
	assert.Equal(t, int(s.Channels[stereo.Right].Written), r.Records(stereo.Right))
	assert.Equal(t, "EVK4_L", r.Header().Channels[stereo.Left].Camera)
	assert.Equal(t, 64, r.Header().Channels[stereo.Left].Width)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.EmptyCaptureConfig()
	cfg.SetSliceMode("left")
	cfg.SetSliceThreshold(500)
	cfg.SetFlushTrailingWindow(true)

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, slicer.LeftOnly, opts.SliceMode)
	assert.Equal(t, 500, opts.SliceThreshold)
	assert.True(t, opts.FlushTrailingWindow)
	assert.Equal(t, config.DefaultQueueCapacity, opts.QueueCapacity)
	assert.Equal(t, config.DefaultWaitTimeout, opts.WaitTimeout)

	cfg.SetSliceMode("diagonal")
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
