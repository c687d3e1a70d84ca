package source

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
)

func TestDatagram_Decode(t *testing.T) {
	payload := []byte{
		0x10, 0x27, 0, 0, 0, 0, 0, 0, // ts 10000
		0x80, 0x02, // x 640
		0xe0, 0x01, // y 480
		1,
		0x11, 0x27, 0, 0, 0, 0, 0, 0,
		0x05, 0x00,
		0x06, 0x00,
		0,
	}
	got, err := DecodeDatagram(payload)
	require.NoError(t, err)
	want := []stereo.Event{
		{Timestamp: 10000, X: 640, Y: 480, Polarity: true},
		{Timestamp: 10001, X: 5, Y: 6, Polarity: false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decode mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, payload, EncodeDatagram(nil, want))

	_, err = DecodeDatagram(payload[:20])
	assert.Error(t, err)

	empty, err := DecodeDatagram(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// mockSocket returns queued datagrams, then read timeouts until closed.
type mockSocket struct {
	mu       sync.Mutex
	packets  [][]byte
	closed   bool
	deadline time.Time
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (m *mockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutErr{}}
	}
	p := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, p), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}, nil
}

func (m *mockSocket) SetReadBuffer(int) error { return nil }
func (m *mockSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}
func (m *mockSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
func (m *mockSocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
func (m *mockSocket) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }

func waitBatch(t *testing.T, s stereo.Sensor) (stereo.Batch, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := s.Next()
		if b != nil || err != nil {
			return b, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no batch before deadline")
	return nil, nil
}

func TestUDPSource_ReceivesAndEndsOnCancel(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	sockets := map[int]*mockSocket{
		7001: {packets: [][]byte{
			EncodeDatagram(nil, []stereo.Event{{Timestamp: 1, X: 2, Y: 3, Polarity: true}}),
			{1, 2, 3}, // malformed, skipped
			EncodeDatagram(nil, []stereo.Event{{Timestamp: 4}, {Timestamp: 5}}),
		}},
		7002: {},
	}
	src := NewUDPSource("127.0.0.1:7001", "127.0.0.1:7002", stereo.Resolution{Width: 320, Height: 240})
	src.ReadTimeout = 5 * time.Millisecond
	src.Listen = func(_ string, laddr *net.UDPAddr) (UDPSocket, error) {
		return sockets[laddr.Port], nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	descs, err := src.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "UDP_127.0.0.1:7001", descs[0].String())

	left, err := src.Open(ctx, descs[0])
	require.NoError(t, err)
	right, err := src.Open(ctx, descs[1])
	require.NoError(t, err)
	require.NoError(t, src.Synchronize(ctx, left, right))
	assert.True(t, left.IsMaster())
	assert.False(t, right.IsMaster())

	res, ok := left.EventResolution()
	assert.True(t, ok)
	assert.Equal(t, 320, res.Width)

	b, err := waitBatch(t, left)
	require.NoError(t, err)
	assert.Equal(t, 1, b.(*stereo.EventBatch).Len())
	b, err = waitBatch(t, left)
	require.NoError(t, err)
	assert.Equal(t, 2, b.(*stereo.EventBatch).Len())

	b, err = right.Next()
	assert.Nil(t, b)
	assert.NoError(t, err, "no data yet is not an error")

	cancel()
	_, err = waitBatch(t, right)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, right.IsRunning())

	require.NoError(t, left.Close())
	require.NoError(t, right.Close())
	assert.True(t, sockets[7001].isClosed())

	// Both receivers have exited, so nothing logs after Close.
	var late atomic.Int32
	monitoring.SetLogger(func(string, ...interface{}) { late.Add(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, late.Load())
}

func TestStreamSensor_CloseWaitsForFeeder(t *testing.T) {
	s := newStreamSensor("feed", stereo.Resolution{}, false)
	var exited atomic.Bool
	s.start(func() {
		defer s.finish()
		for i := 0; ; i++ {
			if !s.send(stereo.NewEventBatch([]stereo.Event{{Timestamp: int64(i)}})) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
	})

	require.NoError(t, s.Close())
	assert.True(t, exited.Load(), "Close returned before the feeder exited")
	require.NoError(t, s.Close(), "second Close is a no-op")
}

func TestUDPSource_ListenError(t *testing.T) {
	src := NewUDPSource("127.0.0.1:7001", "127.0.0.1:7002", stereo.Resolution{})
	src.Listen = func(string, *net.UDPAddr) (UDPSocket, error) { return nil, errors.New("address in use") }
	_, err := src.Open(context.Background(), stereo.Descriptor{Model: UDPModel, Serial: "127.0.0.1:7001"})
	assert.Error(t, err)

	_, err = src.Open(context.Background(), stereo.Descriptor{Model: UDPModel, Serial: "not an address"})
	assert.Error(t, err)
}

func TestUDPSource_Loopback(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	// Reserve two free ports.
	var addrs [2]string
	for i := range addrs {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		addrs[i] = c.LocalAddr().String()
		c.Close()
	}

	src := NewUDPSource(addrs[0], addrs[1], stereo.Resolution{})
	src.ReadTimeout = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sensor, err := src.Open(ctx, stereo.Descriptor{Model: UDPModel, Serial: addrs[0]})
	require.NoError(t, err)
	defer sensor.Close()

	conn, err := net.Dial("udp", addrs[0])
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(EncodeDatagram(nil, []stereo.Event{{Timestamp: 42, X: 1, Y: 1, Polarity: true}}))
	require.NoError(t, err)

	b, err := waitBatch(t, sensor)
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.(*stereo.EventBatch).At(0).Timestamp)
}

func drain(t *testing.T, s stereo.Sensor) []stereo.Batch {
	t.Helper()
	var out []stereo.Batch
	for i := 0; i < 100000; i++ {
		b, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		if b != nil {
			out = append(out, b)
		}
	}
	t.Fatal("sensor never reached EOF")
	return nil
}

func openSynthetic(t *testing.T, src *SyntheticSource) (stereo.Sensor, stereo.Sensor) {
	t.Helper()
	ctx := context.Background()
	descs, err := src.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	left, err := src.Open(ctx, descs[0])
	require.NoError(t, err)
	right, err := src.Open(ctx, descs[1])
	require.NoError(t, err)
	require.NoError(t, src.Synchronize(ctx, left, right))
	return left, right
}

func TestSyntheticSource(t *testing.T) {
	src := NewSyntheticSource(66)
	src.EventsPerBatch = 100
	src.IdleEvery = 7

	left, right := openSynthetic(t, src)
	assert.True(t, left.IsMaster())
	assert.False(t, right.IsMaster())
	assert.Equal(t, "Synthetic_L0001", left.Name())

	batches := drain(t, left)
	var events, frames, imu int
	var lastTs int64 = -1
	for _, b := range batches {
		switch v := b.(type) {
		case *stereo.EventBatch:
			events++
			first, last, ok := v.TimeRange()
			require.True(t, ok)
			assert.GreaterOrEqual(t, first, lastTs, "timestamps non-decreasing across batches")
			lastTs = last
			for _, e := range v.Events() {
				assert.True(t, e.X >= 0 && int(e.X) < src.Resolution.Width)
				assert.True(t, e.Y >= 0 && int(e.Y) < src.Resolution.Height)
			}
		case *stereo.FrameBatch:
			frames++
		case *stereo.AuxBatch:
			assert.Equal(t, stereo.KindIMU, v.Type)
			imu++
		}
	}
	assert.Equal(t, 66, events)
	assert.Equal(t, 2, frames)
	assert.Equal(t, 66, imu)
}

func TestSyntheticSource_Deterministic(t *testing.T) {
	gen := func() []stereo.Batch {
		src := NewSyntheticSource(5)
		src.EventsPerBatch = 50
		src.FrameEvery, src.IMUEvery = 0, 0
		left, _ := openSynthetic(t, src)
		return drain(t, left)
	}
	a, b := gen(), gen()
	if diff := cmp.Diff(a, b, cmp.AllowUnexported(stereo.EventBatch{})); diff != "" {
		t.Errorf("same seed produced different streams (-a +b):\n%s", diff)
	}
}

func TestReplaySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), recorder.DirName)
	w, err := recorder.Create(path, [2]recorder.ChannelInfo{
		{Camera: "DVX_1", Resolution: stereo.Resolution{Width: 640, Height: 480}},
		{Camera: "DVX_2", Resolution: stereo.Resolution{Width: 640, Height: 480}},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Channel(stereo.Left).WriteEvents(stereo.NewEventBatch([]stereo.Event{{Timestamp: int64(i)}})))
	}
	require.NoError(t, w.Channel(stereo.Right).WriteEvents(stereo.NewEventBatch([]stereo.Event{{Timestamp: 9}})))
	require.NoError(t, w.Close())

	src, err := NewReplaySource(path)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	descs, err := src.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	left, err := src.Open(ctx, descs[0])
	require.NoError(t, err)
	right, err := src.Open(ctx, descs[1])
	require.NoError(t, err)
	_, err = src.Open(ctx, descs[0])
	assert.Error(t, err, "channel opened twice")
	require.NoError(t, src.Synchronize(ctx, left, right))

	assert.True(t, left.IsMaster())
	assert.Equal(t, "DVX_1", left.Name())
	assert.Equal(t, "DVX_2", right.Name())
	res, ok := right.EventResolution()
	assert.True(t, ok)
	assert.Equal(t, 480, res.Height)

	assert.Len(t, drain(t, left), 3)
	assert.Len(t, drain(t, right), 1)
	assert.False(t, left.IsRunning())
}
