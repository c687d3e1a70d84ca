package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// UDPSocket is the subset of *net.UDPConn the UDP source uses, so tests can
// feed datagrams without a network.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// ListenFunc opens a UDPSocket.
type ListenFunc func(network string, laddr *net.UDPAddr) (UDPSocket, error)

// ListenUDP is the default ListenFunc.
func ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UDPModel is the camera model reported for UDP streams.
const UDPModel = "UDP"

// UDPSource receives one event stream per channel, each on its own UDP
// address. A stream ends when the context passed to Open is cancelled or
// the sensor is closed.
type UDPSource struct {
	Addrs      [2]string
	Resolution stereo.Resolution
	RcvBuf     int
	// ReadTimeout bounds each socket read so cancellation is noticed.
	ReadTimeout time.Duration
	Listen      ListenFunc

	logf func(format string, v ...interface{})
}

// NewUDPSource creates a source listening on left and right.
func NewUDPSource(left, right string, res stereo.Resolution) *UDPSource {
	return &UDPSource{
		Addrs:       [2]string{left, right},
		Resolution:  res,
		RcvBuf:      4 << 20,
		ReadTimeout: 100 * time.Millisecond,
		Listen:      ListenUDP,
		logf:        monitoring.Component("UDP"),
	}
}

// Discover reports one descriptor per configured address.
func (s *UDPSource) Discover(context.Context) ([]stereo.Descriptor, error) {
	var out []stereo.Descriptor
	for _, a := range s.Addrs {
		if a != "" {
			out = append(out, stereo.Descriptor{Model: UDPModel, Serial: a})
		}
	}
	return out, nil
}

// Open starts listening on the descriptor's address.
func (s *UDPSource) Open(ctx context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	addr, err := net.ResolveUDPAddr("udp", d.Serial)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := s.Listen("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if s.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.RcvBuf); err != nil {
			s.logf("Warning: failed to set UDP receive buffer size to %d: %v", s.RcvBuf, err)
		}
	}

	sensor := newStreamSensor(d.String(), s.Resolution, s.Resolution.Width > 0)
	sensor.closeFn = conn.Close
	s.logf("listening on %s", conn.LocalAddr())

	sensor.start(func() { s.receive(ctx, conn, sensor) })
	return sensor, nil
}

// Synchronize marks the left stream as master; both streams are stamped by
// their senders against a shared clock.
func (s *UDPSource) Synchronize(_ context.Context, left, right stereo.Sensor) error {
	clockSync(left, right)
	return nil
}

func (s *UDPSource) receive(ctx context.Context, conn UDPSocket, sensor *streamSensor) {
	defer sensor.finish()

	buf := make([]byte, 65536)
	var packets, bad uint64
	for {
		select {
		case <-ctx.Done():
			s.logf("%s stopping due to context cancellation (%d datagrams, %d rejected)", sensor.name, packets, bad)
			return
		case <-sensor.done:
			return
		default:
		}

		if s.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("%s read error: %v", sensor.name, err)
			return
		}
		packets++

		events, err := DecodeDatagram(buf[:n])
		if err != nil {
			bad++
			continue
		}
		if len(events) == 0 {
			continue
		}
		if !sensor.send(stereo.NewEventBatch(events)) {
			return
		}
	}
}
