// Package trigger reads external trigger pulses from a serial trigger box
// and injects them into a sensor's batch stream as trigger samples.
//
// The box emits one line per pulse:
//
//	T,<timestamp_us>[,<value>]
package trigger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// DefaultBaudRate is the trigger box line rate.
const DefaultBaudRate = 115200

// maxPending bounds the samples buffered between two Next calls.
const maxPending = 4096

var errNotTrigger = errors.New("not a trigger line")

// Port is the part of a serial port the monitor needs.
type Port interface {
	io.Reader
	io.Closer
}

// OpenSerial opens the trigger box at path using 8N1 framing.
func OpenSerial(path string, baud int) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open trigger port %s: %w", path, err)
	}
	return port, nil
}

// ParseLine parses a single trigger line. Lines that are not trigger
// records return an error wrapping errNotTrigger.
func ParseLine(line string) (stereo.AuxSample, error) {
	line = strings.TrimSpace(line)
	fields := strings.Split(line, ",")
	if len(fields) < 2 || len(fields) > 3 || fields[0] != "T" {
		return stereo.AuxSample{}, fmt.Errorf("%w: %q", errNotTrigger, line)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return stereo.AuxSample{}, fmt.Errorf("invalid trigger timestamp %q: %w", fields[1], err)
	}
	sample := stereo.AuxSample{Timestamp: ts}
	if len(fields) == 3 {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 32)
		if err != nil {
			return stereo.AuxSample{}, fmt.Errorf("invalid trigger value %q: %w", fields[2], err)
		}
		sample.Values = []float32{float32(v)}
	}
	return sample, nil
}

// Monitor collects trigger samples from a port.
type Monitor struct {
	port Port
	logf func(format string, v ...interface{})

	mu       sync.Mutex
	pending  []stereo.AuxSample
	received int
	rejected int
	dropped  int
}

// NewMonitor wraps port. Call Run to start reading.
func NewMonitor(port Port) *Monitor {
	return &Monitor{port: port, logf: monitoring.Component("Trigger")}
}

// Run reads lines until the port is exhausted or ctx is cancelled. The port
// is closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { m.port.Close() })
	defer stop()
	defer m.port.Close()

	scan := bufio.NewScanner(m.port)
	for scan.Scan() {
		sample, err := ParseLine(scan.Text())
		m.mu.Lock()
		switch {
		case err != nil:
			m.rejected++
		case len(m.pending) >= maxPending:
			m.dropped++
		default:
			m.received++
			m.pending = append(m.pending, sample)
		}
		m.mu.Unlock()
		if err != nil && !errors.Is(err, errNotTrigger) {
			m.logf("rejected line: %v", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scan.Err()
}

// Take removes and returns all pending samples.
func (m *Monitor) Take() []stereo.AuxSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// Stats returns the received, rejected and dropped line counts.
func (m *Monitor) Stats() (received, rejected, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received, m.rejected, m.dropped
}

// Sensor decorates a sensor so pending trigger samples are delivered as a
// trigger batch ahead of the wrapped sensor's next batch.
type Sensor struct {
	stereo.Sensor
	mon *Monitor
}

// Wrap decorates s with samples from mon.
func Wrap(s stereo.Sensor, mon *Monitor) *Sensor {
	return &Sensor{Sensor: s, mon: mon}
}

func (s *Sensor) Next() (stereo.Batch, error) {
	if samples := s.mon.Take(); len(samples) > 0 {
		return &stereo.AuxBatch{Type: stereo.KindTrigger, Samples: samples}, nil
	}
	return s.Sensor.Next()
}

// Source wraps another source so the sensor opened on Channel receives
// the trigger stream.
type Source struct {
	stereo.Source
	Channel stereo.Channel
	mon     *Monitor

	mu     sync.Mutex
	opened int
}

// WrapSource decorates src. Triggers are attached to the sensor opened for
// ch, counting Open calls in discovery order.
func WrapSource(src stereo.Source, ch stereo.Channel, mon *Monitor) *Source {
	return &Source{Source: src, Channel: ch, mon: mon}
}

func (s *Source) Open(ctx context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	sensor, err := s.Source.Open(ctx, d)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	idx := s.opened
	s.opened++
	s.mu.Unlock()
	if stereo.Channel(idx) == s.Channel {
		return Wrap(sensor, s.mon), nil
	}
	return sensor, nil
}

// Synchronize unwraps decorated sensors before delegating.
func (s *Source) Synchronize(ctx context.Context, left, right stereo.Sensor) error {
	return s.Source.Synchronize(ctx, unwrap(left), unwrap(right))
}

func unwrap(s stereo.Sensor) stereo.Sensor {
	if w, ok := s.(*Sensor); ok {
		return w.Sensor
	}
	return s
}
