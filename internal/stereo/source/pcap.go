//go:build pcap
// +build pcap

package source

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// PCAPSource replays the two UDP event streams captured in a PCAP file.
// Each channel reads the file independently, filtered to its own port.
// This type is only functional when building with the 'pcap' build tag.
type PCAPSource struct {
	File       string
	Ports      [2]int
	Resolution stereo.Resolution

	logf func(format string, v ...interface{})
}

// NewPCAPSource creates a source for file with left and right UDP ports.
func NewPCAPSource(file string, left, right int, res stereo.Resolution) *PCAPSource {
	return &PCAPSource{
		File:       file,
		Ports:      [2]int{left, right},
		Resolution: res,
		logf:       monitoring.Component("PCAP"),
	}
}

func (s *PCAPSource) Discover(context.Context) ([]stereo.Descriptor, error) {
	return []stereo.Descriptor{
		{Model: "PCAP", Serial: strconv.Itoa(s.Ports[stereo.Left])},
		{Model: "PCAP", Serial: strconv.Itoa(s.Ports[stereo.Right])},
	}, nil
}

func (s *PCAPSource) Open(ctx context.Context, d stereo.Descriptor) (stereo.Sensor, error) {
	port, err := strconv.Atoi(d.Serial)
	if err != nil {
		return nil, fmt.Errorf("invalid PCAP port %q: %w", d.Serial, err)
	}

	handle, err := pcap.OpenOffline(s.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", s.File, err)
	}

	filterStr := fmt.Sprintf("udp port %d", port)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	s.logf("BPF filter set: %s", filterStr)

	sensor := newStreamSensor(d.String(), s.Resolution, s.Resolution.Width > 0)
	sensor.start(func() { s.read(ctx, handle, sensor) })
	return sensor, nil
}

func (s *PCAPSource) Synchronize(_ context.Context, left, right stereo.Sensor) error {
	clockSync(left, right)
	return nil
}

func (s *PCAPSource) read(ctx context.Context, handle *pcap.Handle, sensor *streamSensor) {
	defer handle.Close()
	defer sensor.finish()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	var packets, bad int
	for {
		select {
		case <-ctx.Done():
			s.logf("%s stopping due to context cancellation (processed %d packets)", sensor.name, packets)
			return
		case <-sensor.done:
			return
		case packet := <-packetSource.Packets():
			if packet == nil {
				s.logf("%s reading complete: %d packets, %d rejected", sensor.name, packets, bad)
				return
			}
			udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			packets++

			events, err := DecodeDatagram(udp.Payload)
			if err != nil {
				bad++
				continue
			}
			if !sensor.send(stereo.NewEventBatch(events)) {
				return
			}
		}
	}
}
