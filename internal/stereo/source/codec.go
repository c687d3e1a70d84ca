// Package source provides stereo.Source implementations: a deterministic
// synthetic generator, replay of a recorded log, live UDP event streams and
// (with the pcap build tag) UDP streams replayed from a capture file.
package source

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// EventSize is the wire size of one event in a UDP datagram:
// u64 timestamp (µs), u16 x, u16 y, u8 polarity, little-endian.
const EventSize = 13

// MaxDatagramEvents keeps encoded datagrams under a typical 64KiB UDP limit.
const MaxDatagramEvents = 5000

// DecodeDatagram parses a datagram into events. A payload whose length is
// not a multiple of EventSize is rejected whole.
func DecodeDatagram(payload []byte) ([]stereo.Event, error) {
	if len(payload)%EventSize != 0 {
		return nil, fmt.Errorf("datagram length %d is not a multiple of %d", len(payload), EventSize)
	}
	events := make([]stereo.Event, len(payload)/EventSize)
	for i := range events {
		b := payload[i*EventSize:]
		events[i] = stereo.Event{
			Timestamp: int64(binary.LittleEndian.Uint64(b[0:8])),
			X:         int16(binary.LittleEndian.Uint16(b[8:10])),
			Y:         int16(binary.LittleEndian.Uint16(b[10:12])),
			Polarity:  b[12] != 0,
		}
	}
	return events, nil
}

// EncodeDatagram appends the wire form of events to buf.
func EncodeDatagram(buf []byte, events []stereo.Event) []byte {
	for _, e := range events {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.X))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.Y))
		if e.Polarity {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}
