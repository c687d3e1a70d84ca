//go:build !pcap
// +build !pcap

package source

import (
	"context"
	"errors"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// ErrPCAPDisabled is returned by the stub PCAPSource.
var ErrPCAPDisabled = errors.New("PCAP support not enabled: rebuild with -tags=pcap to enable PCAP file reading")

// PCAPSource is a stub when PCAP support is disabled.
// Build with -tags=pcap to enable PCAP file reading.
type PCAPSource struct {
	File       string
	Ports      [2]int
	Resolution stereo.Resolution
}

func NewPCAPSource(file string, left, right int, res stereo.Resolution) *PCAPSource {
	return &PCAPSource{File: file, Ports: [2]int{left, right}, Resolution: res}
}

func (s *PCAPSource) Discover(context.Context) ([]stereo.Descriptor, error) {
	return nil, ErrPCAPDisabled
}

func (s *PCAPSource) Open(context.Context, stereo.Descriptor) (stereo.Sensor, error) {
	return nil, ErrPCAPDisabled
}

func (s *PCAPSource) Synchronize(context.Context, stereo.Sensor, stereo.Sensor) error {
	return ErrPCAPDisabled
}
