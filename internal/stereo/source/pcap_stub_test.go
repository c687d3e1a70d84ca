//go:build !pcap
// +build !pcap

package source

import (
	"context"
	"errors"
	"testing"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

func TestPCAPSource_StubReturnsError(t *testing.T) {
	src := NewPCAPSource("capture.pcap", 7001, 7002, stereo.Resolution{})
	if _, err := src.Discover(context.Background()); !errors.Is(err, ErrPCAPDisabled) {
		t.Errorf("Discover() error = %v, want ErrPCAPDisabled", err)
	}
	if _, err := src.Open(context.Background(), stereo.Descriptor{}); !errors.Is(err, ErrPCAPDisabled) {
		t.Errorf("Open() error = %v, want ErrPCAPDisabled", err)
	}
}
