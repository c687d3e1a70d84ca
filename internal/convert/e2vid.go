// Package convert turns a recording into the plain-text event files the
// E2VID reconstruction expects.
package convert

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/stereo-recorder/internal/fsutil"
	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/metadata"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
)

// FallbackResolution is written when the sidecar has no resolution line.
var FallbackResolution = stereo.Resolution{Width: 640, Height: 480}

// EventFileName returns "leftEvents.txt" or "rightEvents.txt".
func EventFileName(ch stereo.Channel) string {
	return ch.String() + "Events.txt"
}

// Result reports one converted channel.
type Result struct {
	Channel stereo.Channel
	Path    string
	Events  uint64
	Skipped bool
}

var logf = monitoring.Component("Convert")

// ToE2VID converts the recording in rawDir into outDir. Channels whose
// output file already exists are skipped.
func ToE2VID(rawDir, outDir string) ([2]Result, error) {
	var results [2]Result
	meta, err := metadata.Read(fsutil.OSFileSystem{}, rawDir)
	if err != nil {
		return results, err
	}
	rep, err := recorder.Open(filepath.Join(rawDir, recorder.DirName))
	if err != nil {
		return results, err
	}
	defer rep.Close()

	for _, ch := range stereo.Channels {
		if rep.Records(ch) == 0 {
			return results, fmt.Errorf("%s channel has no recorded batches", ch)
		}
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return results, err
	}

	for _, ch := range stereo.Channels {
		path := filepath.Join(outDir, EventFileName(ch))
		results[ch] = Result{Channel: ch, Path: path}
		if _, err := os.Stat(path); err == nil {
			logf("%s exists, skipping %s channel", path, ch)
			results[ch].Skipped = true
			continue
		}
		n, err := writeFile(path, resolutionFor(meta.Cameras[ch]), rep, ch)
		if err != nil {
			return results, err
		}
		results[ch].Events = n
		logf("%s channel: wrote %d events to %s", ch, n, path)
	}
	return results, nil
}

func resolutionFor(c metadata.Camera) stereo.Resolution {
	if !c.HasResolution || c.Resolution.Width <= 0 || c.Resolution.Height <= 0 {
		return FallbackResolution
	}
	return c.Resolution
}

// writeFile writes through a temporary file so an interrupted conversion
// never leaves a partial file that a later run would skip.
func writeFile(path string, res stereo.Resolution, rep *recorder.Replayer, ch stereo.Channel) (uint64, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, werr := WriteEvents(f, res, rep, ch)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return 0, werr
	}
	return n, os.Rename(tmp, path)
}

// WriteEvents writes the header line and one "%.6f x y p" line per event of
// ch, timestamps in seconds. Non-event batches are skipped.
func WriteEvents(w io.Writer, res stereo.Resolution, rep *recorder.Replayer, ch stereo.Channel) (uint64, error) {
	bw := bufio.NewWriterSize(w, 1<<16)
	if _, err := fmt.Fprintf(bw, "%d %d\n", res.Width, res.Height); err != nil {
		return 0, err
	}
	if err := rep.Seek(ch, 0); err != nil {
		return 0, err
	}
	var n uint64
	for {
		b, err := rep.NextBatch(ch)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		eb, ok := b.(*stereo.EventBatch)
		if !ok {
			continue
		}
		for _, e := range eb.Events() {
			p := 0
			if e.Polarity {
				p = 1
			}
			if _, err := fmt.Fprintf(bw, "%.6f %d %d %d\n", float64(e.Timestamp)/1e6, e.X, e.Y, p); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, bw.Flush()
}
