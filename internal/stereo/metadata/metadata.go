// Package metadata writes and reads camera_metadata.txt, the sidecar that
// records which camera produced each channel of a recording.
//
// Layout, one item per line:
//
//	Do not change or remove this file!
//	<left camera name>
//	<left width> <left height>
//	<right camera name>
//	<right width> <right height>
//
// A resolution line is empty when the sensor did not report one. The file
// is made read-only after it is written.
package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/stereo-recorder/internal/fsutil"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// FileName is the sidecar's name inside the recording directory.
const FileName = "camera_metadata.txt"

// Notice is the first line of every sidecar.
const Notice = "Do not change or remove this file!"

// Camera is one channel's entry.
type Camera struct {
	Name       string
	Resolution stereo.Resolution
	// HasResolution is false when the resolution line was empty.
	HasResolution bool
}

// Metadata is the parsed sidecar.
type Metadata struct {
	Cameras [2]Camera
}

// Left returns the left camera entry.
func (m Metadata) Left() Camera { return m.Cameras[stereo.Left] }

// Right returns the right camera entry.
func (m Metadata) Right() Camera { return m.Cameras[stereo.Right] }

// Path returns the sidecar path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// FromSensors builds the entries from opened sensors.
func FromSensors(left, right stereo.Sensor) Metadata {
	var m Metadata
	for i, s := range []stereo.Sensor{left, right} {
		res, ok := s.EventResolution()
		m.Cameras[i] = Camera{Name: s.Name(), Resolution: res, HasResolution: ok}
	}
	return m
}

// Write writes the sidecar into dir and removes all write permission
// bits. Writing over an existing read-only sidecar fails.
func Write(fs fsutil.FileSystem, dir string, m Metadata) error {
	var buf bytes.Buffer
	buf.WriteString(Notice)
	buf.WriteByte('\n')
	for _, c := range m.Cameras {
		buf.WriteString(c.Name)
		buf.WriteByte('\n')
		if c.HasResolution {
			fmt.Fprintf(&buf, "%d %d", c.Resolution.Width, c.Resolution.Height)
		}
		buf.WriteByte('\n')
	}

	path := Path(dir)
	if err := fs.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write camera metadata: %w", err)
	}

	info, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("stat camera metadata: %w", err)
	}
	if err := fs.Chmod(path, info.Mode().Perm()&^0222); err != nil {
		return fmt.Errorf("make camera metadata read-only: %w", err)
	}
	return nil
}

// Read parses the sidecar in dir.
func Read(fs fsutil.FileSystem, dir string) (Metadata, error) {
	var m Metadata

	data, err := fs.ReadFile(Path(dir))
	if err != nil {
		return m, fmt.Errorf("could not find metadata at %s: %w", Path(dir), err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return m, err
	}
	if len(lines) == 0 || lines[0] != Notice {
		return m, fmt.Errorf("%s: missing notice line", Path(dir))
	}

	lines = lines[1:]
	for ch := range m.Cameras {
		if len(lines) == 0 {
			return m, fmt.Errorf("%s: missing %s camera name", Path(dir), stereo.Channel(ch))
		}
		m.Cameras[ch].Name = lines[0]
		lines = lines[1:]

		if len(lines) == 0 {
			continue
		}
		res, ok, err := parseResolution(lines[0])
		if err != nil {
			return m, fmt.Errorf("%s: %s resolution: %w", Path(dir), stereo.Channel(ch), err)
		}
		m.Cameras[ch].Resolution, m.Cameras[ch].HasResolution = res, ok
		lines = lines[1:]
	}
	return m, nil
}

func parseResolution(line string) (stereo.Resolution, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return stereo.Resolution{}, false, nil
	}
	if len(fields) != 2 {
		return stereo.Resolution{}, false, fmt.Errorf("want \"width height\", got %q", line)
	}
	w, err := strconv.Atoi(fields[0])
	if err != nil {
		return stereo.Resolution{}, false, err
	}
	h, err := strconv.Atoi(fields[1])
	if err != nil {
		return stereo.Resolution{}, false, err
	}
	return stereo.Resolution{Width: w, Height: h}, true, nil
}
