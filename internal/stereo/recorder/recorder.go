// Package recorder provides the durable stereo log and its replayer.
//
// A log is a directory:
//
//	stereo_recording.srlog/
//	  header.json
//	  left/chunk_0000.pb  left/index.bin
//	  right/chunk_0000.pb right/index.bin
//
// Chunk files hold little-endian u32 length-prefixed records. The index and
// header are written by Close; a log without them cannot be replayed.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// DirName is the log directory created inside a recording destination.
const DirName = "stereo_recording.srlog"

// FormatVersion is written to header.json.
const FormatVersion = "1.0"

// ChunkSize is the number of records per chunk file.
const ChunkSize = 1000

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("recorder is closed")

// ChannelInfo describes the camera behind one channel.
type ChannelInfo struct {
	Camera     string
	Resolution stereo.Resolution
}

// ChannelHeader summarises one channel of a closed log.
type ChannelHeader struct {
	Channel  string `json:"channel"`
	Camera   string `json:"camera"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Records  uint64 `json:"records"`
	Events   uint64 `json:"events"`
	Frames   uint64 `json:"frames"`
	Aux      uint64 `json:"aux"`
	StartUs  int64  `json:"start_us"`
	EndUs    int64  `json:"end_us"`
	hasRange bool
}

// LogHeader contains metadata about a recorded log.
type LogHeader struct {
	Version   string           `json:"version"`
	CreatedNs int64            `json:"created_ns"`
	Channels  [2]ChannelHeader `json:"channels"`
}

// IndexEntry is an entry in a channel's seek index.
type IndexEntry struct {
	RecordID    uint64
	TimestampUs int64
	ChunkID     uint32
	Offset      uint32
	Kind        uint32
}

// Writer writes stereo batches to a log. It implements stereo.StereoWriter.
type Writer struct {
	basePath string
	header   LogHeader
	channels [2]*channelLog

	mu     sync.Mutex
	closed bool
}

var _ stereo.StereoWriter = (*Writer)(nil)

// channelLog is the per-channel half of a Writer. It implements
// stereo.ChannelWriter.
type channelLog struct {
	w   *Writer
	ch  stereo.Channel
	dir string

	index        []IndexEntry
	currentChunk int
	chunkFile    *os.File
	chunkOffset  uint32
	lenBuf       [4]byte
}

// Create creates the log directory at path and returns a Writer for it.
// An existing log at path is an error.
func Create(path string, info [2]ChannelInfo) (*Writer, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("log already exists: %s", path)
	}

	w := &Writer{
		basePath: path,
		header: LogHeader{
			Version:   FormatVersion,
			CreatedNs: time.Now().UnixNano(),
		},
	}
	for _, ch := range stereo.Channels {
		dir := filepath.Join(path, ch.String())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		w.header.Channels[ch] = ChannelHeader{
			Channel: ch.String(),
			Camera:  info[ch].Camera,
			Width:   info[ch].Resolution.Width,
			Height:  info[ch].Resolution.Height,
		}
		w.channels[ch] = &channelLog{w: w, ch: ch, dir: dir, currentChunk: -1}
	}
	return w, nil
}

// Channel returns the writer for ch.
func (w *Writer) Channel(ch stereo.Channel) stereo.ChannelWriter {
	return w.channels[ch]
}

// Path returns the base path of the log.
func (w *Writer) Path() string {
	return w.basePath
}

// Records returns the number of records written to ch.
func (w *Writer) Records(ch stereo.Channel) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header.Channels[ch].Records
}

// Header returns a copy of the header as it stands.
func (w *Writer) Header() LogHeader {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header
}

func (c *channelLog) WriteEvents(b *stereo.EventBatch) error       { return c.write(b) }
func (c *channelLog) WriteFrame(b *stereo.FrameBatch) error        { return c.write(b) }
func (c *channelLog) WriteImuPacket(b *stereo.AuxBatch) error      { return c.write(b) }
func (c *channelLog) WriteTriggerPacket(b *stereo.AuxBatch) error { return c.write(b) }

func (c *channelLog) write(b stereo.Batch) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()

	if c.w.closed {
		return ErrClosed
	}
	hdr := &c.w.header.Channels[c.ch]

	chunkIdx := int(hdr.Records / ChunkSize)
	if chunkIdx != c.currentChunk {
		if err := c.rotateChunk(chunkIdx); err != nil {
			return err
		}
	}

	data, ts, err := encodeBatch(b)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", c.ch, err)
	}

	binary.LittleEndian.PutUint32(c.lenBuf[:], uint32(len(data)))
	if _, err := c.chunkFile.Write(c.lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write %s record length: %w", c.ch, err)
	}
	if _, err := c.chunkFile.Write(data); err != nil {
		return fmt.Errorf("failed to write %s record: %w", c.ch, err)
	}

	c.index = append(c.index, IndexEntry{
		RecordID:    hdr.Records,
		TimestampUs: ts,
		ChunkID:     uint32(chunkIdx),
		Offset:      c.chunkOffset,
		Kind:        uint32(b.Kind()),
	})
	c.chunkOffset += uint32(4 + len(data))
	hdr.Records++

	switch v := b.(type) {
	case *stereo.EventBatch:
		hdr.Events += uint64(v.Len())
		if first, last, ok := v.TimeRange(); ok {
			hdr.extend(first, last)
		}
	case *stereo.FrameBatch:
		hdr.Frames++
	case *stereo.AuxBatch:
		hdr.Aux++
	}
	return nil
}

func (h *ChannelHeader) extend(first, last int64) {
	if !h.hasRange {
		h.StartUs, h.hasRange = first, true
	}
	h.EndUs = last
}

func chunkPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%04d.pb", idx))
}

// rotateChunk closes the current chunk and opens a new one.
func (c *channelLog) rotateChunk(chunkIdx int) error {
	if c.chunkFile != nil {
		if err := c.chunkFile.Close(); err != nil {
			return err
		}
	}

	f, err := os.Create(chunkPath(c.dir, chunkIdx))
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}

	c.chunkFile = f
	c.currentChunk = chunkIdx
	c.chunkOffset = 0
	return nil
}

// Close finalises the log and writes the header and both indexes. Closing
// twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for _, c := range w.channels {
		if c.chunkFile != nil {
			if err := c.chunkFile.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s chunk: %w", c.ch, err))
			}
		}
		if err := writeIndex(filepath.Join(c.dir, "index.bin"), c.index); err != nil {
			errs = append(errs, fmt.Errorf("write %s index: %w", c.ch, err))
		}
	}

	headerData, err := json.MarshalIndent(w.header, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.basePath, "header.json"), headerData, 0644); err != nil {
		errs = append(errs, fmt.Errorf("failed to write header: %w", err))
	}
	return errors.Join(errs...)
}

func writeIndex(path string, index []IndexEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, index); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
