package recorder

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// Replayer reads batches back from a closed log, per channel in write order.
type Replayer struct {
	basePath string
	header   LogHeader

	mu       sync.Mutex
	channels [2]*channelReader
}

type channelReader struct {
	dir   string
	index []IndexEntry

	current      int
	currentChunk int
	chunkData    []byte
}

// Open opens a log for replay. path is the log directory itself.
func Open(path string) (*Replayer, error) {
	r := &Replayer{basePath: path}

	headerData, err := os.ReadFile(filepath.Join(path, "header.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerData, &r.header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	for _, ch := range stereo.Channels {
		dir := filepath.Join(path, ch.String())
		index, err := readIndex(filepath.Join(dir, "index.bin"))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s index: %w", ch, err)
		}
		r.channels[ch] = &channelReader{dir: dir, index: index, currentChunk: -1}
	}
	return r, nil
}

func readIndex(path string) ([]IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	size := binary.Size(IndexEntry{})
	if len(data)%size != 0 {
		return nil, fmt.Errorf("index size %d is not a multiple of %d", len(data), size)
	}
	index := make([]IndexEntry, len(data)/size)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, index); err != nil {
		return nil, err
	}
	return index, nil
}

// Header returns the log header.
func (r *Replayer) Header() LogHeader {
	return r.header
}

// Path returns the log directory.
func (r *Replayer) Path() string {
	return r.basePath
}

// Records returns the number of records indexed for ch.
func (r *Replayer) Records(ch stereo.Channel) int {
	return len(r.channels[ch].index)
}

// Position returns the index of the next record NextBatch returns for ch.
func (r *Replayer) Position(ch stereo.Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[ch].current
}

// Seek positions ch at the given record. Seeking to Records(ch) positions
// at the end, so Seek(ch, 0) rewinds an empty channel too.
func (r *Replayer) Seek(ch stereo.Channel, record int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.channels[ch]
	if record < 0 || record > len(c.index) {
		return fmt.Errorf("record index out of range: %d > %d", record, len(c.index))
	}
	c.current = record
	return nil
}

// SeekToTimestamp positions ch at the first record whose index timestamp
// is at or after ts, or at the end when there is none.
func (r *Replayer) SeekToTimestamp(ch stereo.Channel, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.channels[ch]
	c.current = sort.Search(len(c.index), func(i int) bool {
		return c.index[i].TimestampUs >= ts
	})
}

// NextBatch reads the next record for ch and advances. It returns io.EOF
// after the last record.
func (r *Replayer) NextBatch(ch stereo.Channel) (stereo.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.channels[ch]
	if c.current >= len(c.index) {
		return nil, io.EOF
	}
	entry := c.index[c.current]

	if int(entry.ChunkID) != c.currentChunk {
		data, err := os.ReadFile(chunkPath(c.dir, int(entry.ChunkID)))
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk: %w", err)
		}
		c.chunkData = data
		c.currentChunk = int(entry.ChunkID)
	}

	offset := uint64(entry.Offset)
	if offset+4 > uint64(len(c.chunkData)) {
		return nil, fmt.Errorf("invalid record offset %d in %s chunk %d", offset, ch, entry.ChunkID)
	}
	length := uint64(binary.LittleEndian.Uint32(c.chunkData[offset:]))
	offset += 4
	if offset+length > uint64(len(c.chunkData)) {
		return nil, fmt.Errorf("invalid record length %d in %s chunk %d", length, ch, entry.ChunkID)
	}

	b, err := decodeBatch(c.chunkData[offset : offset+length])
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s record %d: %w", ch, entry.RecordID, err)
	}
	c.current++
	return b, nil
}

// Close releases cached chunk data.
func (r *Replayer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.channels {
		c.chunkData = nil
		c.currentChunk = -1
	}
	return nil
}
