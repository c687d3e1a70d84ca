package source

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// streamBuffer is the number of batches a streamSensor holds before its
// feeder blocks.
const streamBuffer = 256

// streamSensor adapts a push-style feeder goroutine to the pull-style
// stereo.Sensor. The feeder sends batches and closes the stream at end of
// input; Next never blocks.
type streamSensor struct {
	name   string
	res    stereo.Resolution
	hasRes bool
	master atomic.Bool

	batches chan stereo.Batch
	done    chan struct{}
	once    sync.Once
	closeFn func() error
	feeder  sync.WaitGroup

	finished atomic.Bool
}

func newStreamSensor(name string, res stereo.Resolution, hasRes bool) *streamSensor {
	return &streamSensor{
		name:    name,
		res:     res,
		hasRes:  hasRes,
		batches: make(chan stereo.Batch, streamBuffer),
		done:    make(chan struct{}),
	}
}

func (s *streamSensor) Name() string { return s.name }

func (s *streamSensor) EventResolution() (stereo.Resolution, bool) { return s.res, s.hasRes }

func (s *streamSensor) IsRunning() bool { return !s.finished.Load() }

func (s *streamSensor) IsMaster() bool { return s.master.Load() }

func (s *streamSensor) Next() (stereo.Batch, error) {
	select {
	case b, ok := <-s.batches:
		if !ok {
			s.finished.Store(true)
			return nil, io.EOF
		}
		return b, nil
	default:
		return nil, nil
	}
}

// send delivers b unless the sensor has been closed. It reports false once
// the feeder should stop.
func (s *streamSensor) send(b stereo.Batch) bool {
	select {
	case s.batches <- b:
		return true
	case <-s.done:
		return false
	}
}

// start runs feed as the sensor's feeder goroutine. Close waits for it.
func (s *streamSensor) start(feed func()) {
	s.feeder.Add(1)
	go func() {
		defer s.feeder.Done()
		feed()
	}()
}

// finish marks end of input. Only the feeder calls it.
func (s *streamSensor) finish() {
	close(s.batches)
}

// Close stops the feeder, releases its resources and returns once the
// feeder has exited.
func (s *streamSensor) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	s.feeder.Wait()
	return err
}

// clockSync marks left as master; streams sharing the host clock need no
// negotiation.
func clockSync(left, right stereo.Sensor) {
	if l, ok := left.(*streamSensor); ok {
		l.master.Store(true)
	}
	if r, ok := right.(*streamSensor); ok {
		r.master.Store(false)
	}
}
