// Package visqueue implements the bounded per-channel queues that feed the
// live preview.
//
// The queues sit on the lossy visualisation path: Enqueue never blocks the
// producer, and on overflow the oldest batch is evicted so the preview shows
// the most recent data rather than a stale backlog. One mutex guards both
// queues and the drop counters; it is held only for pointer moves, never
// while batches are delivered downstream.
package visqueue

import (
	"sync"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/shutdown"
	"github.com/banshee-data/stereo-recorder/internal/timeutil"
)

const (
	// DefaultCapacity is the per-channel queue length.
	DefaultCapacity = 5
	// DefaultWaitTimeout bounds DequeuePair so the consumer can keep pumping
	// the preview surface when no pair arrives.
	DefaultWaitTimeout = 50 * time.Millisecond
)

// Config configures a Queue. Zero fields take defaults.
type Config struct {
	Capacity    int
	WaitTimeout time.Duration
	Clock       timeutil.Clock
}

// Queue holds the left and right visualisation queues.
type Queue struct {
	capacity int
	timeout  time.Duration
	clock    timeutil.Clock
	flag     *shutdown.Flag

	mu      sync.Mutex
	queues  [2][]*stereo.EventBatch
	dropped [2]uint64

	// notify has capacity one: an Enqueue wakes at most one waiter and a
	// wake-up sent while nobody waits is kept for the next DequeuePair.
	notify chan struct{}
}

// New creates a Queue observing flag for shutdown.
func New(cfg Config, flag *shutdown.Flag) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	q := &Queue{
		capacity: cfg.Capacity,
		timeout:  cfg.WaitTimeout,
		clock:    cfg.Clock,
		flag:     flag,
		notify:   make(chan struct{}, 1),
	}
	for i := range q.queues {
		q.queues[i] = make([]*stereo.EventBatch, 0, cfg.Capacity)
	}
	return q
}

// Capacity returns the per-channel capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Enqueue appends b to the channel's queue, evicting the oldest entry when
// the queue is full, and notifies one waiter.
func (q *Queue) Enqueue(ch stereo.Channel, b *stereo.EventBatch) {
	q.mu.Lock()
	queue := q.queues[ch]
	if len(queue) >= q.capacity {
		queue[0] = nil
		queue = queue[1:]
		q.dropped[ch]++
	}
	q.queues[ch] = append(queue, b)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DequeuePair waits until a stop is requested or both queues hold a batch,
// for at most the configured timeout. It removes and returns the front of
// each queue when both are non-empty. It returns ok=false on timeout and
// whenever a stop has been requested, even if data is queued.
func (q *Queue) DequeuePair() (pair stereo.StereoBatch, ok bool) {
	timer := q.clock.NewTimer(q.timeout)
	defer timer.Stop()

	for {
		if q.flag.Stopping() {
			return stereo.StereoBatch{}, false
		}
		if pair, ok := q.tryPop(); ok {
			return pair, true
		}

		select {
		case <-q.notify:
		case <-q.flag.Done():
		case <-timer.C():
			if q.flag.Stopping() {
				return stereo.StereoBatch{}, false
			}
			return q.tryPop()
		}
	}
}

func (q *Queue) tryPop() (stereo.StereoBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	left, right := q.queues[stereo.Left], q.queues[stereo.Right]
	if len(left) == 0 || len(right) == 0 {
		return stereo.StereoBatch{}, false
	}
	pair := stereo.StereoBatch{Left: left[0], Right: right[0]}
	left[0], right[0] = nil, nil
	q.queues[stereo.Left], q.queues[stereo.Right] = left[1:], right[1:]
	return pair, true
}

// Len returns the number of batches queued for ch.
func (q *Queue) Len(ch stereo.Channel) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[ch])
}

// Snapshot returns the batches currently queued for ch, oldest first.
func (q *Queue) Snapshot(ch stereo.Channel) []*stereo.EventBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*stereo.EventBatch, len(q.queues[ch]))
	copy(out, q.queues[ch])
	return out
}

// Dropped returns the number of batches evicted from ch's queue.
func (q *Queue) Dropped(ch stereo.Channel) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[ch]
}

// TotalDropped returns the evictions summed over both channels.
func (q *Queue) TotalDropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[stereo.Left] + q.dropped[stereo.Right]
}
