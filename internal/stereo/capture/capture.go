// Package capture runs a stereo recording: one producer goroutine pulls
// batches from both sensors and writes every one of them to the durable
// log, while the calling goroutine consumes the lossy preview path.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/config"
	"github.com/banshee-data/stereo-recorder/internal/fsutil"
	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/preview"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/metadata"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
	"github.com/banshee-data/stereo-recorder/internal/stereo/shutdown"
	"github.com/banshee-data/stereo-recorder/internal/stereo/slicer"
	"github.com/banshee-data/stereo-recorder/internal/stereo/visqueue"
	"github.com/banshee-data/stereo-recorder/internal/timeutil"
)

// WriterFactory opens the durable writer inside dest.
type WriterFactory func(dest string, info [2]recorder.ChannelInfo) (stereo.StereoWriter, error)

// OpenLog is the default WriterFactory: a recorder log at
// <dest>/stereo_recording.srlog.
func OpenLog(dest string, info [2]recorder.ChannelInfo) (stereo.StereoWriter, error) {
	return recorder.Create(filepath.Join(dest, recorder.DirName), info)
}

// Options configures a Recorder. Zero fields take defaults.
type Options struct {
	QueueCapacity       int
	SliceThreshold      int
	SliceMode           slicer.Mode
	FlushTrailingWindow bool
	WaitTimeout         time.Duration
	IdleSleep           time.Duration
	StatsInterval       time.Duration

	Clock      timeutil.Clock
	FS         fsutil.FileSystem
	Surface    preview.Surface
	OpenWriter WriterFactory
}

// OptionsFromConfig maps a capture config onto Options.
func OptionsFromConfig(cfg *config.CaptureConfig) (Options, error) {
	mode, err := slicer.ParseMode(cfg.GetSliceMode())
	if err != nil {
		return Options{}, err
	}
	return Options{
		QueueCapacity:       cfg.GetQueueCapacity(),
		SliceThreshold:      cfg.GetSliceThreshold(),
		SliceMode:           mode,
		FlushTrailingWindow: cfg.GetFlushTrailingWindow(),
		WaitTimeout:         cfg.GetWaitTimeout(),
		IdleSleep:           cfg.GetIdleSleep(),
		StatsInterval:       cfg.GetStatsInterval(),
	}, nil
}

func (o *Options) setDefaults() {
	if o.IdleSleep <= 0 {
		o.IdleSleep = config.DefaultIdleSleep
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = config.DefaultStatsInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.FS == nil {
		o.FS = fsutil.OSFileSystem{}
	}
	if o.Surface == nil {
		o.Surface = &preview.NullSurface{}
	}
	if o.OpenWriter == nil {
		o.OpenWriter = OpenLog
	}
}

// ChannelSummary reports one channel of a finished run.
type ChannelSummary struct {
	Camera  string
	Written uint64 // batches durably written
	Events  uint64 // events inside written event batches
	Dropped uint64 // event batches evicted from the preview queue
}

// Summary reports a finished run.
type Summary struct {
	Channels [2]ChannelSummary
	Windows  uint64
	Reason   shutdown.Reason
	Duration time.Duration
}

// TotalDropped sums the preview evictions over both channels.
func (s Summary) TotalDropped() uint64 {
	return s.Channels[stereo.Left].Dropped + s.Channels[stereo.Right].Dropped
}

// Recorder records from a dual-sensor source.
type Recorder struct {
	source stereo.Source
	opts   Options
	logf   func(format string, v ...interface{})
}

// New creates a Recorder.
func New(source stereo.Source, opts Options) *Recorder {
	opts.setDefaults()
	return &Recorder{source: source, opts: opts, logf: monitoring.Component("Capture")}
}

// Record discovers and opens both sensors, writes the metadata sidecar and
// runs the capture until flag is set, a sensor ends or a durable write
// fails. It returns after the producer has been joined and the writer
// closed. A nil flag gets a private one; ctx cancellation requests a stop.
func (r *Recorder) Record(ctx context.Context, dest string, visualize bool, flag *shutdown.Flag) (Summary, error) {
	var summary Summary
	if flag == nil {
		flag = shutdown.New()
	}

	left, right, err := r.openSensors(ctx)
	if err != nil {
		return summary, err
	}
	defer left.Close()
	defer right.Close()

	meta := metadata.FromSensors(left, right)
	for _, ch := range stereo.Channels {
		summary.Channels[ch].Camera = meta.Cameras[ch].Name
	}
	if err := metadata.Write(r.opts.FS, dest, meta); err != nil {
		return summary, err
	}

	var info [2]recorder.ChannelInfo
	for _, ch := range stereo.Channels {
		info[ch] = recorder.ChannelInfo{Camera: meta.Cameras[ch].Name, Resolution: meta.Cameras[ch].Resolution}
	}
	writer, err := r.opts.OpenWriter(dest, info)
	if err != nil {
		return summary, fmt.Errorf("open durable writer: %w", err)
	}

	stopWatch := context.AfterFunc(ctx, func() { flag.Request(shutdown.ReasonContext) })
	defer stopWatch()

	var queue *visqueue.Queue
	if visualize {
		queue = visqueue.New(visqueue.Config{
			Capacity:    r.opts.QueueCapacity,
			WaitTimeout: r.opts.WaitTimeout,
			Clock:       r.opts.Clock,
		}, flag)
	}

	p := &producer{
		sensors: [2]stereo.Sensor{left, right},
		writer:  writer,
		queue:   queue,
		flag:    flag,
		opts:    r.opts,
		logf:    r.logf,
	}

	start := r.opts.Clock.Now()
	r.logf("recording to %s (visualize=%v)", dest, visualize)

	var wg sync.WaitGroup
	var prodErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		prodErr = p.run()
	}()

	if visualize {
		renderer := preview.NewRenderer(meta.Cameras[stereo.Left].Resolution, meta.Cameras[stereo.Right].Resolution, r.opts.Surface)
		s := slicer.New(r.opts.SliceThreshold, r.opts.SliceMode, renderer.Render)
		r.consume(queue, s, flag)
		if r.opts.FlushTrailingWindow && s.Flush() {
			r.logf("flushed trailing window")
		}
		summary.Windows = s.Windows()
	}

	wg.Wait()
	flag.MarkStopped()

	closeErr := writer.Close()

	for _, ch := range stereo.Channels {
		summary.Channels[ch].Written = p.written[ch]
		summary.Channels[ch].Events = p.events[ch]
		if queue != nil {
			summary.Channels[ch].Dropped = queue.Dropped(ch)
		}
	}
	summary.Reason = flag.Reason()
	summary.Duration = r.opts.Clock.Since(start)

	r.logf("stopped (%s): left=%d right=%d batches written", summary.Reason,
		summary.Channels[stereo.Left].Written, summary.Channels[stereo.Right].Written)
	if visualize {
		monitoring.Logf("Visualization frames dropped: %d", summary.TotalDropped())
	}

	if prodErr != nil {
		return summary, prodErr
	}
	if closeErr != nil {
		return summary, fmt.Errorf("close durable writer: %w", closeErr)
	}
	return summary, nil
}

func (r *Recorder) openSensors(ctx context.Context) (left, right stereo.Sensor, err error) {
	descs, err := r.source.Discover(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("discover sensors: %w", err)
	}
	if len(descs) != 2 {
		return nil, nil, fmt.Errorf("%w: found %d", stereo.ErrSensorCount, len(descs))
	}
	for i, d := range descs {
		r.logf("Camera %d: %s", i, d)
	}

	left, err = r.source.Open(ctx, descs[0])
	if err != nil {
		return nil, nil, fmt.Errorf("open left sensor %s: %w", descs[0], err)
	}
	right, err = r.source.Open(ctx, descs[1])
	if err != nil {
		left.Close()
		return nil, nil, fmt.Errorf("open right sensor %s: %w", descs[1], err)
	}

	fail := func(err error) (stereo.Sensor, stereo.Sensor, error) {
		left.Close()
		right.Close()
		return nil, nil, err
	}
	if err := r.source.Synchronize(ctx, left, right); err != nil {
		return fail(fmt.Errorf("synchronize sensors: %w", err))
	}
	switch {
	case left.IsMaster():
		r.logf("The left camera is clock synchronization master")
	case right.IsMaster():
		r.logf("The right camera is clock synchronization master")
	default:
		return fail(stereo.ErrNoClockMaster)
	}
	return left, right, nil
}

// consume runs the preview loop on the calling goroutine until a stop is
// requested. Key presses are polled once per dequeue attempt.
func (r *Recorder) consume(queue *visqueue.Queue, s *slicer.Slicer, flag *shutdown.Flag) {
	for !flag.Stopping() {
		if pair, ok := queue.DequeuePair(); ok {
			s.Accept(pair.Left, pair.Right)
		}
		for {
			key, ok := r.opts.Surface.PollKey()
			if !ok {
				break
			}
			if preview.IsExitKey(key) {
				r.logf("exit key %d pressed", key)
				flag.Request(shutdown.ReasonUserExit)
			}
		}
	}
}

type producer struct {
	sensors [2]stereo.Sensor
	writer  stereo.StereoWriter
	queue   *visqueue.Queue // nil when not visualising
	flag    *shutdown.Flag
	opts    Options
	logf    func(format string, v ...interface{})

	// owned by the producer goroutine until Record joins it
	written [2]uint64
	events  [2]uint64
}

// run is the producer loop. It returns a non-nil error only for a durable
// write failure.
func (p *producer) run() error {
	lastStats := p.opts.Clock.Now()

	for !p.flag.Stopping() {
		for _, ch := range stereo.Channels {
			if !p.sensors[ch].IsRunning() {
				p.logf("%s sensor stopped running", ch)
				p.flag.Request(shutdown.ReasonEndOfStream)
				return nil
			}
		}

		yielded := false
		for _, ch := range stereo.Channels {
			b, err := p.sensors[ch].Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					p.logf("%s sensor advance failed: %v", ch, err)
				}
				p.flag.Request(shutdown.ReasonEndOfStream)
				return nil
			}
			if b == nil {
				continue
			}
			yielded = true

			if err := stereo.WriteBatch(p.writer.Channel(ch), b); err != nil {
				p.flag.Request(shutdown.ReasonWriteFailure)
				return fmt.Errorf("write %s %s batch: %w", ch, b.Kind(), err)
			}
			p.written[ch]++

			if eb, ok := b.(*stereo.EventBatch); ok {
				p.events[ch] += uint64(eb.Len())
				if p.queue != nil {
					p.queue.Enqueue(ch, eb)
				}
			}
		}

		if !yielded {
			p.opts.Clock.Sleep(p.opts.IdleSleep)
		}

		if now := p.opts.Clock.Now(); now.Sub(lastStats) >= p.opts.StatsInterval {
			p.logStats()
			lastStats = now
		}
	}
	return nil
}

func (p *producer) logStats() {
	var dropped [2]uint64
	if p.queue != nil {
		dropped[stereo.Left], dropped[stereo.Right] = p.queue.Dropped(stereo.Left), p.queue.Dropped(stereo.Right)
	}
	p.logf("left: %d batches, %d events, %d dropped | right: %d batches, %d events, %d dropped",
		p.written[stereo.Left], p.events[stereo.Left], dropped[stereo.Left],
		p.written[stereo.Right], p.events[stereo.Right], dropped[stereo.Right])
}
