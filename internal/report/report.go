// Package report summarises a recording: per-channel batch counts and the
// event rate over time, as text and as a PNG chart.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
)

// Output file names written by Generate.
const (
	PlotFileName    = "event_rate.png"
	SummaryFileName = "report.txt"
)

// DefaultBin is the event rate bin width.
const DefaultBin = time.Second

var channelColors = [2]color.RGBA{
	{R: 0x00, G: 0x5b, B: 0xb7, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
}

// ChannelStats describes one channel of a recording.
type ChannelStats struct {
	Channel  stereo.Channel
	Camera   string
	Batches  int
	Events   uint64
	Frames   int
	IMU      int
	Triggers int
	FirstUs  int64
	LastUs   int64
	// Rates holds events per second for each bin from the recording start.
	Rates  []float64
	Mean   float64
	StdDev float64
	Peak   float64

	hasEvents bool
}

// Span returns the time between the first and last event.
func (c ChannelStats) Span() time.Duration {
	if !c.hasEvents {
		return 0
	}
	return time.Duration(c.LastUs-c.FirstUs) * time.Microsecond
}

// Report is the analysis of one recording.
type Report struct {
	Path     string
	Bin      time.Duration
	StartUs  int64
	Channels [2]ChannelStats
}

// Analyze reads every batch of both channels. bin <= 0 selects DefaultBin.
func Analyze(rep *recorder.Replayer, bin time.Duration) (*Report, error) {
	if bin <= 0 {
		bin = DefaultBin
	}
	r := &Report{Path: rep.Path(), Bin: bin}
	hdr := rep.Header()

	// First pass collects counts and the time range; the second bins events
	// against the shared start so both channels line up.
	var starts []int64
	for _, ch := range stereo.Channels {
		cs := ChannelStats{Channel: ch, Camera: hdr.Channels[ch].Camera}
		err := eachBatch(rep, ch, func(b stereo.Batch) {
			cs.Batches++
			switch v := b.(type) {
			case *stereo.EventBatch:
				first, last, ok := v.TimeRange()
				if !ok {
					return
				}
				if !cs.hasEvents || first < cs.FirstUs {
					cs.FirstUs = first
				}
				if !cs.hasEvents || last > cs.LastUs {
					cs.LastUs = last
				}
				cs.hasEvents = true
				cs.Events += uint64(v.Len())
			case *stereo.FrameBatch:
				cs.Frames++
			case *stereo.AuxBatch:
				if v.Type == stereo.KindTrigger {
					cs.Triggers++
				} else {
					cs.IMU++
				}
			}
		})
		if err != nil {
			return nil, err
		}
		if cs.hasEvents {
			starts = append(starts, cs.FirstUs)
		}
		r.Channels[ch] = cs
	}
	if len(starts) == 0 {
		return r, nil
	}
	r.StartUs = starts[0]
	if len(starts) == 2 && starts[1] < starts[0] {
		r.StartUs = starts[1]
	}

	binUs := bin.Microseconds()
	seconds := bin.Seconds()
	for _, ch := range stereo.Channels {
		cs := &r.Channels[ch]
		if !cs.hasEvents {
			continue
		}
		counts := make([]float64, (cs.LastUs-r.StartUs)/binUs+1)
		err := eachBatch(rep, ch, func(b stereo.Batch) {
			eb, ok := b.(*stereo.EventBatch)
			if !ok {
				return
			}
			for _, e := range eb.Events() {
				counts[(e.Timestamp-r.StartUs)/binUs]++
			}
		})
		if err != nil {
			return nil, err
		}
		floats.Scale(1/seconds, counts)
		cs.Rates = counts
		cs.Peak = floats.Max(counts)
		if len(counts) > 1 {
			cs.Mean, cs.StdDev = stat.MeanStdDev(counts, nil)
		} else {
			cs.Mean = counts[0]
		}
	}
	return r, nil
}

func eachBatch(rep *recorder.Replayer, ch stereo.Channel, fn func(stereo.Batch)) error {
	if err := rep.Seek(ch, 0); err != nil {
		return err
	}
	for {
		b, err := rep.NextBatch(ch)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s channel: %w", ch, err)
		}
		fn(b)
	}
}

// WriteSummary writes a human-readable summary.
func (r *Report) WriteSummary(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Recording: %s\nBin width: %s\n", r.Path, r.Bin); err != nil {
		return err
	}
	for _, cs := range r.Channels {
		_, err := fmt.Fprintf(w,
			"%-5s %s: %d events in %d batches, %d frames, %d imu, %d triggers, span %.3fs\n"+
				"      rate mean %.1f ev/s, stddev %.1f ev/s, peak %.1f ev/s over %d bins\n",
			cs.Channel, cs.Camera, cs.Events, cs.Batches, cs.Frames, cs.IMU, cs.Triggers,
			cs.Span().Seconds(), cs.Mean, cs.StdDev, cs.Peak, len(cs.Rates))
		if err != nil {
			return err
		}
	}
	return nil
}

// Plot saves the per-channel event rate chart as a PNG at path.
func (r *Report) Plot(path string) error {
	p := plot.New()
	p.Title.Text = "Event rate"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Events / s"
	p.Add(plotter.NewGrid())

	binSeconds := r.Bin.Seconds()
	lines := 0
	for i, cs := range r.Channels {
		if len(cs.Rates) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(cs.Rates))
		for j, v := range cs.Rates {
			pts[j] = plotter.XY{X: float64(j) * binSeconds, Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = channelColors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s (%s)", cs.Channel, cs.Camera), line)
		lines++
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	if lines == 0 {
		p.X.Min, p.X.Max = 0, 1
		p.Y.Min, p.Y.Max = 0, 1
	}
	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}

// Generate analyses the recording in rawDir and writes the chart and
// summary into outDir.
func Generate(rawDir, outDir string, bin time.Duration) (*Report, error) {
	rep, err := recorder.Open(filepath.Join(rawDir, recorder.DirName))
	if err != nil {
		return nil, err
	}
	defer rep.Close()

	r, err := Analyze(rep, bin)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if err := r.Plot(filepath.Join(outDir, PlotFileName)); err != nil {
		return nil, fmt.Errorf("failed to save plot: %w", err)
	}
	f, err := os.Create(filepath.Join(outDir, SummaryFileName))
	if err != nil {
		return nil, err
	}
	if err := r.WriteSummary(f); err != nil {
		f.Close()
		return nil, err
	}
	return r, f.Close()
}
