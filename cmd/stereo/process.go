package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/convert"
	"github.com/banshee-data/stereo-recorder/internal/report"
	"github.com/banshee-data/stereo-recorder/internal/session"
	"github.com/banshee-data/stereo-recorder/internal/toolrun"
)

// openSession resolves ref under root, or the most recent session when ref
// is empty.
func openSession(root, ref string) (session.Layout, error) {
	if ref == "" {
		return session.Latest(root)
	}
	return session.Open(root, ref)
}

// stdLogger adapts the standard logger to toolrun.Logger.
type stdLogger struct{}

func (stdLogger) Debugf(format string, args ...interface{}) { log.Printf(format, args...) }

func newTools(configPath string, dryRun, debug bool) *toolrun.Tools {
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	r := toolrun.NewRunner(dryRun)
	r.Output = os.Stdout
	if debug {
		r.SetLogger(stdLogger{})
	}
	return toolrun.NewTools(r, cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func handleConvert(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	fs.Parse(args)

	l, err := openSession(*root, fs.Arg(0))
	if err != nil {
		log.Fatalf("%v", err)
	}
	results, err := convert.ToE2VID(l.Raw(), l.Intermediate())
	if err != nil {
		log.Fatalf("Conversion failed: %v", err)
	}
	for _, r := range results {
		if r.Skipped {
			log.Printf("%s already exists, skipping", r.Path)
			continue
		}
		log.Printf("Wrote %d %s events to %s", r.Events, r.Channel, r.Path)
	}
}

func handleReconstruct(args []string) {
	fs := flag.NewFlagSet("reconstruct", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	configPath := fs.String("config", "", "Capture config JSON file")
	dryRun := fs.Bool("dry-run", false, "Show the commands without running them")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	l, err := openSession(*root, fs.Arg(0))
	if err != nil {
		log.Fatalf("%v", err)
	}
	tools := newTools(*configPath, *dryRun, *debug)
	ctx, cancel := signalContext()
	defer cancel()

	if err := tools.ReconstructSession(ctx, l.Intermediate(), l.Reconstruction()); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	log.Printf("Reconstruction written to %s", l.Reconstruction())
}

func handleCalibrate(args []string) {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	configPath := fs.String("config", "", "Capture config JSON file")
	skipRosbag := fs.Bool("skip-rosbag", false, "Reuse an existing rosbag")
	dryRun := fs.Bool("dry-run", false, "Show the commands without running them")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	l, err := openSession(*root, fs.Arg(0))
	if err != nil {
		log.Fatalf("%v", err)
	}
	tools := newTools(*configPath, *dryRun, *debug)
	ctx, cancel := signalContext()
	defer cancel()

	if !*skipRosbag {
		if err := tools.CreateRosbag(ctx, l.Dir); err != nil {
			log.Fatalf("Rosbag creation failed: %v", err)
		}
	}
	if err := tools.Calibrate(ctx, l.Dir); err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}
	log.Printf("Calibration results in %s", l.Calibration())
}

func handleReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	bin := fs.Duration("bin", report.DefaultBin, "Event rate bin width")
	out := fs.String("out", "", "Output directory (default: the session directory)")
	fs.Parse(args)

	l, err := openSession(*root, fs.Arg(0))
	if err != nil {
		log.Fatalf("%v", err)
	}
	dir := *out
	if dir == "" {
		dir = l.Dir
	}
	start := time.Now()
	r, err := report.Generate(l.Raw(), dir, *bin)
	if err != nil {
		log.Fatalf("Report failed: %v", err)
	}
	if err := r.WriteSummary(os.Stdout); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Report written to %s in %s", dir, time.Since(start).Round(time.Millisecond))
}
