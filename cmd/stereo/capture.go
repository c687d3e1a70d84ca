package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/config"
	"github.com/banshee-data/stereo-recorder/internal/db"
	"github.com/banshee-data/stereo-recorder/internal/preview"
	"github.com/banshee-data/stereo-recorder/internal/session"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/capture"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
	"github.com/banshee-data/stereo-recorder/internal/stereo/shutdown"
	"github.com/banshee-data/stereo-recorder/internal/stereo/source"
	"github.com/banshee-data/stereo-recorder/internal/trigger"
)

// sourceFlags selects where capture reads its two sensors from. Exactly
// one of the selectors may be set.
type sourceFlags struct {
	dev     bool
	batches int
	udp     string
	pcap    string
	ports   string
	replay  string
	width   int
	height  int
}

// openSource builds the dual-sensor source named by f. The returned
// close function releases anything the source holds open.
func openSource(f sourceFlags) (stereo.Source, string, func(), error) {
	nop := func() {}
	selected := 0
	for _, set := range []bool{f.dev, f.udp != "", f.pcap != "", f.replay != ""} {
		if set {
			selected++
		}
	}
	if selected > 1 {
		return nil, "", nop, errors.New("choose only one of --dev, --udp, --pcap and --replay")
	}
	res := stereo.Resolution{Width: f.width, Height: f.height}

	switch {
	case f.udp != "":
		left, right, err := splitPair(f.udp)
		if err != nil {
			return nil, "", nop, fmt.Errorf("--udp: %w", err)
		}
		return source.NewUDPSource(left, right, res), "udp:" + f.udp, nop, nil
	case f.pcap != "":
		left, right, err := parsePorts(f.ports)
		if err != nil {
			return nil, "", nop, fmt.Errorf("--ports: %w", err)
		}
		return source.NewPCAPSource(f.pcap, left, right, res), "pcap:" + filepath.Base(f.pcap), nop, nil
	case f.replay != "":
		path := f.replay
		if filepath.Base(path) != recorder.DirName {
			if _, err := os.Stat(filepath.Join(path, recorder.DirName)); err == nil {
				path = filepath.Join(path, recorder.DirName)
			}
		}
		src, err := source.NewReplaySource(path)
		if err != nil {
			return nil, "", nop, err
		}
		return src, "replay:" + path, func() { src.Close() }, nil
	default:
		if !f.dev {
			return nil, "", nop, errors.New("no camera source selected: use --dev, --udp, --pcap or --replay")
		}
		return source.NewSyntheticSource(f.batches), "synthetic", nop, nil
	}
}

// splitPair splits "a,b" into its two non-empty halves.
func splitPair(s string) (string, string, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("expected left,right but got %q", s)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func parsePorts(s string) (int, int, error) {
	a, b, err := splitPair(s)
	if err != nil {
		return 0, 0, err
	}
	left, err := strconv.Atoi(a)
	if err != nil || left <= 0 || left > 65535 {
		return 0, 0, fmt.Errorf("invalid left port %q", a)
	}
	right, err := strconv.Atoi(b)
	if err != nil || right <= 0 || right > 65535 {
		return 0, 0, fmt.Errorf("invalid right port %q", b)
	}
	return left, right, nil
}

// loadConfig reads path, or the checked-in defaults file when path is
// empty and that file exists.
func loadConfig(path string) (*config.CaptureConfig, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyCaptureConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	return config.LoadCaptureConfig(path)
}

func handleCapture(args []string) {
	if code := runCapture(args); code != 0 {
		os.Exit(code)
	}
}

// runCapture records one session and returns the process exit code, so
// deferred cleanup runs before the caller exits.
func runCapture(args []string) int {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	configPath := fs.String("config", "", "Capture config JSON file")
	yes := fs.Bool("yes", false, "Create a missing root without asking")
	visualize := fs.Bool("visualize", false, "Run the live preview alongside recording")
	previewListen := fs.String("preview-listen", "", "Preview HTTP listen address (overrides config)")
	queueCapacity := fs.Int("queue", 0, "Visualisation queue capacity per channel (overrides config)")
	threshold := fs.Int("threshold", 0, "Events per preview window (overrides config)")
	sliceMode := fs.String("slice-mode", "", "Window trigger: combined or left (overrides config)")
	flush := fs.Bool("flush-trailing", false, "Render the final partial window on stream end")
	noCatalogue := fs.Bool("no-catalogue", false, "Do not record the session in the catalogue")

	var src sourceFlags
	fs.BoolVar(&src.dev, "dev", false, "Use the synthetic development source")
	fs.IntVar(&src.batches, "batches", 100, "Event batches per channel for --dev")
	fs.StringVar(&src.udp, "udp", "", "UDP listen addresses left,right")
	fs.StringVar(&src.pcap, "pcap", "", "Replay UDP event datagrams from a pcap file")
	fs.StringVar(&src.ports, "ports", "5001,5002", "UDP ports left,right inside --pcap")
	fs.StringVar(&src.replay, "replay", "", "Replay an existing recording or session raw directory")
	fs.IntVar(&src.width, "width", 0, "Sensor width reported by --udp and --pcap")
	fs.IntVar(&src.height, "height", 0, "Sensor height reported by --udp and --pcap")

	serialPort := fs.String("serial", "", "Serial port of the trigger box")
	baud := fs.Int("baud", trigger.DefaultBaudRate, "Trigger box baud rate")
	triggerChannel := fs.String("trigger-channel", "left", "Channel receiving trigger samples")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}
	if *queueCapacity > 0 {
		cfg.SetQueueCapacity(*queueCapacity)
	}
	if *threshold > 0 {
		cfg.SetSliceThreshold(*threshold)
	}
	if *sliceMode != "" {
		cfg.SetSliceMode(*sliceMode)
	}
	if *flush {
		cfg.SetFlushTrailingWindow(true)
	}
	if *previewListen != "" {
		cfg.SetPreviewListen(*previewListen)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}
	opts, err := capture.OptionsFromConfig(cfg)
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	camSource, sourceName, closeSource, err := openSource(src)
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	defer closeSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *serialPort != "" {
		ch, err := stereo.ParseChannel(*triggerChannel)
		if err != nil {
			log.Printf("--trigger-channel: %v", err)
			return 1
		}
		port, err := trigger.OpenSerial(*serialPort, *baud)
		if err != nil {
			log.Printf("Failed to open trigger port: %v", err)
			return 1
		}
		mon := trigger.NewMonitor(port)
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Printf("trigger monitor stopped: %v", err)
			}
		}()
		camSource = trigger.WrapSource(camSource, ch, mon)
		sourceName += "+trigger"
		defer func() {
			received, rejected, dropped := mon.Stats()
			log.Printf("Trigger samples: %d received, %d rejected, %d dropped", received, rejected, dropped)
		}()
	}

	if err := session.EnsureRoot(*root, os.Stdin, os.Stdout, !*yes); err != nil {
		log.Printf("%v", err)
		return 1
	}
	layout, err := session.New(*root, time.Now())
	if err != nil {
		log.Printf("Failed to create session: %v", err)
		return 1
	}
	log.Printf("Session %s", layout.Dir)

	var (
		catalogue *session.Catalogue
		row       *db.Session
	)
	if !*noCatalogue {
		database, err := db.NewDB(filepath.Join(*root, db.DefaultFileName))
		if err != nil {
			log.Printf("Warning: session catalogue unavailable: %v", err)
		} else {
			defer database.Close()
			catalogue = &session.Catalogue{DB: database}
			if row, err = catalogue.Begin(layout, sourceName, *visualize); err != nil {
				log.Printf("Warning: failed to catalogue session: %v", err)
				catalogue = nil
			}
		}
	}

	stop := shutdown.New()
	release := stop.WatchSignals(ctx)
	defer release()

	if *visualize {
		surface := preview.NewHTTPSurface()
		opts.Surface = surface
		go func() {
			if err := surface.Serve(ctx, cfg.GetPreviewListen()); err != nil {
				log.Printf("Preview server error: %v", err)
			}
		}()
	}

	summary, runErr := capture.New(camSource, opts).Record(ctx, layout.Raw(), *visualize, stop)
	release()
	cancel()

	if catalogue != nil {
		if err := catalogue.Finish(row, summary, time.Now(), runErr); err != nil {
			log.Printf("Warning: failed to update session catalogue: %v", err)
		}
	}
	if runErr != nil {
		log.Printf("Capture failed: %v", runErr)
		return 1
	}
	log.Printf("Recorded %d left and %d right batches in %s (%s)",
		summary.Channels[stereo.Left].Written, summary.Channels[stereo.Right].Written,
		summary.Duration.Round(time.Millisecond), summary.Reason)
	return 0
}
