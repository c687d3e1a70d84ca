package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/stereo-recorder/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "capture":
		handleCapture(args)
	case "convert":
		handleConvert(args)
	case "reconstruct":
		handleReconstruct(args)
	case "calibrate":
		handleCalibrate(args)
	case "report":
		handleReport(args)
	case "sessions":
		handleSessions(args)
	case "migrate":
		handleMigrate(args)
	case "stop":
		handleStop(args)
	case "version":
		fmt.Println(version.String("stereo"))
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`stereo - stereo event camera recorder

Usage: stereo <command> [options]

Commands:
  capture      Record both sensors into a new session
  convert      Write E2VID event text files for a session
  reconstruct  Run E2VID reconstruction over a converted session
  calibrate    Build a rosbag from reconstructed frames and run kalibr
  report       Summarise a recording with event rate statistics and a chart
  sessions     List catalogued sessions (optionally serve the admin routes)
  migrate      Manage the session catalogue schema
  stop         Ask a running visualised capture to stop
  version      Show version information
  help         Show this help message

Common Flags:
  --root <dir>      Recording root (default: .)
  --config <file>   Capture config JSON (default: config/capture.defaults.json if present)

Commands that take a session accept a session name, a session directory,
or nothing for the most recent session.

Examples:
  # Record from the synthetic source with the live preview
  stereo capture --dev --visualize

  # Record from two UDP event streams
  stereo capture --udp :5001,:5002 --root /data

  # Post-process the latest session
  stereo convert
  stereo reconstruct
  stereo report`)
}
