package toolrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/stereo-recorder/internal/config"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// Script and model locations relative to the configured directories.
const (
	CheckEnvScript = "check_env.sh"
	KalibrScript   = "run_kalibr.sh"
	RosbagScript   = "stereo_frames_to_rosbag.py"
	E2VIDScript    = "run_reconstruction.py"
	E2VIDModel     = "pretrained/E2VID_lightweight.pth.tar"
	E2VIDWindowMs  = 33
)

var (
	// ErrEnvMissing means the check script ran and reported the conda
	// environment as absent.
	ErrEnvMissing = errors.New("conda environment E2VID missing")
	// ErrCalibration means kalibr ran and failed.
	ErrCalibration = errors.New("kalibr calibration failed")
)

// Tools binds the runner to the script locations and conda environments.
type Tools struct {
	Runner         *Runner
	E2VIDDir       string
	ScriptsDir     string
	CondaEnvE2VID  string
	CondaEnvPython string
}

// NewTools reads the tool locations from cfg.
func NewTools(r *Runner, cfg *config.CaptureConfig) *Tools {
	return &Tools{
		Runner:         r,
		E2VIDDir:       cfg.GetE2VIDDir(),
		ScriptsDir:     cfg.GetScriptsDir(),
		CondaEnvE2VID:  cfg.GetCondaEnvE2VID(),
		CondaEnvPython: cfg.GetCondaEnvPython(),
	}
}

// scriptError maps the 0/1/other exit convention shared by the shell
// scripts: 1 is a reported failure, anything else means conda or the script
// itself is missing.
func scriptError(err error, reported error) error {
	switch code := ExitCode(err); code {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%w: %w", reported, err)
	case -1:
		return err
	default:
		return fmt.Errorf("conda missing or script not found (exit code %d): %w", code, err)
	}
}

// CheckEnv runs the environment check script.
func (t *Tools) CheckEnv(ctx context.Context) error {
	_, err := t.Runner.Run(ctx, filepath.Join(t.ScriptsDir, CheckEnvScript))
	return scriptError(err, ErrEnvMissing)
}

func (t *Tools) requireFile(path, hint string) error {
	if t.Runner.DryRun {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if hint != "" {
			return fmt.Errorf("could not find %s (%s): %w", path, hint, err)
		}
		return fmt.Errorf("could not find %s: %w", path, err)
	}
	return nil
}

// E2VIDArgs returns the conda command line reconstructing eventFile into
// outDir under datasetName.
func (t *Tools) E2VIDArgs(eventFile, outDir, datasetName string) []string {
	return []string{
		"run", "-n", t.CondaEnvE2VID, "python3", filepath.Join(t.E2VIDDir, E2VIDScript),
		"--path_to_model", filepath.Join(t.E2VIDDir, E2VIDModel),
		"--input_file", eventFile,
		"--output_folder", outDir,
		"--dataset_name", datasetName,
		"--fixed_duration",
		"--window_duration", strconv.Itoa(E2VIDWindowMs),
	}
}

// Reconstruct runs E2VID over one event text file.
func (t *Tools) Reconstruct(ctx context.Context, eventFile, outDir, datasetName string) error {
	if err := t.requireFile(filepath.Join(t.E2VIDDir, E2VIDScript), ""); err != nil {
		return err
	}
	if err := t.requireFile(filepath.Join(t.E2VIDDir, E2VIDModel), "run scripts/install_e2vid_env.sh to download the model"); err != nil {
		return err
	}
	if err := t.CheckEnv(ctx); err != nil {
		return err
	}
	_, err := t.Runner.Run(ctx, "conda", t.E2VIDArgs(eventFile, outDir, datasetName)...)
	return err
}

// ReconstructSession reconstructs both channels' event files from
// intermediateDir into reconstructionDir, left first.
func (t *Tools) ReconstructSession(ctx context.Context, intermediateDir, reconstructionDir string) error {
	for _, ch := range stereo.Channels {
		in := filepath.Join(intermediateDir, ch.String()+"Events.txt")
		if err := t.Reconstruct(ctx, in, reconstructionDir, ch.String()); err != nil {
			return fmt.Errorf("E2VID failed for %s camera: %w", ch, err)
		}
	}
	return nil
}

// CreateRosbag packs the reconstructed frames of sessionDir into a rosbag.
func (t *Tools) CreateRosbag(ctx context.Context, sessionDir string) error {
	if err := t.CheckEnv(ctx); err != nil {
		return err
	}
	script := filepath.Join(t.ScriptsDir, RosbagScript)
	_, err := t.Runner.Run(ctx, "conda", "run", "-n", t.CondaEnvPython, "python3", script, "--path", sessionDir)
	return err
}

// Calibrate runs kalibr over sessionDir; results land in its calibration
// directory.
func (t *Tools) Calibrate(ctx context.Context, sessionDir string) error {
	_, err := t.Runner.Run(ctx, filepath.Join(t.ScriptsDir, KalibrScript), sessionDir)
	return scriptError(err, ErrCalibration)
}
