package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical capture defaults file.
const DefaultConfigPath = "config/capture.defaults.json"

// Built-in defaults, used for any field a config file leaves out.
const (
	DefaultQueueCapacity  = 5
	DefaultSliceThreshold = 15000
	DefaultSliceMode      = "combined"
	DefaultWaitTimeout    = 50 * time.Millisecond
	DefaultIdleSleep      = time.Millisecond
	DefaultStatsInterval  = 10 * time.Second
	DefaultPreviewListen  = "localhost:8090"
	DefaultE2VIDDir       = "rpg_e2vid"
	DefaultScriptsDir     = "scripts"
	DefaultCondaEnvE2VID  = "E2VID"
	DefaultCondaEnvPython = "stereo-tools"
)

// CaptureConfig holds the tunables for a capture run and the external
// tool locations. Pointer fields distinguish "unset" from zero values so
// partial files fall back to the defaults above.
type CaptureConfig struct {
	// Visualisation path
	QueueCapacity       *int    `json:"queue_capacity,omitempty"`
	SliceThreshold      *int    `json:"slice_threshold,omitempty"`
	SliceMode           *string `json:"slice_mode,omitempty"` // "combined" or "left"
	FlushTrailingWindow *bool   `json:"flush_trailing_window,omitempty"`
	WaitTimeout         *string `json:"wait_timeout,omitempty"` // duration string like "50ms"

	// Producer
	IdleSleep     *string `json:"idle_sleep,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"`

	PreviewListen *string `json:"preview_listen,omitempty"`

	// External tools
	E2VIDDir       *string `json:"e2vid_dir,omitempty"`
	ScriptsDir     *string `json:"scripts_dir,omitempty"`
	CondaEnvE2VID  *string `json:"conda_env_e2vid,omitempty"`
	CondaEnvPython *string `json:"conda_env_python,omitempty"`
}

// EmptyCaptureConfig returns a CaptureConfig with every field unset; the
// Get* methods then return the built-in defaults.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads a CaptureConfig from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *CaptureConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/stereo/capture/
	}
	for _, path := range candidates {
		if cfg, err := LoadCaptureConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CaptureConfig) Validate() error {
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", *c.QueueCapacity)
	}
	if c.SliceThreshold != nil && *c.SliceThreshold < 1 {
		return fmt.Errorf("slice_threshold must be at least 1, got %d", *c.SliceThreshold)
	}
	if c.SliceMode != nil {
		switch *c.SliceMode {
		case "", "combined", "left":
		default:
			return fmt.Errorf("slice_mode must be \"combined\" or \"left\", got %q", *c.SliceMode)
		}
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"wait_timeout", c.WaitTimeout},
		{"idle_sleep", c.IdleSleep},
		{"stats_interval", c.StatsInterval},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, v)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func stringOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

// GetQueueCapacity returns the per-channel visualisation queue capacity.
func (c *CaptureConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return DefaultQueueCapacity
	}
	return *c.QueueCapacity
}

// GetSliceThreshold returns the event count per preview window.
func (c *CaptureConfig) GetSliceThreshold() int {
	if c.SliceThreshold == nil {
		return DefaultSliceThreshold
	}
	return *c.SliceThreshold
}

func (c *CaptureConfig) GetSliceMode() string {
	return stringOr(c.SliceMode, DefaultSliceMode)
}

// GetFlushTrailingWindow reports whether the partial window left at stream
// end is rendered. Defaults to false.
func (c *CaptureConfig) GetFlushTrailingWindow() bool {
	if c.FlushTrailingWindow == nil {
		return false
	}
	return *c.FlushTrailingWindow
}

func (c *CaptureConfig) GetWaitTimeout() time.Duration {
	return durationOr(c.WaitTimeout, DefaultWaitTimeout)
}

func (c *CaptureConfig) GetIdleSleep() time.Duration {
	return durationOr(c.IdleSleep, DefaultIdleSleep)
}

func (c *CaptureConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, DefaultStatsInterval)
}

func (c *CaptureConfig) GetPreviewListen() string {
	return stringOr(c.PreviewListen, DefaultPreviewListen)
}

func (c *CaptureConfig) GetE2VIDDir() string {
	return stringOr(c.E2VIDDir, DefaultE2VIDDir)
}

func (c *CaptureConfig) GetScriptsDir() string {
	return stringOr(c.ScriptsDir, DefaultScriptsDir)
}

func (c *CaptureConfig) GetCondaEnvE2VID() string {
	return stringOr(c.CondaEnvE2VID, DefaultCondaEnvE2VID)
}

func (c *CaptureConfig) GetCondaEnvPython() string {
	return stringOr(c.CondaEnvPython, DefaultCondaEnvPython)
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// SetQueueCapacity overrides queue_capacity, typically from a CLI flag.
func (c *CaptureConfig) SetQueueCapacity(v int) { c.QueueCapacity = ptrInt(v) }

// SetSliceThreshold overrides slice_threshold.
func (c *CaptureConfig) SetSliceThreshold(v int) { c.SliceThreshold = ptrInt(v) }

// SetSliceMode overrides slice_mode.
func (c *CaptureConfig) SetSliceMode(v string) { c.SliceMode = ptrString(v) }

// SetFlushTrailingWindow overrides flush_trailing_window.
func (c *CaptureConfig) SetFlushTrailingWindow(v bool) { c.FlushTrailingWindow = ptrBool(v) }

// SetPreviewListen overrides preview_listen.
func (c *CaptureConfig) SetPreviewListen(v string) { c.PreviewListen = ptrString(v) }
