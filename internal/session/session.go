// Package session lays out recording directories and keeps the session
// catalogue in step with capture runs.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/stereo-recorder/internal/db"
	"github.com/banshee-data/stereo-recorder/internal/security"
	"github.com/banshee-data/stereo-recorder/internal/stereo/capture"
)

// Subdirectories created for every session.
const (
	RawDir            = "raw"
	IntermediateDir   = "intermediate"
	ReconstructionDir = "reconstruction"
	CalibrationDir    = "calibration"
)

// RecordingsDir holds the session directories under the root.
const RecordingsDir = "recordings"

const timeLayout = "20060102_150405"

var subdirs = []string{RawDir, IntermediateDir, ReconstructionDir, CalibrationDir}

// Layout is the on-disk layout of one session.
type Layout struct {
	ID      string
	Dir     string
	Started time.Time
}

func (l Layout) Raw() string            { return filepath.Join(l.Dir, RawDir) }
func (l Layout) Intermediate() string   { return filepath.Join(l.Dir, IntermediateDir) }
func (l Layout) Reconstruction() string { return filepath.Join(l.Dir, ReconstructionDir) }
func (l Layout) Calibration() string    { return filepath.Join(l.Dir, CalibrationDir) }

// Name returns the session directory name, "<YYYYMMDD_HHMMSS>_<id8>".
func (l Layout) Name() string { return filepath.Base(l.Dir) }

// New creates a fresh session directory tree under root.
func New(root string, now time.Time) (Layout, error) {
	id := uuid.New().String()
	name := fmt.Sprintf("%s_%s", now.Format(timeLayout), id[:8])
	l := Layout{ID: id, Dir: filepath.Join(root, RecordingsDir, name), Started: now}
	if _, err := os.Stat(l.Dir); err == nil {
		return Layout{}, fmt.Errorf("session directory %s already exists", l.Dir)
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(l.Dir, sub), 0o755); err != nil {
			return Layout{}, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return l, nil
}

// Open resolves an existing session. ref is either a session directory or
// a session name under root/recordings.
func Open(root, ref string) (Layout, error) {
	dir := ref
	if !filepath.IsAbs(ref) && !strings.ContainsRune(ref, filepath.Separator) {
		recordings := filepath.Join(root, RecordingsDir)
		dir = filepath.Join(recordings, ref)
		if err := security.WithinDir(dir, recordings); err != nil {
			return Layout{}, fmt.Errorf("session %s: %w", ref, err)
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("session %s: %w", ref, err)
	}
	if !info.IsDir() {
		return Layout{}, fmt.Errorf("session %s is not a directory", ref)
	}
	l := Layout{Dir: dir}
	if parts := strings.SplitN(l.Name(), "_", 3); len(parts) == 3 {
		if t, err := time.ParseInLocation(timeLayout, parts[0]+"_"+parts[1], time.Local); err == nil {
			l.Started = t
		}
		l.ID = parts[2]
	}
	return l, nil
}

// Latest returns the most recent session directory under root.
func Latest(root string) (Layout, error) {
	entries, err := os.ReadDir(filepath.Join(root, RecordingsDir))
	if err != nil {
		return Layout{}, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Layout{}, errors.New("no sessions recorded yet")
	}
	sort.Strings(names)
	return Open(root, names[len(names)-1])
}

// Confirm asks question on out and reads a yes/no answer from in. An empty
// answer selects def.
func Confirm(in io.Reader, out io.Writer, question string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", question, hint)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}

// EnsureRoot creates root when missing, asking first when prompt is set.
func EnsureRoot(root string, in io.Reader, out io.Writer, prompt bool) error {
	if info, err := os.Stat(root); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", root)
		}
		return nil
	}
	if prompt && !Confirm(in, out, fmt.Sprintf("Directory %s does not exist. Create it?", root), true) {
		return fmt.Errorf("refusing to record without %s", root)
	}
	return os.MkdirAll(root, 0o755)
}

// Catalogue records session rows around capture runs.
type Catalogue struct {
	DB *db.DB
}

// Begin inserts the row for a starting run.
func (c *Catalogue) Begin(l Layout, source string, visualize bool) (*db.Session, error) {
	s := &db.Session{
		ID:        l.ID,
		Path:      l.Dir,
		Source:    source,
		Visualize: visualize,
		Started:   l.Started,
	}
	if err := c.DB.InsertSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Finish stores the capture outcome. runErr marks the session failed.
func (c *Catalogue) Finish(s *db.Session, sum capture.Summary, ended time.Time, runErr error) error {
	s.Status = db.StatusComplete
	if runErr != nil {
		s.Status = db.StatusFailed
	}
	s.Ended = &ended
	s.StopReason = sum.Reason.String()
	for i, ch := range sum.Channels {
		s.Cameras[i] = ch.Camera
		s.Written[i] = ch.Written
		s.Dropped[i] = ch.Dropped
	}
	s.Windows = sum.Windows
	return c.DB.CompleteSession(s)
}
