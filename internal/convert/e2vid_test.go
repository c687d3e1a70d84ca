package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stereo-recorder/internal/fsutil"
	"github.com/banshee-data/stereo-recorder/internal/monitoring"
	"github.com/banshee-data/stereo-recorder/internal/stereo"
	"github.com/banshee-data/stereo-recorder/internal/stereo/metadata"
	"github.com/banshee-data/stereo-recorder/internal/stereo/recorder"
)

// writeRecording creates a small raw directory: a sidecar where only the
// left camera reports a resolution, and a log with an IMU batch mixed in.
func writeRecording(t *testing.T) string {
	t.Helper()
	raw := t.TempDir()

	meta := metadata.Metadata{Cameras: [2]metadata.Camera{
		{Name: "DVX_L", Resolution: stereo.Resolution{Width: 346, Height: 260}, HasResolution: true},
		{Name: "DVX_R"},
	}}
	require.NoError(t, metadata.Write(fsutil.OSFileSystem{}, raw, meta))

	w, err := recorder.Create(filepath.Join(raw, recorder.DirName), [2]recorder.ChannelInfo{
		{Camera: "DVX_L", Resolution: stereo.Resolution{Width: 346, Height: 260}},
		{Camera: "DVX_R"},
	})
	require.NoError(t, err)

	left := w.Channel(stereo.Left)
	require.NoError(t, left.WriteEvents(stereo.NewEventBatch([]stereo.Event{
		{Timestamp: 1000000, X: 1, Y: 2, Polarity: true},
		{Timestamp: 1000033, X: 345, Y: 259},
	})))
	require.NoError(t, left.WriteImuPacket(&stereo.AuxBatch{Type: stereo.KindIMU, Samples: []stereo.AuxSample{
		{Timestamp: 1000040, Values: []float32{0, 0, 9.81}},
	}}))
	require.NoError(t, left.WriteEvents(stereo.NewEventBatch([]stereo.Event{
		{Timestamp: 2500000, Polarity: true},
	})))

	right := w.Channel(stereo.Right)
	require.NoError(t, right.WriteEvents(stereo.NewEventBatch([]stereo.Event{
		{Timestamp: 5, X: 3, Y: 4},
		{Timestamp: 999999, X: 10, Y: 11, Polarity: true},
	})))
	require.NoError(t, w.Close())
	return raw
}

func TestToE2VID_Golden(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	raw := writeRecording(t)
	out := filepath.Join(t.TempDir(), "intermediate")

	results, err := ToE2VID(raw, out)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), results[stereo.Left].Events)
	assert.Equal(t, uint64(2), results[stereo.Right].Events)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, ch := range stereo.Channels {
		data, err := os.ReadFile(filepath.Join(out, EventFileName(ch)))
		require.NoError(t, err)
		g.Assert(t, ch.String()+"Events", data)
	}

	_, err = os.Stat(filepath.Join(out, "leftEvents.txt.tmp"))
	assert.True(t, os.IsNotExist(err), "temporary file removed")
}

func TestToE2VID_SkipsExisting(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	raw := writeRecording(t)
	out := t.TempDir()
	existing := filepath.Join(out, EventFileName(stereo.Left))
	require.NoError(t, os.WriteFile(existing, []byte("keep me\n"), 0o644))

	results, err := ToE2VID(raw, out)
	require.NoError(t, err)
	assert.True(t, results[stereo.Left].Skipped)
	assert.False(t, results[stereo.Right].Skipped)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep me\n", string(data))
}

func TestToE2VID_Errors(t *testing.T) {
	_, err := ToE2VID(t.TempDir(), t.TempDir())
	assert.Error(t, err, "missing sidecar")

	raw := t.TempDir()
	require.NoError(t, metadata.Write(fsutil.OSFileSystem{}, raw, metadata.Metadata{}))
	_, err = ToE2VID(raw, t.TempDir())
	assert.Error(t, err, "missing log")

	w, err := recorder.Create(filepath.Join(raw, recorder.DirName), [2]recorder.ChannelInfo{})
	require.NoError(t, err)
	require.NoError(t, w.Channel(stereo.Left).WriteEvents(stereo.NewEventBatch([]stereo.Event{{Timestamp: 1}})))
	require.NoError(t, w.Close())
	_, err = ToE2VID(raw, t.TempDir())
	assert.ErrorContains(t, err, "right channel has no recorded batches")
}

func TestEventFileName(t *testing.T) {
	assert.Equal(t, "leftEvents.txt", EventFileName(stereo.Left))
	assert.Equal(t, "rightEvents.txt", EventFileName(stereo.Right))
}
