package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/stereo-recorder/internal/httputil"
	"github.com/banshee-data/stereo-recorder/internal/monitoring"
)

const (
	// echartsAssetsHost serves the echarts bundle for the stats page.
	echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"
	// maxWindowHistory bounds the window sizes kept for the stats chart.
	maxWindowHistory = 300
	keyBuffer        = 8
)

// KeyResponse is the JSON body answering an accepted key press.
type KeyResponse struct {
	Key  int  `json:"key"`
	Exit bool `json:"exit"`
}

// WindowStat is the size of one rendered window.
type WindowStat struct {
	Index       uint64
	At          time.Time
	LeftEvents  int
	RightEvents int
}

// HTTPSurface is a Surface served over HTTP: the latest frame pair as PNG,
// an auto-refreshing page, a stats chart and a key endpoint that stands in
// for a window's keyboard.
type HTTPSurface struct {
	mu      sync.RWMutex
	left    image.Image
	right   image.Image
	frames  uint64
	history []WindowStat

	keys chan int
	now  func() time.Time
	logf func(format string, v ...interface{})
}

var _ Surface = (*HTTPSurface)(nil)

// NewHTTPSurface creates an empty surface.
func NewHTTPSurface() *HTTPSurface {
	return &HTTPSurface{
		keys: make(chan int, keyBuffer),
		now:  time.Now,
		logf: monitoring.Component("Preview"),
	}
}

// Show stores f as the latest frame.
func (s *HTTPSurface) Show(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.left, s.right = f.Left, f.Right
	s.frames++
	s.history = append(s.history, WindowStat{
		Index:       s.frames,
		At:          s.now(),
		LeftEvents:  f.LeftEvents,
		RightEvents: f.RightEvents,
	})
	if len(s.history) > maxWindowHistory {
		s.history = s.history[len(s.history)-maxWindowHistory:]
	}
}

// PollKey returns the oldest key posted to /preview/key.
func (s *HTTPSurface) PollKey() (int, bool) {
	select {
	case k := <-s.keys:
		return k, true
	default:
		return 0, false
	}
}

// PressKey queues a key press. Presses beyond the buffer are dropped.
func (s *HTTPSurface) PressKey(key int) bool {
	select {
	case s.keys <- key:
		return true
	default:
		return false
	}
}

// Frames returns the number of frames shown.
func (s *HTTPSurface) Frames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

// History returns a copy of the recent window sizes, oldest first.
func (s *HTTPSurface) History() []WindowStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WindowStat, len(s.history))
	copy(out, s.history)
	return out
}

// AttachRoutes mounts the preview handlers on mux under /preview/.
func (s *HTTPSurface) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/preview/", s.handleIndex)
	mux.HandleFunc("/preview/left.png", s.handleImage(func() image.Image { return s.left }))
	mux.HandleFunc("/preview/right.png", s.handleImage(func() image.Image { return s.right }))
	mux.HandleFunc("/preview/stats", s.handleStats)
	mux.HandleFunc("/preview/key", s.handleKey)
}

// Serve runs an HTTP server for the surface on addr until ctx is done.
func (s *HTTPSurface) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logf("serving preview on http://%s/preview/", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("preview server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("preview server force close error: %v", err)
		}
	}
	return nil
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<title>Stereo preview</title>
<meta http-equiv="refresh" content="1">
<style>body{font-family:sans-serif;background:#222;color:#eee} img{margin:4px;border:1px solid #555;max-width:48%%}</style>
</head>
<body>
<h3>Stereo preview (frame %d)</h3>
<img src="left.png?f=%d" alt="left"><img src="right.png?f=%d" alt="right">
<form method="post" action="key?code=113"><button type="submit">Stop capture (q)</button></form>
<p><a href="stats">window stats</a></p>
</body>
</html>
`

func (s *HTTPSurface) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/preview/" {
		http.NotFound(w, r)
		return
	}
	frames := s.Frames()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexHTML, frames, frames, frames)
}

func (s *HTTPSurface) handleImage(get func() image.Image) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		img := get()
		s.mu.RUnlock()

		if img == nil {
			httputil.NotFound(w, "no frame rendered yet")
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to encode image: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	}
}

// handleStats renders the recent window sizes as a line chart.
func (s *HTTPSurface) handleStats(w http.ResponseWriter, r *http.Request) {
	history := s.History()

	x := make([]string, len(history))
	left := make([]opts.LineData, len(history))
	right := make([]opts.LineData, len(history))
	for i, h := range history {
		x[i] = strconv.FormatUint(h.Index, 10)
		left[i] = opts.LineData{Value: h.LeftEvents}
		right[i] = opts.LineData{Value: h.RightEvents}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Preview windows", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Preview window sizes", Subtitle: fmt.Sprintf("windows=%d", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "window", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "events", NameLocation: "middle", NameGap: 45}),
	)
	line.SetXAxis(x).
		AddSeries("left", left).
		AddSeries("right", right)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleKey accepts POST /preview/key?code=<n>. The code is a key code
// (27 for ESC) or a single character such as "q".
func (s *HTTPSurface) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	raw := r.URL.Query().Get("code")
	key, err := parseKey(raw)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.PressKey(key) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "key buffer full")
		return
	}
	s.logf("key %d received", key)

	if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
		http.Redirect(w, r, "/preview/", http.StatusSeeOther)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, KeyResponse{Key: key, Exit: IsExitKey(key)})
}

func parseKey(raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing 'code' parameter")
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n > 255 {
			return 0, fmt.Errorf("key code out of range: %d", n)
		}
		return n, nil
	}
	if len(raw) == 1 {
		return int(raw[0]), nil
	}
	return 0, fmt.Errorf("invalid key code %q", raw)
}
