// Package telemetry publishes live-run statistics: an HTTP endpoint serving
// the current stats document, a short history with server-sent updates and
// a periodic log reporter.
package telemetry

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/rjboer/satstream/internal/logging"
)

// SpectrumKey is the stats entry holding the averaged FFT bins.
const SpectrumKey = "fft_values"

const (
	defaultHistoryLimit = 120
	maxHistoryLimit     = 10_000
)

// Sample is one published statistics document.
type Sample struct {
	Timestamp time.Time      `json:"timestamp"`
	Stats     map[string]any `json:"stats"`
}

// Reporter receives statistics documents.
type Reporter interface {
	Report(stats map[string]any)
}

// MultiReporter fans statistics out to several reporters.
type MultiReporter []Reporter

// Report forwards stats to each configured reporter.
func (m MultiReporter) Report(stats map[string]any) {
	for _, r := range m {
		if r != nil {
			r.Report(stats)
		}
	}
}

// Hub keeps the latest statistics and a bounded history, and fans updates
// out to live subscribers.
type Hub struct {
	mu           sync.RWMutex
	source       func() map[string]any
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	logger       logging.Logger
	started      time.Time
}

// NewHub builds a hub keeping historyLimit samples.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	historyLimit = min(historyLimit, maxHistoryLimit)
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Sample]struct{}),
		logger:       logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
		started:      time.Now(),
	}
}

// SetSource installs the function called for a fresh snapshot on every
// stats request. Without one the last reported document is served.
func (h *Hub) SetSource(fn func() map[string]any) {
	h.mu.Lock()
	h.source = fn
	h.mu.Unlock()
}

// Report implements Reporter and records a new sample.
func (h *Hub) Report(stats map[string]any) {
	sample := Sample{Timestamp: time.Now(), Stats: stats}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// Snapshot returns the current statistics document.
func (h *Hub) Snapshot() map[string]any {
	h.mu.RLock()
	source := h.source
	var last map[string]any
	if n := len(h.history); n > 0 {
		last = h.history[n-1].Stats
	}
	h.mu.RUnlock()
	if source != nil {
		return source()
	}
	if last == nil {
		return map[string]any{}
	}
	return last
}

// History returns a copy of the stored samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Handler returns the HTTP API of the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/spectrum", h.handleSpectrum)
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/health", h.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	writeJSON(w, h.Snapshot())
}

// Spectrum is the response of /api/spectrum.
type Spectrum struct {
	Bins []float32 `json:"bins"`
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	bins, _ := h.Snapshot()[SpectrumKey].([]float32)
	if bins == nil {
		http.Error(w, "spectrum disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, Spectrum{Bins: bins})
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	writeJSON(w, h.History())
}

// Health is the response of /api/health.
type Health struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	NumGoroutine int     `json:"num_goroutine"`
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	writeJSON(w, Health{
		Status:       "ok",
		UptimeS:      time.Since(h.started).Seconds(),
		NumGoroutine: runtime.NumGoroutine(),
	})
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	send := func(sample Sample) {
		payload, err := json.Marshal(sample)
		if err != nil {
			h.logger.Warn("encode live sample", logging.Field{Key: "error", Value: err})
			return
		}
		w.Write([]byte("data: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
	}

	// send existing history for immediate display
	for _, sample := range h.History() {
		send(sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			send(sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
