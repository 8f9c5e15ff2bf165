package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// FakeWorker is an httptest server speaking the worker protocol. Executed
// code is echoed back as output.
type FakeWorker struct {
	*httptest.Server

	mu         sync.Mutex
	healthy    bool
	delay      time.Duration
	sessions   []string
	executions map[string][]string
	resets     int
}

// NewFakeWorker starts a healthy worker, closed with the test.
func NewFakeWorker(t *testing.T) *FakeWorker {
	t.Helper()
	w := &FakeWorker{healthy: true, executions: make(map[string][]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", w.health)
	mux.HandleFunc("POST /session", w.session)
	mux.HandleFunc("POST /execute", w.execute)
	mux.HandleFunc("POST /reset", w.reset)
	w.Server = httptest.NewServer(mux)
	t.Cleanup(w.Close)
	return w
}

// SetHealthy toggles the reported health.
func (w *FakeWorker) SetHealthy(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthy = ok
}

// SetDelay makes every execution take at least d.
func (w *FakeWorker) SetDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delay = d
}

// Sessions returns the session ids opened so far.
func (w *FakeWorker) Sessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.sessions...)
}

// Executions returns the code executed under sessionID.
func (w *FakeWorker) Executions(sessionID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.executions[sessionID]...)
}

// Resets returns how many times /reset was called.
func (w *FakeWorker) Resets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resets
}

func (w *FakeWorker) health(rw http.ResponseWriter, _ *http.Request) {
	w.mu.Lock()
	status := "healthy"
	if !w.healthy {
		status = "starting"
	}
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{"status": status, "timestamp": time.Now().Unix()})
}

func (w *FakeWorker) session(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "message": "session_id required"})
		return
	}
	w.mu.Lock()
	w.sessions = append(w.sessions, body.SessionID)
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{
		"status": "success", "session_id": body.SessionID, "container_id": "fake",
	})
}

func (w *FakeWorker) execute(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	sessionID := r.Header.Get("X-Session-ID")

	w.mu.Lock()
	delay := w.delay
	w.executions[sessionID] = append(w.executions[sessionID], body.Code)
	w.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"output": body.Code + "\n", "status": "success", "execution_time": 0.01, "return_code": 0,
	})
}

func (w *FakeWorker) reset(rw http.ResponseWriter, _ *http.Request) {
	w.mu.Lock()
	w.resets++
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{"status": "success"})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
