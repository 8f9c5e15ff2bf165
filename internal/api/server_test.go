package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/mailbox"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/store"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/service"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/testutil"
)

type testEnv struct {
	server   *Server
	http     *httptest.Server
	runtime  *service.Runtime
	sessions *testutil.MockSessions
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()

	sessions := testutil.NewMockSessions()
	bus := events.New(time.Minute)
	mb := mailbox.NewMemory()
	rt, err := service.NewRuntime(service.RuntimeDeps{
		Agent:    agents.DefaultScript(),
		Sessions: sessions,
		Mailbox:  mb,
		Store:    store.NewMemory(),
		Bus:      bus,
		Approval: approval.Config{
			PollInterval:   20 * time.Millisecond,
			Timeout:        10 * time.Second,
			MaxRevisions:   3,
			KeepaliveEvery: 1000,
		},
		Retry: service.NewRetryPolicy(service.WithMaxAttempts(1)),
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	opts = append([]ServerOption{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStreamKeepalive(50 * time.Millisecond),
	}, opts...)
	srv := NewServer(rt, opts...)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
		bus.Close()
		_ = mb.Close()
	})
	return &testEnv{server: srv, http: ts, runtime: rt, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			reader = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *testEnv) submit(t *testing.T, id, input string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/requests", CreateRequestBody{ID: id, Input: input})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: status %d body %s", resp.StatusCode, body)
	}
}

func (e *testEnv) waitTicket(t *testing.T, id string) core.ApprovalTicket {
	t.Helper()
	var ticket core.ApprovalTicket
	testutil.Eventually(t, 3*time.Second, func() bool {
		resp, body := e.do(t, http.MethodGet, "/api/v1/requests/"+id+"/approval", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.Unmarshal(body, &ticket) == nil && ticket.State == core.TicketWaiting
	}, "approval ticket never went live")
	return ticket
}

func (e *testEnv) wait(t *testing.T, id string) *service.RequestView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, _ := e.runtime.Wait(ctx, core.RequestID(id))
	if view == nil {
		t.Fatalf("request %s did not finish", id)
	}
	return view
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithVersion("1.2.3"), WithProvisioner("static"))

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	health := decode[HealthResponse](t, body)
	if health.Status != "healthy" || health.Version != "1.2.3" || health.Provisioner != "static" {
		t.Errorf("unexpected health %+v", health)
	}
	if health.System != nil {
		t.Error("system metrics reported without a collector")
	}
}

func TestHealth_WithDiagnostics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithDiagnostics(diagnostics.NewCollector(time.Minute, diagnostics.Thresholds{})))

	_, body := env.do(t, http.MethodGet, "/health", nil)
	health := decode[HealthResponse](t, body)
	if health.System == nil {
		t.Fatal("expected system metrics")
	}
	if health.System.Process.Goroutines == 0 {
		t.Error("expected goroutine count")
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{name: "empty input", body: CreateRequestBody{Input: "   "}, status: http.StatusBadRequest, code: core.CodeEmptyInput},
		{name: "malformed json", body: "{", status: http.StatusBadRequest},
		{name: "unknown field", body: `{"input":"x","mode":"fast"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/v1/requests", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if tt.code != "" {
				if got := decode[ErrorResponse](t, body); got.Code != tt.code {
					t.Errorf("code = %q, want %q", got.Code, tt.code)
				}
			}
		})
	}
}

func TestRequestLifecycle_ApproveAndStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/requests", CreateRequestBody{ID: "req-1", Input: "how did revenue change?"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/requests/req-1" {
		t.Errorf("Location = %q", loc)
	}
	created := decode[RequestResponse](t, body)
	if created.ID != "req-1" {
		t.Errorf("id = %q", created.ID)
	}

	ticket := env.waitTicket(t, "req-1")
	if ticket.Revision != 0 || !strings.Contains(ticket.Plan, "how did revenue change?") {
		t.Errorf("unexpected ticket %+v", ticket)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/requests/req-1", nil)
	if view := decode[service.RequestView](t, body); view.Request.Status != core.RequestStatusAwaitingApproval {
		t.Errorf("status while waiting = %s", view.Request.Status)
	}

	streamResp, err := env.http.Client().Get(env.http.URL + "/api/v1/requests/req-1/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	resp, body = env.do(t, http.MethodPut, "/api/v1/requests/req-1/approval", core.ApprovalFeedback{Approved: true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("approve: %d %s", resp.StatusCode, body)
	}

	types, end := readStream(t, streamResp.Body)
	if types[0] != events.TypeRequestStarted {
		t.Errorf("first streamed event = %s", types[0])
	}
	if last := types[len(types)-1]; last != events.TypeRequestCompleted {
		t.Errorf("last streamed event = %s", last)
	}
	if end.Status != string(core.RequestStatusCompleted) {
		t.Errorf("end status = %q", end.Status)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/requests/req-1", nil)
	view := decode[service.RequestView](t, body)
	if view.Request.Status != core.RequestStatusCompleted {
		t.Errorf("final status = %s", view.Request.Status)
	}
	if report := view.State.Artifacts["report"]; report == "" {
		t.Error("report artifact missing")
	}

	// The stream consumed every event and tore the queue down.
	_, body = env.do(t, http.MethodGet, "/api/v1/requests/req-1/events", nil)
	drained := decode[struct {
		Events   []events.WireEvent `json:"events"`
		Complete bool               `json:"complete"`
	}](t, body)
	if len(drained.Events) != 0 || !drained.Complete {
		t.Errorf("unexpected drain after stream %+v", drained)
	}
}

// readStream reads SSE frames until the end event.
func readStream(t *testing.T, r io.Reader) ([]string, StreamEnd) {
	t.Helper()
	type frame struct {
		typ  string
		data string
	}
	frames := make(chan frame)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(r)
		var cur frame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.typ != "":
				frames <- cur
				cur = frame{}
			}
		}
	}()

	var types []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed before end event, got %v", types)
			}
			if f.typ == EventEnd {
				var end StreamEnd
				if err := json.Unmarshal([]byte(f.data), &end); err != nil {
					t.Fatalf("decode end: %v", err)
				}
				return types, end
			}
			types = append(types, f.typ)
		case <-timeout:
			t.Fatalf("timed out reading stream, got %v", types)
		}
	}
}

func TestDrainEvents_CloudEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "req-ce", "summarize churn")
	env.waitTicket(t, "req-ce")

	resp, body := env.do(t, http.MethodGet, "/api/v1/requests/req-ce/events?format=cloudevents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	drained := decode[struct {
		Events   []map[string]interface{} `json:"events"`
		Complete bool                     `json:"complete"`
	}](t, body)
	if drained.Complete {
		t.Error("queue reported complete while awaiting approval")
	}
	if len(drained.Events) == 0 {
		t.Fatal("expected events")
	}
	first := drained.Events[0]
	if first["specversion"] != "1.0" {
		t.Errorf("specversion = %v", first["specversion"])
	}
	if first["type"] != events.CloudEventTypePrefix+events.TypeRequestStarted {
		t.Errorf("type = %v", first["type"])
	}
	if first["subject"] != "req-ce" {
		t.Errorf("subject = %v", first["subject"])
	}

	// A second drain only returns what was published since.
	_, body = env.do(t, http.MethodGet, "/api/v1/requests/req-ce/events", nil)
	again := decode[struct {
		Events []events.WireEvent `json:"events"`
	}](t, body)
	for _, ev := range again.Events {
		if ev.Type == events.TypeRequestStarted {
			t.Error("request_started delivered twice")
		}
	}
}

func TestRequest_DuplicateID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "dup", "first")

	resp, body := env.do(t, http.MethodPost, "/api/v1/requests", CreateRequestBody{ID: "dup", Input: "second"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	if got := decode[ErrorResponse](t, body); got.Code != core.CodeRequestRunning {
		t.Errorf("code = %q", got.Code)
	}
}

func TestRequest_Cancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "req-c", "cancel me")
	env.waitTicket(t, "req-c")

	resp, body := env.do(t, http.MethodDelete, "/api/v1/requests/req-c", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel: %d %s", resp.StatusCode, body)
	}
	view := env.wait(t, "req-c")
	if view.Request.Status != core.RequestStatusCancelled {
		t.Errorf("status = %s", view.Request.Status)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/requests/req-c", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/v1/requests/req-c/approval", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("approval after cancel: %d", resp.StatusCode)
	}
	if got := decode[ErrorResponse](t, body); got.Code != core.CodeNoLiveTicket {
		t.Errorf("code = %q", got.Code)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/v1/requests/req-c/approval", core.ApprovalFeedback{Approved: true})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("feedback after cancel status = %d", resp.StatusCode)
	}
}

func TestRequest_Revise(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "req-r", "forecast demand")
	env.waitTicket(t, "req-r")

	resp, _ := env.do(t, http.MethodPut, "/api/v1/requests/req-r/approval",
		core.ApprovalFeedback{Approved: false, Feedback: "add a seasonality check"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("revise status = %d", resp.StatusCode)
	}

	var ticket core.ApprovalTicket
	testutil.Eventually(t, 3*time.Second, func() bool {
		tk, ok := env.runtime.Ticket("req-r")
		ticket = tk
		return ok && tk.Revision == 1 && tk.State == core.TicketWaiting
	}, "revised ticket never went live")
	if !strings.Contains(ticket.Plan, "seasonality") {
		t.Errorf("revised plan ignores feedback: %q", ticket.Plan)
	}

	env.do(t, http.MethodPut, "/api/v1/requests/req-r/approval", core.ApprovalFeedback{Approved: true})
	if view := env.wait(t, "req-r"); view.Request.Status != core.RequestStatusCompleted {
		t.Errorf("status = %s", view.Request.Status)
	}
}

func TestUnknownRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	paths := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodGet, "/api/v1/requests/nope", nil},
		{http.MethodDelete, "/api/v1/requests/nope", nil},
		{http.MethodGet, "/api/v1/requests/nope/events", nil},
		{http.MethodGet, "/api/v1/requests/nope/stream", nil},
		{http.MethodGet, "/api/v1/requests/nope/approval", nil},
		{http.MethodPut, "/api/v1/requests/nope/approval", core.ApprovalFeedback{Approved: true}},
		{http.MethodDelete, "/api/v1/sessions/nope", nil},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp, body := env.do(t, p.method, p.path, p.body)
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("status = %d (%s)", resp.StatusCode, body)
			}
		})
	}
}

func TestListRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "a", "first")
	env.submit(t, "b", "second")

	resp, body := env.do(t, http.MethodGet, "/api/v1/requests?limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if list := decode[[]RequestResponse](t, body); len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/requests?limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}

	testutil.Eventually(t, 3*time.Second, func() bool {
		_, body = env.do(t, http.MethodGet, "/api/v1/approvals", nil)
		return len(decode[[]core.ApprovalTicket](t, body)) == 2
	}, "both requests should await approval")
}

func TestSessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if got := strings.TrimSpace(string(body)); got != "[]" {
		t.Errorf("empty session list = %s", got)
	}

	if _, err := env.sessions.Acquire(context.Background(), "held"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, body = env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if list := decode[[]core.ExecutionSession](t, body); len(list) != 1 || list[0].RequestID != "held" {
		t.Errorf("sessions = %+v", list)
	}

	env.sessions.MarkUnhealthy("held")
	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions/held/probe", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe status = %d", resp.StatusCode)
	}
	if probed := decode[core.ExecutionSession](t, body); probed.State != core.SessionUnhealthy {
		t.Errorf("probed state = %s", probed.State)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/sessions/nobody/probe", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("probe of unknown session = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/sessions/held", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("release status = %d", resp.StatusCode)
	}
	if n := env.sessions.CallCount("Release", "held"); n != 1 {
		t.Errorf("Release calls = %d", n)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "m1", "count things")
	env.waitTicket(t, "m1")
	env.do(t, http.MethodPut, "/api/v1/requests/m1/approval", core.ApprovalFeedback{Approved: true})
	env.wait(t, "m1")

	resp, body := env.do(t, http.MethodGet, "/api/v1/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	m := decode[MetricsResponse](t, body)
	if m.Runtime.RequestsStarted != 1 || m.Runtime.RequestsCompleted != 1 || m.Runtime.Approved != 1 {
		t.Errorf("unexpected runtime metrics %+v", m.Runtime)
	}
	if len(m.Tools) == 0 {
		t.Error("expected tool metrics")
	}
}
