package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"circadgo/internal/auth"
	"circadgo/internal/client"
	"circadgo/internal/events"
	"circadgo/internal/models"
	"circadgo/internal/service/analysis"
	"circadgo/internal/service/reports"
	"circadgo/internal/storage"
	"circadgo/internal/worker"
)

type fakeSessions struct {
	mu       sync.Mutex
	username string
	loginErr error
}

func (f *fakeSessions) Login(_ context.Context, username, password string) error {
	if username == "" || password == "" {
		return auth.ErrMissingCredentials
	}
	if f.loginErr != nil {
		return f.loginErr
	}
	f.mu.Lock()
	f.username = username
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Register(ctx context.Context, username, password string) error {
	return f.Login(ctx, username, password)
}

func (f *fakeSessions) Logout(context.Context) {
	f.mu.Lock()
	f.username = ""
	f.mu.Unlock()
}

func (f *fakeSessions) Session(context.Context) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.username, f.username != ""
}

// fakeBackend plays the remote API for upload, analysis and task status.
type fakeBackend struct {
	uploadErr error
	async     bool
	uploaded  []string
}

func (b *fakeBackend) Upload(_ context.Context, name string, content io.Reader) (models.UploadHandle, error) {
	if b.uploadErr != nil {
		return models.UploadHandle{}, b.uploadErr
	}
	data, _ := io.ReadAll(content)
	b.uploaded = append(b.uploaded, name+":"+string(data))
	return models.UploadHandle{FileID: "3"}, nil
}

func (b *fakeBackend) Analyze(context.Context, models.FileID) (models.AnalyzeResponse, error) {
	if b.async {
		return models.AnalyzeResponse{TaskID: "t-1"}, nil
	}
	r := sampleResult()
	return models.AnalyzeResponse{Result: &r}, nil
}

func (b *fakeBackend) TaskStatus(context.Context, string) (models.TaskStatus, error) {
	return models.TaskStatus{State: models.TaskRunning}, nil
}

func sampleResult() models.AnalysisResult {
	forecast := 125.0
	return models.AnalysisResult{
		ID:               11,
		Status:           models.StatusHealthy,
		MeanResistance:   120.5,
		DataPoints:       []models.DataPoint{{Time: 0, Resistance: 120}, {Time: 1, Resistance: 121}},
		ForecastNextMean: &forecast,
	}
}

type fakeHistory struct {
	results     []models.AnalysisResult
	err         error
	invalidated int
}

func (f *fakeHistory) Results(context.Context, bool) ([]models.AnalysisResult, error) {
	return f.results, f.err
}

func (f *fakeHistory) Overview(_ context.Context, window int) (reports.Overview, error) {
	if f.err != nil {
		return reports.Overview{}, f.err
	}
	return reports.Overview{Summary: reports.Summarize(f.results, window)}, nil
}

func (f *fakeHistory) Invalidate() { f.invalidated++ }

type fakeExports struct{}

func (fakeExports) PDF(_ context.Context, req models.ReportRequest) (reports.Export, error) {
	return reports.Export{Path: "/tmp/" + req.Title + ".pdf", Size: 8}, nil
}

func (fakeExports) CSV(context.Context, []int64) (reports.Export, error) {
	return reports.Export{Path: "/tmp/CIRCAD_Report.csv", Size: 4}, nil
}

type fakeAdmin struct {
	calls []string
}

func (f *fakeAdmin) record(op string) (map[string]any, error) {
	f.calls = append(f.calls, op)
	return map[string]any{"ok": op}, nil
}

func (f *fakeAdmin) SystemStatus(context.Context) (map[string]any, error) {
	return f.record("status")
}

func (f *fakeAdmin) ResetAll(context.Context) (map[string]any, error) {
	return f.record("reset-all")
}

func (f *fakeAdmin) ResetDBOnly(context.Context) (map[string]any, error) {
	return f.record("reset-db")
}

func (f *fakeAdmin) ClearUploads(context.Context) (map[string]any, error) {
	return f.record("clear-uploads")
}

func (f *fakeAdmin) DeleteFile(context.Context, int64) (map[string]any, error) {
	return f.record("delete-file")
}

func (f *fakeAdmin) DeleteAnalysis(context.Context, int64) (map[string]any, error) {
	return nil, &client.StatusError{Method: http.MethodDelete, Path: "admin/delete-analysis/9/", StatusCode: http.StatusNotFound}
}

func (f *fakeAdmin) Forecast(_ context.Context, id int64) (map[string]any, error) {
	if id == 404 {
		return nil, &client.StatusError{Method: http.MethodGet, Path: "forecast/analysis/404/", StatusCode: http.StatusNotFound}
	}
	return map[string]any{"analysis_id": float64(id), "forecast_next_mean": 130.5}, nil
}

type testServer struct {
	router   *gin.Engine
	handler  *Handler
	backend  *fakeBackend
	results  *analysis.ResultStore
	polls    *worker.Manager
	history  *fakeHistory
	admin    *fakeAdmin
	sessions *fakeSessions
	bus      *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t)
	bus := events.NewBus()
	backend := &fakeBackend{}
	results := analysis.NewResultStore(storage.NewMemoryStore(), bus, log)
	polls := worker.NewManager(worker.NewPoller(backend, results, worker.Options{Interval: time.Hour}, log))
	t.Cleanup(polls.StopAll)

	ts := &testServer{
		backend:  backend,
		results:  results,
		polls:    polls,
		history:  &fakeHistory{},
		admin:    &fakeAdmin{},
		sessions: &fakeSessions{},
		bus:      bus,
	}
	ts.handler = NewHandler(Deps{
		Sessions:    ts.sessions,
		Submissions: analysis.NewOrchestrator(backend, results, polls, bus, log, analysis.OrchestratorConfig{}),
		Last:        results,
		Tasks:       polls,
		History:     ts.history,
		Exports:     fakeExports{},
		Admin:       ts.admin,
		Forecasts:   ts.admin,
		Bus:         bus,
		Log:         log,
	})
	ts.router = gin.New()
	ts.handler.RegisterRoutes(ts.router)
	return ts
}

func TestSessionFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/login", map[string]string{"username": "", "password": ""}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/login", map[string]string{"username": "ops", "password": "pw"}, nil)
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, ts.router, http.MethodGet, "/api/session", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var session struct {
		LoggedIn bool   `json:"logged_in"`
		Username string `json:"username"`
	}
	decodeJSON(t, resp.Body.Bytes(), &session)
	if !session.LoggedIn || session.Username != "ops" {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/logout", nil, nil)
	assertStatus(t, resp, http.StatusNoContent)
	if _, ok := ts.sessions.Session(context.Background()); ok {
		t.Fatalf("expected logout to clear the session")
	}
}

func TestLoginRejectedUpstream(t *testing.T) {
	ts := newTestServer(t)
	ts.sessions.loginErr = &client.StatusError{Method: http.MethodPost, Path: "token/", StatusCode: http.StatusUnauthorized}
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/login", map[string]string{"username": "ops", "password": "bad"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestUploadWithoutFile(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/upload", nil, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	var body struct {
		Messages []string `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Messages) != 1 || body.Messages[0] != analysis.MsgChooseFile {
		t.Fatalf("unexpected messages: %v", body.Messages)
	}
	if len(ts.backend.uploaded) != 0 {
		t.Fatalf("no upload expected")
	}
}

func TestUploadSynchronousResult(t *testing.T) {
	ts := newTestServer(t)
	resp := doUpload(t, ts.router, "trace.csv", "time,resistance\n0,120\n")
	assertStatus(t, resp, http.StatusOK)

	var body struct {
		Kind     string                 `json:"kind"`
		Result   *models.AnalysisResult `json:"result"`
		Messages []string               `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Kind != string(analysis.Completed) || body.Result == nil || body.Result.ID != 11 {
		t.Fatalf("unexpected upload body: %s", resp.Body.String())
	}
	want := []string{analysis.MsgUploading, analysis.MsgStarting, analysis.MsgComplete}
	if strings.Join(body.Messages, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", body.Messages, want)
	}
	if len(ts.backend.uploaded) != 1 || ts.backend.uploaded[0] != "trace.csv:time,resistance\n0,120\n" {
		t.Fatalf("unexpected upload: %v", ts.backend.uploaded)
	}

	last := doJSONRequest(t, ts.router, http.MethodGet, "/api/analysis/last", nil, nil)
	assertStatus(t, last, http.StatusOK)

	series := doJSONRequest(t, ts.router, http.MethodGet, "/api/analysis/last/series", nil, nil)
	assertStatus(t, series, http.StatusOK)
	var seriesBody struct {
		Points []reports.SeriesPoint `json:"points"`
	}
	decodeJSON(t, series.Body.Bytes(), &seriesBody)
	if len(seriesBody.Points) != 3 || seriesBody.Points[2].Forecast == nil {
		t.Fatalf("expected forecast point, got %+v", seriesBody.Points)
	}

	csv := doJSONRequest(t, ts.router, http.MethodGet, "/api/analysis/last/csv", nil, nil)
	assertStatus(t, csv, http.StatusOK)
	if !strings.HasPrefix(csv.Body.String(), "time,resistance\n") {
		t.Fatalf("unexpected csv: %q", csv.Body.String())
	}
}

func TestUploadQueuedAndCancel(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.async = true

	resp := doUpload(t, ts.router, "trace.csv", "time,resistance\n")
	assertStatus(t, resp, http.StatusAccepted)
	var body struct {
		TaskID string `json:"task_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.TaskID != "t-1" {
		t.Fatalf("unexpected task id %q", body.TaskID)
	}

	tasks := doJSONRequest(t, ts.router, http.MethodGet, "/api/tasks", nil, nil)
	assertStatus(t, tasks, http.StatusOK)
	if !strings.Contains(tasks.Body.String(), "t-1") {
		t.Fatalf("task not listed: %s", tasks.Body.String())
	}

	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/tasks/t-1", nil, nil), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/tasks/t-1", nil, nil), http.StatusNotFound)
}

func TestUploadFailureAndSessionExpiry(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.uploadErr = errors.New("connection refused")
	assertStatus(t, doUpload(t, ts.router, "a.csv", "x"), http.StatusBadGateway)

	ts.backend.uploadErr = client.ErrSessionExpired
	resp := doUpload(t, ts.router, "a.csv", "x")
	assertStatus(t, resp, http.StatusUnauthorized)
	if !strings.Contains(resp.Body.String(), analysis.MsgSessionExpired) {
		t.Fatalf("expected session expired message, got %s", resp.Body.String())
	}
}

func TestLastAnalysisMissing(t *testing.T) {
	ts := newTestServer(t)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/analysis/last", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/analysis/last/csv", nil, nil), http.StatusNotFound)
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t)
	ts.history.results = []models.AnalysisResult{
		{ID: 1, Status: models.StatusHealthy, CreatedAt: time.Now().Add(-time.Hour)},
		{ID: 2, Status: models.StatusFaulty, CreatedAt: time.Now()},
	}
	resp := doJSONRequest(t, ts.router, http.MethodGet, "/api/dashboard?refresh=true", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var ov reports.Overview
	decodeJSON(t, resp.Body.Bytes(), &ov)
	if ov.Summary.Total != 2 || ov.Summary.HealthIndex != 50 || ov.Summary.FaultPercentage != 50 {
		t.Fatalf("unexpected summary: %+v", ov.Summary)
	}
	if ts.history.invalidated != 1 {
		t.Fatalf("refresh should invalidate history")
	}
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/dashboard?window=0", nil, nil), http.StatusBadRequest)

	ts.history.err = client.ErrSessionExpired
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/results", nil, nil), http.StatusUnauthorized)
}

func TestReports(t *testing.T) {
	ts := newTestServer(t)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/reports/pdf", map[string]any{}, nil), http.StatusBadRequest)

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/reports/pdf",
		map[string]any{"analysis_ids": []int64{1}, "title": "weekly"}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var out reports.Export
	decodeJSON(t, resp.Body.Bytes(), &out)
	if out.Path != "/tmp/weekly.pdf" {
		t.Fatalf("unexpected export: %+v", out)
	}

	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/reports/csv", map[string]any{"analysis_ids": []int64{1, 2}}, nil)
	assertStatus(t, resp, http.StatusCreated)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/admin/status", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/admin/reset-all", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/admin/drop-everything", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/admin/files/abc", nil, nil), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/admin/files/4", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/admin/analyses/9", nil, nil), http.StatusNotFound)

	if strings.Join(ts.admin.calls, ",") != "status,reset-all,delete-file" {
		t.Fatalf("unexpected admin calls: %v", ts.admin.calls)
	}
	if ts.history.invalidated != 2 {
		t.Fatalf("mutating admin calls should invalidate history, got %d", ts.history.invalidated)
	}
}

func TestForecast(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSONRequest(t, ts.router, http.MethodGet, "/api/forecast/7", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["forecast_next_mean"] != 130.5 {
		t.Fatalf("unexpected forecast body: %v", body)
	}
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/forecast/404", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/forecast/x", nil, nil), http.StatusBadRequest)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSE(t, reader)
	if first.Name != "ready" {
		t.Fatalf("expected ready event, got %+v", first)
	}

	ts.bus.Publish(events.Event{Type: events.SubmissionStatus, Message: analysis.MsgUploading})
	ev := readSSE(t, reader)
	if ev.Name != string(events.SubmissionStatus) {
		t.Fatalf("unexpected event %+v", ev)
	}
	var payload events.Event
	decodeJSON(t, []byte(ev.Data), &payload)
	if payload.Message != analysis.MsgUploading {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

type sseEvent struct {
	Name string
	Data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	type lineResult struct {
		ev  sseEvent
		err error
	}
	ch := make(chan lineResult, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- lineResult{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if ev.Name != "" || ev.Data != "" {
					ch <- lineResult{ev: ev}
					return
				}
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read stream: %v", res.err)
		}
		return res.ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out reading event")
	}
	return sseEvent{}
}

func doUpload(t *testing.T, router *gin.Engine, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
