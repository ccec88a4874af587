package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"circadgo/internal/auth"
	"circadgo/internal/client"
	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
	"circadgo/internal/service/analysis"
	"circadgo/internal/service/reports"
)

const maxUploadBytes = 64 << 20

type Sessions interface {
	Login(ctx context.Context, username, password string) error
	Register(ctx context.Context, username, password string) error
	Logout(ctx context.Context)
	Session(ctx context.Context) (string, bool)
}

type Submitter interface {
	Submit(ctx context.Context, file *analysis.File, report analysis.StatusFunc) (analysis.Outcome, error)
}

type LastResult interface {
	Get(ctx context.Context) (models.AnalysisResult, bool)
}

// Tasks controls background polls. worker.Manager satisfies it.
type Tasks interface {
	Cancel(taskID string) bool
	Active() []string
}

type History interface {
	Results(ctx context.Context, refresh bool) ([]models.AnalysisResult, error)
	Overview(ctx context.Context, window int) (reports.Overview, error)
	Invalidate()
}

type Exports interface {
	PDF(ctx context.Context, req models.ReportRequest) (reports.Export, error)
	CSV(ctx context.Context, analysisIDs []int64) (reports.Export, error)
}

// Admin is the maintenance part of the remote API. client.Client satisfies it.
type Admin interface {
	SystemStatus(ctx context.Context) (map[string]any, error)
	ResetAll(ctx context.Context) (map[string]any, error)
	ResetDBOnly(ctx context.Context) (map[string]any, error)
	ClearUploads(ctx context.Context) (map[string]any, error)
	DeleteFile(ctx context.Context, fileID int64) (map[string]any, error)
	DeleteAnalysis(ctx context.Context, analysisID int64) (map[string]any, error)
}

// Forecasts fetches the backend forecast for one analysis.
type Forecasts interface {
	Forecast(ctx context.Context, analysisID int64) (map[string]any, error)
}

// Deps are the services behind the local HTTP surface.
type Deps struct {
	Sessions    Sessions
	Submissions Submitter
	Last        LastResult
	Tasks       Tasks
	History     History
	Exports     Exports
	Admin       Admin
	Forecasts   Forecasts
	Bus         *events.Bus
	TrendWindow int
	Log         *zap.Logger
}

// Handler exposes the client lifecycle to local tools and browsers.
type Handler struct {
	Deps
	log *zap.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.TrendWindow <= 0 {
		deps.TrendWindow = 3
	}
	return &Handler{Deps: deps, log: logger.OrNop(deps.Log).Named("api")}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/session", h.session)
	api.POST("/login", h.login)
	api.POST("/register", h.register)
	api.POST("/logout", h.logout)

	api.POST("/upload", h.upload)
	api.GET("/analysis/last", h.lastAnalysis)
	api.GET("/analysis/last/series", h.lastSeries)
	api.GET("/analysis/last/csv", h.lastCSV)
	api.GET("/forecast/:id", h.forecast)
	api.GET("/tasks", h.listTasks)
	api.DELETE("/tasks/:id", h.cancelTask)

	api.GET("/results", h.listResults)
	api.GET("/dashboard", h.dashboard)
	api.POST("/reports/pdf", h.pdfReport)
	api.POST("/reports/csv", h.csvReport)

	admin := api.Group("/admin")
	admin.GET("/status", h.adminStatus)
	admin.POST("/:op", h.adminOp)
	admin.DELETE("/files/:id", h.adminDeleteFile)
	admin.DELETE("/analyses/:id", h.adminDeleteAnalysis)

	api.GET("/events", h.eventStream)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) session(c *gin.Context) {
	username, ok := h.Sessions.Session(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"logged_in": ok, "username": username})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.Sessions.Login(c.Request.Context(), req.Username, req.Password); err != nil {
		h.authFailure(c, err)
		return
	}
	username, _ := h.Sessions.Session(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"username": username})
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.Sessions.Register(c.Request.Context(), req.Username, req.Password); err != nil {
		h.authFailure(c, err)
		return
	}
	username, _ := h.Sessions.Session(c.Request.Context())
	c.JSON(http.StatusCreated, gin.H{"username": username})
}

func (h *Handler) authFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case client.IsStatus(err, http.StatusUnauthorized), client.IsStatus(err, http.StatusBadRequest):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		h.upstreamFailure(c, err)
	}
}

func (h *Handler) logout(c *gin.Context) {
	h.Sessions.Logout(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// statusLog collects submission messages, including those sent after the
// request has been answered.
type statusLog struct {
	mu   sync.Mutex
	msgs []string
}

func (s *statusLog) add(msg string) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *statusLog) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (h *Handler) upload(c *gin.Context) {
	var file *analysis.File
	if fh, err := c.FormFile("file"); err == nil {
		if fh.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
			return
		}
		defer f.Close()
		file = &analysis.File{Name: fh.Filename, Content: f}
	}

	var log statusLog
	out, err := h.Submissions.Submit(c.Request.Context(), file, log.add)
	if err != nil {
		status := http.StatusBadGateway
		var inputErr *analysis.InputError
		switch {
		case errors.As(err, &inputErr):
			status = http.StatusBadRequest
		case errors.Is(err, analysis.ErrSubmissionInFlight):
			status = http.StatusConflict
		case errors.Is(err, client.ErrSessionExpired):
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error(), "messages": log.snapshot()})
		return
	}

	body := gin.H{
		"kind":     out.Kind,
		"file_id":  out.FileID,
		"messages": log.snapshot(),
	}
	if out.Kind == analysis.Queued {
		body["task_id"] = out.TaskID
		c.JSON(http.StatusAccepted, body)
		return
	}
	body["result"] = out.Result
	c.JSON(http.StatusOK, body)
}

func (h *Handler) currentResult(c *gin.Context) (models.AnalysisResult, bool) {
	r, ok := h.Last.Get(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis yet"})
	}
	return r, ok
}

func (h *Handler) lastAnalysis(c *gin.Context) {
	if r, ok := h.currentResult(c); ok {
		c.JSON(http.StatusOK, r)
	}
}

func (h *Handler) lastSeries(c *gin.Context) {
	if r, ok := h.currentResult(c); ok {
		c.JSON(http.StatusOK, gin.H{"analysis_id": r.ID, "points": reports.Series(r)})
	}
}

func (h *Handler) lastCSV(c *gin.Context) {
	r, ok := h.currentResult(c)
	if !ok {
		return
	}
	data, err := reports.DataPointsCSV(r)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "render csv failed"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="analysis_%d.csv"`, r.ID))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

func (h *Handler) forecast(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	body, err := h.Forecasts.Forecast(c.Request.Context(), id)
	if err != nil {
		h.upstreamFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": h.Tasks.Active()})
}

func (h *Handler) cancelTask(c *gin.Context) {
	if !h.Tasks.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task is not being tracked"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listResults(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	results, err := h.History.Results(c.Request.Context(), refresh)
	if err != nil {
		h.upstreamFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) dashboard(c *gin.Context) {
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		h.History.Invalidate()
	}
	window := h.TrendWindow
	if raw := c.Query("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = n
	}
	ov, err := h.History.Overview(c.Request.Context(), window)
	if err != nil {
		h.upstreamFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *Handler) pdfReport(c *gin.Context) {
	var req models.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.AnalysisIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "analysis_ids is required"})
		return
	}
	out, err := h.Exports.PDF(c.Request.Context(), req)
	if err != nil {
		h.upstreamFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) csvReport(c *gin.Context) {
	var req struct {
		AnalysisIDs []int64 `json:"analysis_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.AnalysisIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "analysis_ids is required"})
		return
	}
	out, err := h.Exports.CSV(c.Request.Context(), req.AnalysisIDs)
	if err != nil {
		h.upstreamFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) adminStatus(c *gin.Context) {
	h.respondAdmin(c, func(ctx context.Context) (map[string]any, error) {
		return h.Admin.SystemStatus(ctx)
	}, false)
}

func (h *Handler) adminOp(c *gin.Context) {
	var op func(context.Context) (map[string]any, error)
	switch c.Param("op") {
	case "reset-all":
		op = h.Admin.ResetAll
	case "reset-db":
		op = h.Admin.ResetDBOnly
	case "clear-uploads":
		op = h.Admin.ClearUploads
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown admin operation"})
		return
	}
	h.respondAdmin(c, op, true)
}

func (h *Handler) adminDeleteFile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.respondAdmin(c, func(ctx context.Context) (map[string]any, error) {
		return h.Admin.DeleteFile(ctx, id)
	}, true)
}

func (h *Handler) adminDeleteAnalysis(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.respondAdmin(c, func(ctx context.Context) (map[string]any, error) {
		return h.Admin.DeleteAnalysis(ctx, id)
	}, true)
}

// respondAdmin runs op and, for mutating calls, drops cached history.
func (h *Handler) respondAdmin(c *gin.Context, op func(context.Context) (map[string]any, error), mutates bool) {
	body, err := op(c.Request.Context())
	if err != nil {
		h.upstreamFailure(c, err)
		return
	}
	if mutates {
		h.History.Invalidate()
	}
	c.JSON(http.StatusOK, body)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// upstreamFailure maps remote API errors onto local responses.
func (h *Handler) upstreamFailure(c *gin.Context, err error) {
	var se *client.StatusError
	switch {
	case errors.Is(err, client.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": analysis.MsgSessionExpired})
	case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		h.log.Warn("upstream call failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

const keepAliveInterval = 15 * time.Second

// eventStream forwards bus events as server-sent events until the client
// goes away.
func (h *Handler) eventStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	sub := h.Bus.Subscribe(64)
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	username, loggedIn := h.Sessions.Session(c.Request.Context())
	if err := sendEvent("ready", gin.H{"logged_in": loggedIn, "username": username}); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sendEvent(string(e.Type), e); err != nil {
				return
			}
		}
	}
}
