package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"

	"circadgo/internal/models"
)

// Login is public: it never carries a bearer token or triggers a refresh.
func (c *Client) Login(ctx context.Context, username, password string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.doJSON(ctx, http.MethodPost, "login/", true,
		map[string]string{"username": username, "password": password}, &pair)
	return pair, err
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.doJSON(ctx, http.MethodPost, "register/", true,
		map[string]string{"username": username, "password": password}, nil)
}

// ErrMissingFileID means the upload succeeded without returning a file id.
var ErrMissingFileID = errors.New("upload response carried no file_id")

// Upload sends one file as the multipart field "file".
func (c *Client) Upload(ctx context.Context, name string, content io.Reader) (models.UploadHandle, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return models.UploadHandle{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return models.UploadHandle{}, fmt.Errorf("read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return models.UploadHandle{}, fmt.Errorf("build upload: %w", err)
	}

	resp, err := c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "upload/",
		Body:        buf.Bytes(),
		ContentType: mw.FormDataContentType(),
	})
	if err != nil {
		return models.UploadHandle{}, err
	}
	var handle models.UploadHandle
	if err := json.Unmarshal(resp.Body, &handle); err != nil {
		return models.UploadHandle{}, fmt.Errorf("decode upload response: %w", err)
	}
	if handle.FileID == "" {
		return models.UploadHandle{}, ErrMissingFileID
	}
	return handle, nil
}

// Analyze starts analysis of an uploaded file. The backend either answers
// with the finished result or with a task id to poll.
func (c *Client) Analyze(ctx context.Context, fileID models.FileID) (models.AnalyzeResponse, error) {
	var out models.AnalyzeResponse
	err := c.doJSON(ctx, http.MethodPost, "analyze/"+url.PathEscape(string(fileID))+"/", false, nil, &out)
	return out, err
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (models.TaskStatus, error) {
	var out models.TaskStatus
	err := c.doJSON(ctx, http.MethodGet, "task/"+url.PathEscape(taskID)+"/status/", false, nil, &out)
	return out, err
}

// Results lists every stored analysis, following pagination links.
func (c *Client) Results(ctx context.Context) ([]models.AnalysisResult, error) {
	var all []models.AnalysisResult
	next := "results/"
	seen := map[string]bool{}
	for next != "" && !seen[next] {
		seen[next] = true
		resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: next})
		if err != nil {
			return nil, err
		}
		page, more, err := decodePage(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		all = append(all, page...)
		next = more
	}
	return all, nil
}

func decodePage(body []byte) ([]models.AnalysisResult, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var list []models.AnalysisResult
		err := json.Unmarshal(body, &list)
		return list, "", err
	}
	var page struct {
		Results []models.AnalysisResult `json:"results"`
		Next    *string                 `json:"next"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", err
	}
	next := ""
	if page.Next != nil {
		next = *page.Next
	}
	return page.Results, next, nil
}

// ResultByID finds one stored analysis in the results list.
func (c *Client) ResultByID(ctx context.Context, id int64) (models.AnalysisResult, error) {
	results, err := c.Results(ctx)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	for _, r := range results {
		if r.ID == id {
			return r, nil
		}
	}
	return models.AnalysisResult{}, fmt.Errorf("analysis %d not found", id)
}

func (c *Client) SystemHealth(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "system_health/", false, nil, &out)
	return out, err
}

func (c *Client) Forecast(ctx context.Context, analysisID int64) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "forecast/analysis/"+models.FormatID(analysisID)+"/", false, nil, &out)
	return out, err
}

// PDFReport returns the rendered PDF for the given analyses.
func (c *Client) PDFReport(ctx context.Context, req models.ReportRequest) ([]byte, error) {
	if req.Title == "" {
		req.Title = models.DefaultReportTitle
	}
	return c.blob(ctx, "reports/pdf/", req, "application/pdf")
}

// CSVReport returns the CSV export for the given analyses.
func (c *Client) CSVReport(ctx context.Context, analysisIDs []int64) ([]byte, error) {
	return c.blob(ctx, "reports/csv/", map[string][]int64{"analysis_ids": analysisIDs}, "text/csv")
}

func (c *Client) blob(ctx context.Context, path string, in any, accept string) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	resp, err := c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        body,
		ContentType: "application/json",
		Header:      http.Header{"Accept": []string{accept}},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Admin operations. Responses are passed through as decoded JSON.

func (c *Client) SystemStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "admin/system_status/", false, nil, &out)
	return out, err
}

func (c *Client) ResetAll(ctx context.Context) (map[string]any, error) {
	return c.adminPost(ctx, "admin/reset_all/")
}

func (c *Client) ResetDBOnly(ctx context.Context) (map[string]any, error) {
	return c.adminPost(ctx, "admin/reset_db_only/")
}

func (c *Client) ClearUploads(ctx context.Context) (map[string]any, error) {
	return c.adminPost(ctx, "admin/clear_uploads/")
}

func (c *Client) DeleteFile(ctx context.Context, fileID int64) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodDelete, "admin/delete_file/"+models.FormatID(fileID)+"/", false, nil, &out)
	return out, err
}

func (c *Client) DeleteAnalysis(ctx context.Context, analysisID int64) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodDelete, "admin/delete_analysis/"+models.FormatID(analysisID)+"/", false, nil, &out)
	return out, err
}

func (c *Client) adminPost(ctx context.Context, path string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, path, false, nil, &out)
	return out, err
}
