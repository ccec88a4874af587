package reports

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"circadgo/internal/logger"
	"circadgo/internal/models"
)

// ReportsAPI renders reports on the backend.
type ReportsAPI interface {
	PDFReport(ctx context.Context, req models.ReportRequest) ([]byte, error)
	CSVReport(ctx context.Context, analysisIDs []int64) ([]byte, error)
}

// Archiver keeps a copy of each export. archive.Store satisfies it.
type Archiver interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Export is a report written to disk.
type Export struct {
	Path string `json:"path"`
	Size int    `json:"size"`
	// URL is set when the export was archived.
	URL string `json:"url,omitempty"`
}

// Exporter writes backend reports into a directory.
type Exporter struct {
	api     ReportsAPI
	dir     string
	archive Archiver
	log     *zap.Logger
	now     func() time.Time
}

// NewExporter returns an exporter writing to dir. archive may be nil.
func NewExporter(api ReportsAPI, dir string, archive Archiver, log *zap.Logger) *Exporter {
	return &Exporter{api: api, dir: dir, archive: archive, log: logger.OrNop(log).Named("export"), now: time.Now}
}

func (e *Exporter) PDF(ctx context.Context, req models.ReportRequest) (Export, error) {
	if req.Title == "" {
		req.Title = models.DefaultReportTitle
	}
	data, err := e.api.PDFReport(ctx, req)
	if err != nil {
		return Export{}, fmt.Errorf("pdf report: %w", err)
	}
	return e.write(ctx, fileName(req.Title)+".pdf", data)
}

func (e *Exporter) CSV(ctx context.Context, analysisIDs []int64) (Export, error) {
	data, err := e.api.CSVReport(ctx, analysisIDs)
	if err != nil {
		return Export{}, fmt.Errorf("csv report: %w", err)
	}
	return e.write(ctx, models.DefaultReportTitle+".csv", data)
}

// Raw writes data that was rendered locally, such as a data points CSV.
func (e *Exporter) Raw(ctx context.Context, name string, data []byte) (Export, error) {
	return e.write(ctx, fileName(name), data)
}

func (e *Exporter) write(ctx context.Context, name string, data []byte) (Export, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Export{}, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Export{}, fmt.Errorf("write %s: %w", path, err)
	}
	out := Export{Path: path, Size: len(data)}
	e.log.Info("report exported", zap.String("path", path), zap.Int("bytes", len(data)))

	if e.archive != nil {
		key := fmt.Sprintf("reports/%s/%s", e.now().UTC().Format("20060102T150405Z"), name)
		url, err := e.archive.Upload(ctx, path, key)
		if err != nil {
			e.log.Warn("archive upload failed", zap.String("key", key), zap.Error(err))
		} else {
			out.URL = url
		}
	}
	return out, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileName turns a report title into a safe file name.
func fileName(title string) string {
	name := unsafeName.ReplaceAllString(title, "_")
	if name == "" || name == "." || name == ".." {
		return models.DefaultReportTitle
	}
	return name
}
