package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the health classification of one analysed trace.
type Status string

const (
	StatusHealthy Status = "Healthy"
	StatusWarning Status = "Warning"
	StatusFaulty  Status = "Faulty"
)

var (
	ErrInvalidStatus   = errors.New("invalid analysis status")
	ErrUnorderedPoints = errors.New("data points are not time ordered")
)

// ParseStatus maps a backend label onto the closed status set.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "healthy":
		return StatusHealthy, nil
	case "warning":
		return StatusWarning, nil
	case "faulty", "high contact resistance":
		return StatusFaulty, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Score is the status weight used by the health index.
func (s Status) Score() int {
	switch s {
	case StatusHealthy:
		return 2
	case StatusWarning:
		return 1
	}
	return 0
}

// DataPoint is one (time, resistance) sample of a trace.
type DataPoint struct {
	Time       float64 `json:"time"`
	Resistance float64 `json:"resistance"`
}

// AnalysisResult is the backend's processed view of one uploaded trace.
type AnalysisResult struct {
	ID                  int64              `json:"id"`
	FileID              int64              `json:"dcrm_file,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	Status              Status             `json:"status"`
	MeanResistance      float64            `json:"mean_resistance"`
	StdDev              float64            `json:"std_dev"`
	MinResistance       float64            `json:"min_resistance"`
	MaxResistance       float64            `json:"max_resistance"`
	Slope               float64            `json:"slope,omitempty"`
	PredictedCondition  *string            `json:"predicted_condition,omitempty"`
	PredictedConfidence *float64           `json:"predicted_confidence,omitempty"`
	ForecastNextMean    *float64           `json:"forecast_next_mean,omitempty"`
	FeatureImportance   map[string]float64 `json:"feature_importance"`
	ModelMetadata       map[string]any     `json:"model_metadata"`
	DataPoints          []DataPoint        `json:"data_points"`
}

type plainResult AnalysisResult

// UnmarshalJSON accepts the flat form and the backend record form, where the
// statistics live under result_json next to id, dcrm_file and created_at.
func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	var env struct {
		plainResult
		CreatedAt  string          `json:"created_at"`
		Status     string          `json:"status"`
		ResultJSON json.RawMessage `json:"result_json"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.ResultJSON) > 0 && !bytes.Equal(env.ResultJSON, []byte("null")) {
		var inner struct {
			plainResult
			Status string `json:"status"`
		}
		// Record level fields win over anything repeated inside result_json.
		inner.plainResult = env.plainResult
		if err := json.Unmarshal(env.ResultJSON, &inner); err != nil {
			return fmt.Errorf("decode result_json: %w", err)
		}
		inner.ID, inner.FileID = env.ID, env.FileID
		env.plainResult = inner.plainResult
		if inner.Status != "" {
			env.Status = inner.Status
		}
	}

	out := AnalysisResult(env.plainResult)
	out.Status = Status(strings.TrimSpace(env.Status))
	if s, err := ParseStatus(env.Status); err == nil {
		out.Status = s
	}
	if env.CreatedAt != "" {
		ts, err := parseTimestamp(env.CreatedAt)
		if err != nil {
			return fmt.Errorf("decode created_at: %w", err)
		}
		out.CreatedAt = ts
	}
	*r = out
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Normalize puts data points in time order, keeping the order of equal times.
func (r *AnalysisResult) Normalize() {
	sort.SliceStable(r.DataPoints, func(i, j int) bool {
		return r.DataPoints[i].Time < r.DataPoints[j].Time
	})
}

// Validate checks the closed status set and data point order.
func (r AnalysisResult) Validate() error {
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	for i := 1; i < len(r.DataPoints); i++ {
		if r.DataPoints[i].Time < r.DataPoints[i-1].Time {
			return fmt.Errorf("%w: index %d", ErrUnorderedPoints, i)
		}
	}
	return nil
}

// HasStatistics reports whether the value carries a classification, as
// opposed to a bare reference such as a task's {"analysis_id": 7}.
func (r AnalysisResult) HasStatistics() bool {
	return r.Status != ""
}
