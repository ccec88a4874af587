package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FileID identifies an uploaded file. The backend sends it as a number.
type FileID string

func (f *FileID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FileID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("file id: %w", err)
	}
	*f = FileID(n.String())
	return nil
}

// UploadHandle is returned by a successful upload.
type UploadHandle struct {
	FileID  FileID `json:"file_id"`
	Message string `json:"message,omitempty"`
}

// TaskState is the lifecycle state of an asynchronous analysis.
type TaskState string

const (
	TaskPending TaskState = "Pending"
	TaskRunning TaskState = "Running"
	TaskSuccess TaskState = "Success"
	TaskFailure TaskState = "Failure"
)

// ParseTaskState folds backend spellings, including Celery's, onto TaskState.
// Unknown states are returned verbatim and are never terminal.
func ParseTaskState(raw string) TaskState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "QUEUED", "RECEIVED":
		return TaskPending
	case "RUNNING", "STARTED", "RETRY", "PROGRESS":
		return TaskRunning
	case "SUCCESS", "SUCCEEDED", "COMPLETED", "DONE":
		return TaskSuccess
	case "FAILURE", "FAILED", "REVOKED":
		return TaskFailure
	}
	return TaskState(strings.TrimSpace(raw))
}

func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// TaskStatus is one status check response.
type TaskStatus struct {
	State  TaskState
	Result *AnalysisResult
	// AnalysisID is set when the task result only references the stored record.
	AnalysisID int64
	Reason     string
}

func (t *TaskStatus) UnmarshalJSON(data []byte) error {
	var raw struct {
		State   string          `json:"state"`
		Status  string          `json:"status"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
		Reason  string          `json:"reason"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state := raw.State
	if state == "" {
		state = raw.Status
	}
	out := TaskStatus{State: ParseTaskState(state)}
	out.Reason = firstNonEmpty(raw.Error, raw.Reason, raw.Message)

	if len(raw.Result) > 0 && !bytes.Equal(raw.Result, []byte("null")) {
		switch raw.Result[0] {
		case '{':
			var ref struct {
				AnalysisID int64 `json:"analysis_id"`
			}
			_ = json.Unmarshal(raw.Result, &ref)
			out.AnalysisID = ref.AnalysisID

			var res AnalysisResult
			if err := json.Unmarshal(raw.Result, &res); err != nil {
				return fmt.Errorf("decode task result: %w", err)
			}
			if !(out.AnalysisID != 0 && res.Validate() != nil && len(res.DataPoints) == 0) {
				out.Result = &res
			}
		case '"':
			// Celery puts the exception text in result on failure.
			var msg string
			if err := json.Unmarshal(raw.Result, &msg); err == nil && out.Reason == "" {
				out.Reason = msg
			}
		}
	}
	*t = out
	return nil
}

// AnalyzeResponse is either a finished result or a queued task id.
type AnalyzeResponse struct {
	TaskID string
	Result *AnalysisResult
}

var ErrEmptyAnalyzeResponse = errors.New("analyze response carries neither a result nor a task id")

func (a *AnalyzeResponse) UnmarshalJSON(data []byte) error {
	var probe struct {
		TaskID json.RawMessage `json:"task_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if id := rawID(probe.TaskID); id != "" {
		*a = AnalyzeResponse{TaskID: id}
		return nil
	}
	var res AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	if !res.HasStatistics() {
		return ErrEmptyAnalyzeResponse
	}
	*a = AnalyzeResponse{Result: &res}
	return nil
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FormatID renders a numeric backend id for use in a path.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
