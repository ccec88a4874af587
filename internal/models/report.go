package models

import "time"

const DefaultReportTitle = "CIRCAD_Report"

// ReportRequest is the body of the PDF export call.
type ReportRequest struct {
	AnalysisIDs      []int64 `json:"analysis_ids"`
	Title            string  `json:"title"`
	IncludeSignature bool    `json:"include_signature"`
	TechnicianName   string  `json:"technician_name"`
}

// LiveUpdate is one frame pushed over the updates socket.
type LiveUpdate struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    *LiveUpdateData `json:"data,omitempty"`
}

type LiveUpdateData struct {
	ID             int64     `json:"id"`
	FileID         int64     `json:"file_id"`
	Status         string    `json:"status"`
	MeanResistance float64   `json:"mean_resistance"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	LiveAnalysisUpdate   = "analysis_update"
	LiveConnectionStatus = "connection_status"
)
