package reports

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"circadgo/internal/models"
)

// SeriesPoint is one chart sample. The forecast point has no resistance so
// the measured line stops before it.
type SeriesPoint struct {
	Time       float64  `json:"time"`
	Resistance *float64 `json:"resistance"`
	Forecast   *float64 `json:"forecast,omitempty"`
}

// Series builds the chart data for one result, appending the forecast one
// sampling step after the last point.
func Series(r models.AnalysisResult) []SeriesPoint {
	out := make([]SeriesPoint, 0, len(r.DataPoints)+1)
	for _, p := range r.DataPoints {
		v := p.Resistance
		out = append(out, SeriesPoint{Time: p.Time, Resistance: &v})
	}
	if r.ForecastNextMean == nil {
		return out
	}
	var last, delta float64 = 0, 1
	if n := len(r.DataPoints); n > 0 {
		last = r.DataPoints[n-1].Time
		if n > 1 {
			delta = r.DataPoints[n-1].Time - r.DataPoints[n-2].Time
		}
	}
	f := *r.ForecastNextMean
	return append(out, SeriesPoint{Time: last + delta, Forecast: &f})
}

// DataPointsCSV renders the samples of one result.
func DataPointsCSV(r models.AnalysisResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"time", "resistance"}); err != nil {
		return nil, err
	}
	for _, p := range r.DataPoints {
		if err := w.Write([]string{
			strconv.FormatFloat(p.Time, 'f', -1, 64),
			strconv.FormatFloat(p.Resistance, 'f', -1, 64),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
