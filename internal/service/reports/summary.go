package reports

import (
	"math"
	"sort"
	"time"

	"circadgo/internal/models"
)

type StatusCount struct {
	Status models.Status `json:"status"`
	Count  int           `json:"count"`
}

type TrendPoint struct {
	ID        int64         `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Mean      float64       `json:"mean_resistance"`
	Smoothed  float64       `json:"smoothed"`
	Status    models.Status `json:"status"`
}

// Summary aggregates a result history for the dashboard.
type Summary struct {
	Total           int                    `json:"total"`
	Healthy         int                    `json:"healthy"`
	Warning         int                    `json:"warning"`
	Faulty          int                    `json:"faulty"`
	FaultPercentage float64                `json:"fault_percentage"`
	HealthIndex     float64                `json:"health_index"`
	Last            *models.AnalysisResult `json:"last,omitempty"`
	Distribution    []StatusCount          `json:"distribution"`
	Trend           []TrendPoint           `json:"trend"`
}

// Summarize counts statuses, scores the fleet and builds the mean resistance
// trend, oldest first, smoothed over window results.
func Summarize(results []models.AnalysisResult, window int) Summary {
	s := Summary{Total: len(results)}
	if len(results) == 0 {
		s.Distribution = distribution(s)
		s.Trend = []TrendPoint{}
		return s
	}

	ordered := append([]models.AnalysisResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	means := make([]float64, len(ordered))
	for i, r := range ordered {
		switch r.Status {
		case models.StatusHealthy:
			s.Healthy++
		case models.StatusWarning:
			s.Warning++
		case models.StatusFaulty:
			s.Faulty++
		}
		means[i] = r.MeanResistance
	}
	s.FaultPercentage = round1(float64(s.Faulty) / float64(s.Total) * 100)
	s.HealthIndex = round1(HealthIndex(ordered))
	last := ordered[len(ordered)-1]
	s.Last = &last
	s.Distribution = distribution(s)

	smoothed := MovingAverage(means, window)
	s.Trend = make([]TrendPoint, len(ordered))
	for i, r := range ordered {
		s.Trend[i] = TrendPoint{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			Mean:      r.MeanResistance,
			Smoothed:  smoothed[i],
			Status:    r.Status,
		}
	}
	return s
}

func distribution(s Summary) []StatusCount {
	return []StatusCount{
		{Status: models.StatusHealthy, Count: s.Healthy},
		{Status: models.StatusWarning, Count: s.Warning},
		{Status: models.StatusFaulty, Count: s.Faulty},
	}
}

// HealthIndex scores Healthy 2, Warning 1 and anything else 0, as a
// percentage of the best possible score. Empty input scores 0.
func HealthIndex(results []models.AnalysisResult) float64 {
	if len(results) == 0 {
		return 0
	}
	total := 0
	for _, r := range results {
		total += r.Status.Score()
	}
	return float64(total) / float64(len(results)*2) * 100
}

// MovingAverage returns the trailing mean of up to window values ending at
// each index. A window of 1 or less copies the input.
func MovingAverage(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	if window <= 1 {
		copy(out, values)
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
