// Package analytics derives Six Sigma process metrics from defect counts.
package analytics

import (
	"errors"
	"fmt"
)

var ErrInvalidInput = errors.New("units and opportunities must be at least 1")

type Report struct {
	TaskName      string  `json:"task_name"`
	Defects       int     `json:"defects"`
	Units         int     `json:"units"`
	Opportunities int     `json:"opportunities"`
	DPO           float64 `json:"dpo"`
	DPMO          float64 `json:"dpmo"`
	Yield         float64 `json:"yield_percent"`
	SigmaLevel    float64 `json:"sigma_level"`
}

// Compute returns the metrics for defects found over units, each with the
// given number of defect opportunities.
func Compute(task string, defects, units, opportunities int) (Report, error) {
	if units < 1 || opportunities < 1 {
		return Report{}, fmt.Errorf("units=%d opportunities=%d: %w", units, opportunities, ErrInvalidInput)
	}
	total := float64(units) * float64(opportunities)
	dpo := float64(defects) / total
	dpmo := dpo * 1_000_000
	return Report{
		TaskName:      task,
		Defects:       defects,
		Units:         units,
		Opportunities: opportunities,
		DPO:           dpo,
		DPMO:          dpmo,
		Yield:         (1 - dpo) * 100,
		SigmaLevel:    SigmaLevel(dpmo),
	}, nil
}

// SigmaLevel buckets a DPMO value into a whole sigma level.
func SigmaLevel(dpmo float64) float64 {
	switch {
	case dpmo <= 3.4:
		return 6
	case dpmo <= 233:
		return 5
	case dpmo <= 6210:
		return 4
	default:
		return 3
	}
}
