// Package stores persists run history so past scenario runs can be listed
// and inspected after the fact.
package stores

import (
	"time"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

// Run is one recorded scenario run.
type Run struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	State       string     `json:"state"`
	Error       *string    `json:"error,omitempty"`
	Warnings    int        `json:"warnings"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LayerRecord is one layer's outcome within a recorded run.
type LayerRecord struct {
	RunID          string `json:"run_id"`
	Key            string `json:"key"`
	Status         string `json:"status"`
	OutputPath     string `json:"output_path,omitempty"`
	PixelsModified int    `json:"pixels_modified"`
	Message        string `json:"message,omitempty"`
}

// WarningRecord is one engine warning within a recorded run.
type WarningRecord struct {
	RunID   string `json:"run_id"`
	Code    string `json:"code"`
	Layer   string `json:"layer,omitempty"`
	Zone    int    `json:"zone"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// fromResult flattens an engine run result into store records.
func fromResult(res *engine.RunResult) (Run, []LayerRecord, []WarningRecord) {
	run := Run{
		ID:        res.ID,
		Mode:      string(res.Mode),
		State:     string(res.State),
		Warnings:  len(res.Warnings),
		StartedAt: res.StartedAt,
		CreatedAt: time.Now(),
	}
	if !res.CompletedAt.IsZero() {
		t := res.CompletedAt
		run.CompletedAt = &t
	}
	if res.Err != nil {
		msg := res.Err.Error()
		run.Error = &msg
	}

	layers := make([]LayerRecord, 0, len(res.Layers))
	for _, lr := range res.Layers {
		layers = append(layers, LayerRecord{
			RunID:          res.ID,
			Key:            string(lr.Key),
			Status:         string(lr.Status),
			OutputPath:     lr.OutputPath,
			PixelsModified: lr.PixelsModified,
			Message:        lr.Message,
		})
	}

	warnings := make([]WarningRecord, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, WarningRecord{
			RunID:   res.ID,
			Code:    string(w.Code),
			Layer:   string(w.Layer),
			Zone:    w.Zone,
			Count:   w.Count,
			Message: w.Message,
		})
	}
	return run, layers, warnings
}
