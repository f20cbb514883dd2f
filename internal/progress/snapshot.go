package progress

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownStage is returned when a stage string is outside the pipeline set.
var ErrUnknownStage = errors.New("unknown stage")

// Stage is a pipeline stage reported by the analysis backend.
type Stage string

// Pipeline stages in declared order. Completed and Failed are terminal.
const (
	StagePending       Stage = "pending"
	StageIngestion     Stage = "ingestion"
	StagePreprocessing Stage = "preprocessing"
	StageEmbedding     Stage = "embedding"
	StageEvaluation    Stage = "evaluation"
	StageAggregation   Stage = "aggregation"
	StageReporting     Stage = "reporting"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

var stages = []Stage{
	StagePending,
	StageIngestion,
	StagePreprocessing,
	StageEmbedding,
	StageEvaluation,
	StageAggregation,
	StageReporting,
	StageCompleted,
	StageFailed,
}

// Stages returns the declared stage set in pipeline order.
func Stages() []Stage {
	return append([]Stage(nil), stages...)
}

// ParseStage validates s against the declared stage set. Matching is case
// insensitive and ignores surrounding whitespace.
func ParseStage(s string) (Stage, error) {
	norm := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range stages {
		if st == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownStage, s)
}

// Terminal reports whether no further mutation is accepted after s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Snapshot is the complete progress state exposed to consumers.
type Snapshot struct {
	Stage     Stage    `json:"stage"`
	Progress  float64  `json:"progress"`
	Errors    []string `json:"errors"`
	ReportID  string   `json:"report_id,omitempty"`
	Filename  string   `json:"filename"`
	Connected bool     `json:"connected"`
}

// Initial returns the snapshot every binding starts from.
func Initial() Snapshot {
	return Snapshot{
		Stage:  StagePending,
		Errors: []string{},
	}
}

// Terminal reports whether the snapshot is frozen.
func (s Snapshot) Terminal() bool {
	return s.Stage.Terminal()
}

// HasReport reports whether a report identifier has been produced.
func (s Snapshot) HasReport() bool {
	return s.ReportID != ""
}

// Clone returns a deep copy so callers can never alias the owner's errors.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Errors = append(make([]string, 0, len(s.Errors)), s.Errors...)
	return out
}

// ClampProgress bounds p to [0,100]. NaN maps to 0.
func ClampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
