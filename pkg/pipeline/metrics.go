package pipeline

import "time"

// Metrics receives orchestrator measurements.
type Metrics interface {
	ObserveTransition(kind EventKind, d time.Duration)
	IncConflict(kind EventKind)
	IncDispatch(stageID string, attempt int)
	IncStageFailure(stageID string, kind FailureKind)
	IncRunFinished(status RunStatus)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(EventKind, time.Duration) {}
func (nopMetrics) IncConflict(EventKind)                      {}
func (nopMetrics) IncDispatch(string, int)                    {}
func (nopMetrics) IncStageFailure(string, FailureKind)        {}
func (nopMetrics) IncRunFinished(RunStatus)                   {}

// NopMetrics discards every measurement.
var NopMetrics Metrics = nopMetrics{}
