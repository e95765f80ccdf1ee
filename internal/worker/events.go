package worker

import "github.com/altermundi/sai-etl/internal/domain"

// CompletionEvent is delivered to the SSE fan-out when a Stage 2 item
// commits successfully. Field names mirror the wire contract exactly.
type CompletionEvent struct {
	ExecID            int64             `json:"execId"`
	Stage             string            `json:"stage"`
	HasSmoke          bool              `json:"hasSmoke"`
	AlertLevel        *domain.AlertLevel `json:"alertLevel,omitempty"`
	DetectionCount    int               `json:"detectionCount"`
	ProcessingTimeMS  int64             `json:"processingTimeMs"`
	ImageMaterialized bool              `json:"imageMaterialized"`
}

// FailureEvent is delivered when a Stage 2 item fails (including
// permanent failure after the final retry).
type FailureEvent struct {
	ExecID     int64  `json:"execId"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
}

// EventSink fans completion/failure events out to consumers (an SSE
// broadcaster in production). Delivery is best-effort: a sink that fails
// never fails the ETL, so the interface itself has no error return.
type EventSink interface {
	Completed(CompletionEvent)
	Failed(FailureEvent)
}

// NoopEventSink discards every event. Used when no SSE broadcaster is
// wired, or in tests that don't care about event delivery.
type NoopEventSink struct{}

func (NoopEventSink) Completed(CompletionEvent) {}
func (NoopEventSink) Failed(FailureEvent)        {}
