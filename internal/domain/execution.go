// Package domain holds the analytics-side data model the ETL core owns:
// Execution, ExecutionAnalysis, ExecutionImages, ExecutionNotifications,
// and the Detection/Extracted shapes produced along the way. Every field
// except a row's key is nullable; nullability means "unknown," never
// "zero" or "none-of-the-above."
package domain

import "time"

// AlertLevel is the coarse categorical severity YOLO emits alongside a
// detection list.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertLow      AlertLevel = "low"
	AlertMedium   AlertLevel = "medium"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// Execution is one row per source execution, created as a skeleton by
// Stage 1 and filled in with late-bound dimensions by Stage 2.
type Execution struct {
	ID                 int64
	WorkflowID         string
	ExecutionTimestamp time.Time
	CompletionTimestamp *time.Time
	DurationMS         *int64
	Status             string
	Mode               string

	// Late-bound dimensions. NULL until Stage 2 populates them, and never
	// clobbered back to NULL by a later partial run (see COALESCE
	// invariant in the writer).
	DeviceID          *string
	CameraID          *string
	Location          *string
	CameraType        *string
	CaptureTimestamp  *time.Time
	NodeID            *string // mirror of DeviceID, retained for backwards-compatible queries
}

// Detection is a single bounding-box prediction emitted by YOLO, already
// normalized to xywh pixel coordinates.
type Detection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// ExecutionAnalysis is one row per Execution, keyed by execution id, that
// holds the YOLO outputs plus out-of-band manual false-positive labels.
type ExecutionAnalysis struct {
	ExecutionID int64

	RequestID      *string
	ModelVersion   *string
	DetectionCount int // absence means zero detections; this column is never NULL
	HasSmoke       bool // defaults to false when absent; never NULL
	AlertLevel     *AlertLevel
	DetectionMode  *string
	ActiveClasses  []string
	Detections     []Detection // nil distinguishes "no list supplied" from an empty result
	MaxConfidence  *float64
	SmokeConfidence *float64
	ImageWidth     *int
	ImageHeight    *int
	ProcessingTimeMS *int64

	IsFalsePositive    bool
	FalsePositiveReason *string
	MarkedAt           *time.Time

	UpdatedAt time.Time
}

// ExecutionImages is one row per Execution when at least one image
// variant was materialized. Paths are relative to a configurable base.
type ExecutionImages struct {
	ExecutionID    int64
	OriginalPath   string
	ThumbPath      string
	WebPPath       string
	SizeBytes      int64
	Width          int
	Height         int
	Format         string
	ExtractedAt    time.Time
}

// ExecutionNotifications is one row per Execution, present even when no
// notification occurred (flags false). Owned by downstream code after
// Stage 2 first creates it — Stage 2 never clobbers a later send.
type ExecutionNotifications struct {
	ExecutionID     int64
	TelegramSent    bool
	TelegramMessageID *string
	SentAt          *time.Time
}

// Extracted is the Field Extractor's output: every field nullable and
// honest, never defaulted beyond the two documented exceptions
// (DetectionCount, HasSmoke).
type Extracted struct {
	RequestID       *string
	ModelVersion    *string
	DetectionCount  int
	HasSmoke        bool
	AlertLevel      *AlertLevel
	DetectionMode   *string
	ActiveClasses   []string
	Detections      []Detection
	MaxConfidence   *float64
	SmokeConfidence *float64
	ImageWidth      *int
	ImageHeight     *int
	ProcessingTimeMS *int64

	DeviceID         *string
	CameraID         *string
	Location         *string
	CameraType       *string
	CaptureTimestamp *time.Time

	ImageHash *string // 64-character hex hash of the webhook image reference, if present
}

// ImageResult is what the Image Materializer returns on success.
type ImageResult struct {
	OriginalPath string
	ThumbPath    string
	WebPPath     string
	SizeBytes    int64
	Width        int
	Height       int
}

// ProcessingQueueItem mirrors one row of the processing_queue table.
type ProcessingQueueItem struct {
	ExecutionID int64
	Stage       string
	Status      string
	Priority    int
	Attempts    int
	MaxAttempts int
	ClaimedBy   *string
	ClaimedAt   *time.Time
	LastError   *string
}

const (
	QueueStagePostProcess = "stage2"

	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"

	// PriorityNormal is the priority Stage 1 enqueues at; lower values
	// claim first.
	PriorityNormal = 100
)
