package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/altermundi/sai-etl/internal/domain"
)

// Writer commits one source execution's Stage 2 results atomically: the
// late-bound Execution dimensions, the analysis row, the notifications
// placeholder, and (optionally) the image row. All four statements run in
// a single transaction — partial writes are never visible.
type Writer struct {
	store *TargetStore
}

func NewWriter(store *TargetStore) *Writer {
	return &Writer{store: store}
}

const updateLateBoundDimensionsSQL = `
	UPDATE executions SET
		device_id         = COALESCE($2, device_id),
		camera_id         = COALESCE($3, camera_id),
		location          = COALESCE($4, location),
		camera_type       = COALESCE($5, camera_type),
		capture_timestamp = COALESCE($6, capture_timestamp),
		node_id           = COALESCE($2, node_id)
	WHERE id = $1
`

// lateBoundUpdateNeeded reports whether extracted carries any late-bound
// dimension worth writing. Stage 2 payloads frequently have none of these
// fields (the workflow never emits device/camera metadata for every run),
// and skipping the UPDATE entirely — rather than issuing one whose COALESCE
// arguments are all NULL — avoids a no-op round trip and a spurious
// updated_at-style trigger firing on an unrelated write.
func lateBoundUpdateNeeded(extracted *domain.Extracted) bool {
	return extracted.DeviceID != nil || extracted.CameraID != nil || extracted.Location != nil
}

// lateBoundUpdateArgs builds the positional args for updateLateBoundDimensionsSQL.
// Each destination column is only overwritten when its corresponding source
// value is non-nil — COALESCE preserves whatever the row already has
// otherwise, so a later execution that lacks, say, Location never clobbers
// a location a previous one already recorded.
func lateBoundUpdateArgs(execID int64, extracted *domain.Extracted) []any {
	return []any{execID, extracted.DeviceID, extracted.CameraID, extracted.Location, extracted.CameraType, extracted.CaptureTimestamp}
}

const upsertAnalysisSQL = `
	INSERT INTO execution_analysis (
		execution_id, request_id, model_version, detection_count, has_smoke,
		alert_level, detection_mode, active_classes, detections, max_confidence,
		smoke_confidence, image_width, image_height, processing_time_ms, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, NOW()
	)
	ON CONFLICT (execution_id) DO UPDATE SET
		request_id          = EXCLUDED.request_id,
		model_version       = EXCLUDED.model_version,
		detection_count     = EXCLUDED.detection_count,
		has_smoke           = EXCLUDED.has_smoke,
		alert_level         = EXCLUDED.alert_level,
		detection_mode      = EXCLUDED.detection_mode,
		active_classes      = EXCLUDED.active_classes,
		detections          = EXCLUDED.detections,
		max_confidence      = EXCLUDED.max_confidence,
		smoke_confidence    = EXCLUDED.smoke_confidence,
		image_width         = EXCLUDED.image_width,
		image_height        = EXCLUDED.image_height,
		processing_time_ms  = EXCLUDED.processing_time_ms,
		updated_at          = NOW()
`

// upsertAnalysisArgs builds the positional args for upsertAnalysisSQL,
// marshaling Detections to JSON for the ::jsonb placeholder. Re-running the
// same execution id always produces the same row via ON CONFLICT DO UPDATE,
// so replays (manual reprocess, or a worker retry after a transient error)
// are idempotent rather than producing a duplicate analysis row.
func upsertAnalysisArgs(execID int64, extracted *domain.Extracted) ([]any, error) {
	detectionsJSON, err := json.Marshal(extracted.Detections)
	if err != nil {
		return nil, fmt.Errorf("marshal detections: %w", err)
	}
	return []any{
		execID, extracted.RequestID, extracted.ModelVersion, extracted.DetectionCount, extracted.HasSmoke,
		extracted.AlertLevel, extracted.DetectionMode, extracted.ActiveClasses, detectionsJSON, extracted.MaxConfidence,
		extracted.SmokeConfidence, extracted.ImageWidth, extracted.ImageHeight, extracted.ProcessingTimeMS,
	}, nil
}

const insertNotificationsPlaceholderSQL = `
	INSERT INTO execution_notifications (execution_id, telegram_sent)
	VALUES ($1, FALSE)
	ON CONFLICT (execution_id) DO NOTHING
`

const upsertImageSQL = `
	INSERT INTO execution_images (
		execution_id, original_path, thumb_path, webp_path, size_bytes, width, height, format, extracted_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, 'jpeg', NOW()
	)
	ON CONFLICT (execution_id) DO UPDATE SET
		original_path = EXCLUDED.original_path,
		thumb_path    = EXCLUDED.thumb_path,
		webp_path     = EXCLUDED.webp_path,
		size_bytes    = EXCLUDED.size_bytes,
		width         = EXCLUDED.width,
		height        = EXCLUDED.height,
		format        = EXCLUDED.format,
		extracted_at  = NOW()
`

// upsertImageArgs builds the positional args for upsertImageSQL.
func upsertImageArgs(execID int64, img *domain.ImageResult) []any {
	return []any{execID, img.OriginalPath, img.ThumbPath, img.WebPPath, img.SizeBytes, img.Width, img.Height}
}

// Write performs the four-table upsert in a single transaction. img may be nil
// when no image was materialized (scenario "image unavailable"); the
// execution_images row is then simply not written. All four statements run
// inside one transaction: a failure partway through rolls every prior
// statement in this call back, so a reader never observes, say, an
// analysis row without its execution_notifications placeholder.
func (w *Writer) Write(ctx context.Context, execID int64, extracted *domain.Extracted, img *domain.ImageResult) error {
	tx, err := w.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if lateBoundUpdateNeeded(extracted) {
		if _, err := tx.Exec(ctx, updateLateBoundDimensionsSQL, lateBoundUpdateArgs(execID, extracted)...); err != nil {
			return fmt.Errorf("update execution late-bound dimensions: %w", err)
		}
	}

	analysisArgs, err := upsertAnalysisArgs(execID, extracted)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, upsertAnalysisSQL, analysisArgs...); err != nil {
		return fmt.Errorf("upsert execution analysis: %w", err)
	}

	if _, err := tx.Exec(ctx, insertNotificationsPlaceholderSQL, execID); err != nil {
		return fmt.Errorf("insert execution notifications placeholder: %w", err)
	}

	if img != nil {
		if _, err := tx.Exec(ctx, upsertImageSQL, upsertImageArgs(execID, img)...); err != nil {
			return fmt.Errorf("upsert execution images: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit write tx: %w", err)
	}
	return nil
}
