// Package extract pulls structured fields out of a fully resolved source
// blob. Every field is nullable and honest: the extractor never raises,
// and malformed subtrees degrade field-by-field rather than failing the
// whole row.
package extract

import (
	"strings"
	"time"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/resolve"
)

const (
	nodeYOLO     = "YOLO Inference"
	nodeWebhook  = "Webhook"
	nodeMetadata = "Metadata"
)

// Extract builds an Extracted record from a resolved source blob. It never
// returns an error; absent or malformed subtrees simply yield nil fields.
func Extract(arr []resolve.Value) *domain.Extracted {
	out := &domain.Extracted{}

	yolo := resolve.NodeOutput(arr, nodeYOLO)
	extractYOLO(yolo, out)
	extractDetections(yolo, out)

	meta := resolve.NodeOutput(arr, nodeMetadata)
	extractMetadata(meta, yolo, out)

	image := resolve.NodeBinary(arr, nodeWebhook, "image")
	extractImageHash(image, out)

	return out
}

func extractYOLO(yolo resolve.Value, out *domain.Extracted) {
	if s, ok := yolo.Field("request_id").String(); ok {
		out.RequestID = &s
	}
	if s, ok := yolo.Field("model_version").String(); ok {
		out.ModelVersion = &s
	}
	if s, ok := yolo.Field("mode").String(); ok {
		out.DetectionMode = &s
	}
	if s, ok := yolo.Field("alert_level").String(); ok {
		lvl := domain.AlertLevel(strings.ToLower(s))
		out.AlertLevel = &lvl
	}
	if f, ok := yolo.Field("confidence_score").Float64(); ok {
		out.MaxConfidence = &f
	}
	if f, ok := yolo.Field("smoke_confidence").Float64(); ok {
		out.SmokeConfidence = &f
	}
	if n, ok := yolo.Field("processing_time_ms").Int(); ok {
		n64 := int64(n)
		out.ProcessingTimeMS = &n64
	}
	dims := yolo.Field("image_size")
	if w, ok := dims.Field("width").Int(); ok {
		out.ImageWidth = &w
	}
	if h, ok := dims.Field("height").Int(); ok {
		out.ImageHeight = &h
	}
	if classes := yolo.Field("active_classes").StringSlice(); len(classes) > 0 {
		out.ActiveClasses = classes
	}

	// has_smoke defaults to false when absent — this is a legitimate
	// negative result, not "unknown".
	if b, ok := yolo.Field("has_smoke").BoolValue(); ok {
		out.HasSmoke = b
	}
}

func extractMetadata(meta, yolo resolve.Value, out *domain.Extracted) {
	if s, ok := meta.Field("device_id").String(); ok {
		out.DeviceID = &s
	}
	if s, ok := meta.Field("camera_id").String(); ok {
		out.CameraID = &s
	}
	if s, ok := meta.Field("location").String(); ok {
		out.Location = &s
	}
	if s, ok := meta.Field("camera_type").String(); ok {
		out.CameraType = &s
	}

	// Fallbacks: device id is the colon-separated prefix of the YOLO
	// camera id; camera id falls back to the raw YOLO camera id.
	yoloCameraID, yoloHasCameraID := yolo.Field("camera_id").String()
	if out.DeviceID == nil && yoloHasCameraID {
		if prefix, _, found := strings.Cut(yoloCameraID, ":"); found {
			out.DeviceID = &prefix
		}
	}
	if out.CameraID == nil && yoloHasCameraID {
		out.CameraID = &yoloCameraID
	}

	rawTimestamp, hasMetaTimestamp := meta.Field("timestamp").String()
	if !hasMetaTimestamp {
		rawTimestamp, hasMetaTimestamp = yolo.Field("timestamp").String()
	}
	if hasMetaTimestamp {
		if ts, ok := normalizeCaptureTimestamp(rawTimestamp); ok {
			out.CaptureTimestamp = &ts
		}
		// Normalization failure emits null — never a synthetic timestamp.
	}
}

func extractImageHash(image resolve.Value, out *domain.Extracted) {
	s, ok := image.Field("id").String()
	if !ok {
		s, ok = image.Field("fileId").String()
	}
	if !ok {
		return
	}
	if isHex64(s) {
		out.ImageHash = &s
	}
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// normalizeCaptureTimestamp converts the source's "YYYY-MM-DD_HH-MM-SS"
// capture timestamp to ISO 8601 by replacing the first "_" with "T" and
// the two trailing dashes (in the time portion) with colons. Any
// unexpected shape fails normalization rather than guessing.
func normalizeCaptureTimestamp(raw string) (time.Time, bool) {
	underscoreIdx := strings.IndexByte(raw, '_')
	if underscoreIdx < 0 {
		// Might already be ISO 8601.
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	datePart := raw[:underscoreIdx]
	timePart := raw[underscoreIdx+1:]

	timeFields := strings.Split(timePart, "-")
	if len(timeFields) != 3 {
		return time.Time{}, false
	}
	iso := datePart + "T" + strings.Join(timeFields, ":")
	t, err := time.Parse("2006-01-02T15:04:05", iso)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
