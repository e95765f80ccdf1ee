package extract

import (
	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/resolve"
)

// extractDetections normalizes the YOLO output's detections array.
// Empty or absent input leaves Detections nil and DetectionCount 0 (the
// two cases are not told apart) and keeps whatever MaxConfidence
// extractYOLO already set. Otherwise DetectionCount is the list length and
// MaxConfidence is the highest detection confidence.
func extractDetections(yolo resolve.Value, out *domain.Extracted) {
	raw := yolo.Field("detections")
	if raw.Kind != resolve.KindArray || len(raw.Arr) == 0 {
		out.DetectionCount = 0
		return
	}

	detections := make([]domain.Detection, 0, len(raw.Arr))
	var maxConfidence float64
	haveMax := false

	for _, item := range raw.Arr {
		d := normalizeDetection(item)
		detections = append(detections, d)
		if !haveMax || d.Confidence > maxConfidence {
			maxConfidence = d.Confidence
			haveMax = true
		}
	}

	out.Detections = detections
	out.DetectionCount = len(detections)
	if haveMax {
		out.MaxConfidence = &maxConfidence
	}
}

func normalizeDetection(item resolve.Value) domain.Detection {
	class, ok := item.Field("class_name").String()
	if !ok {
		class, ok = item.Field("class").String()
	}
	if !ok {
		class = "unknown"
	}

	confidence, ok := item.Field("confidence").Float64()
	if !ok {
		confidence = 0
	}

	x, y, w, h := normalizeBBox(item)

	return domain.Detection{
		ClassName:  class,
		Confidence: confidence,
		X:          x,
		Y:          y,
		Width:      w,
		Height:     h,
	}
}

// normalizeBBox accepts corner form {x1,y1,x2,y2} (preferred) or legacy
// xywh form {x,y,width,height} / {x,y,w,h}, normalizing to xywh. Missing
// fields fall back to 0 per field, never failing the whole detection.
func normalizeBBox(item resolve.Value) (x, y, w, h float64) {
	box := item.Field("bbox")
	if box.IsNull() {
		box = item // some sources flatten the box fields onto the detection itself
	}

	x1, hasX1 := box.Field("x1").Float64()
	y1, hasY1 := box.Field("y1").Float64()
	x2, hasX2 := box.Field("x2").Float64()
	y2, hasY2 := box.Field("y2").Float64()

	if hasX1 && hasY1 && hasX2 && hasY2 {
		return x1, y1, x2 - x1, y2 - y1
	}

	x, _ = box.Field("x").Float64()
	y, _ = box.Field("y").Float64()
	if wv, ok := box.Field("width").Float64(); ok {
		w = wv
	} else if wv, ok := box.Field("w").Float64(); ok {
		w = wv
	}
	if hv, ok := box.Field("height").Float64(); ok {
		h = hv
	} else if hv, ok := box.Field("h").Float64(); ok {
		h = hv
	}
	return x, y, w, h
}
