// Package imagepipe materializes the webhook's binary image payload into
// the three on-disk variants the dashboard reads: the untouched original
// JPEG, a high-quality WebP for the main web view, and a thumbnail WebP.
// Image unavailability is never fatal — callers treat a nil result as
// "no image row," not an error.
package imagepipe

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/nfnt/resize"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/logging"
)

const filesystemV2Scheme = "filesystem-v2:"

// Config carries the storage roots and image quality knobs the daemon
// configuration surface exposes.
type Config struct {
	BinaryDataRoot    string
	CacheRoot         string
	ThumbnailMaxWidth uint
	ThumbnailQuality  float32
	WebPQuality       float32
}

// DefaultConfig mirrors the recognized defaults from the configuration
// surface: 300px max thumbnail width, 70% thumbnail quality, 80% web
// quality.
func DefaultConfig() Config {
	return Config{
		ThumbnailMaxWidth: 300,
		ThumbnailQuality:  70,
		WebPQuality:       80,
	}
}

// Descriptor is the webhook binary descriptor's relevant fields:
// {storage: "filesystem-v2:<relpath>", mimeType, ...}.
type Descriptor struct {
	Storage  string
	MimeType string
}

// Materialize reads the source image referenced by desc, writes the three
// variants under cfg.CacheRoot partitioned by execution id, and returns
// their relative paths plus size/dimensions. A nil, nil return means the
// image is legitimately unavailable — not an error condition the caller
// should propagate.
func Materialize(cfg Config, execID int64, desc Descriptor) (*domain.ImageResult, error) {
	relPath, ok := strings.CutPrefix(desc.Storage, filesystemV2Scheme)
	if !ok {
		logging.Op().Warn("unsupported binary storage scheme", "execution_id", execID, "storage", desc.Storage)
		return nil, nil
	}

	srcPath := filepath.Join(cfg.BinaryDataRoot, relPath)
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		logging.Op().Warn("source image unreadable", "execution_id", execID, "path", srcPath, "error", err)
		return nil, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		logging.Op().Warn("source image undecodable", "execution_id", execID, "path", srcPath, "error", err)
		return nil, nil
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	partition := strconv.FormatInt(execID/1000, 10)
	idStr := strconv.FormatInt(execID, 10)
	originalRel := filepath.Join("original", partition, idStr+".jpg")
	webpRel := filepath.Join("webp", partition, idStr+".webp")
	thumbRel := filepath.Join("thumb", partition, idStr+".webp")

	if err := writeOriginal(cfg.CacheRoot, originalRel, raw); err != nil {
		return nil, fmt.Errorf("write original: %w", err)
	}
	if err := writeWebP(cfg.CacheRoot, webpRel, img, cfg.WebPQuality); err != nil {
		return nil, fmt.Errorf("write webp: %w", err)
	}
	if err := writeThumbnail(cfg.CacheRoot, thumbRel, img, cfg); err != nil {
		return nil, fmt.Errorf("write thumbnail: %w", err)
	}

	return &domain.ImageResult{
		OriginalPath: originalRel,
		WebPPath:     webpRel,
		ThumbPath:    thumbRel,
		SizeBytes:    int64(len(raw)),
		Width:        width,
		Height:       height,
	}, nil
}

func writeOriginal(root, rel string, raw []byte) error {
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func writeWebP(root, rel string, img image.Image, quality float32) error {
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return webp.Encode(f, img, &webp.Options{Quality: quality})
}

func writeThumbnail(root, rel string, img image.Image, cfg Config) error {
	bounds := img.Bounds()
	maxWidth := cfg.ThumbnailMaxWidth
	if maxWidth == 0 {
		maxWidth = DefaultConfig().ThumbnailMaxWidth
	}

	var thumb image.Image = img
	if uint(bounds.Dx()) > maxWidth {
		// Never upscale: resize only triggers when the source is wider
		// than the target.
		thumb = resize.Resize(maxWidth, 0, img, resize.Lanczos3)
	}

	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	quality := cfg.ThumbnailQuality
	if quality == 0 {
		quality = DefaultConfig().ThumbnailQuality
	}
	return webp.Encode(f, thumb, &webp.Options{Quality: quality})
}
