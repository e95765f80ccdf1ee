package worker

import (
	"context"
	"fmt"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/extract"
	"github.com/altermundi/sai-etl/internal/imagepipe"
	"github.com/altermundi/sai-etl/internal/resolve"
)

const webhookBinaryKey = "image"

// runStage2 chains A through D for one claimed execution id: decode the
// reference-compressed blob, extract fields, materialize the webhook
// image (if any), and commit the four-table transaction. It returns the
// extracted record and image result so the caller can build the
// completion event without re-deriving anything.
func runStage2(ctx context.Context, execID int64, blob []byte, imgCfg imagepipe.Config, writer Committer) (*domain.Extracted, *domain.ImageResult, error) {
	arr, err := resolve.Decode(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("decode execution blob: %w", err)
	}

	extracted := extract.Extract(arr)

	var img *domain.ImageResult
	binary := resolve.NodeBinary(arr, "Webhook", webhookBinaryKey)
	if !binary.IsNull() {
		storage, _ := binary.Field("storage").String()
		mimeType, _ := binary.Field("mimeType").String()
		if storage != "" {
			desc := imagepipe.Descriptor{Storage: storage, MimeType: mimeType}
			img, err = imagepipe.Materialize(imgCfg, execID, desc)
			if err != nil {
				return nil, nil, fmt.Errorf("materialize image: %w", err)
			}
		}
	}

	if err := writer.Write(ctx, execID, extracted, img); err != nil {
		return nil, nil, fmt.Errorf("write execution %d: %w", execID, err)
	}

	return extracted, img, nil
}

// Reprocess runs one execution through the same extraction/image/commit
// chain as runStage2, but fetches its row and blob directly from the
// source engine instead of going through the claim queue. It is meant for
// manual backfill: an execution that permanently failed Stage 2, or one
// whose skeleton was never materialized, can be replayed by id without
// re-enqueuing it.
func Reprocess(ctx context.Context, source SingleExecutionSource, target SkeletonStore, writer Committer, imgCfg imagepipe.Config, execID int64) (*domain.Extracted, *domain.ImageResult, error) {
	exists, err := target.HasExecutionSkeleton(ctx, execID)
	if err != nil {
		return nil, nil, fmt.Errorf("check execution skeleton: %w", err)
	}
	if !exists {
		exec, err := source.GetExecutionEntity(ctx, execID)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch execution entity: %w", err)
		}
		if err := target.InsertExecutionSkeleton(ctx, *exec); err != nil {
			return nil, nil, fmt.Errorf("insert execution skeleton: %w", err)
		}
	}

	blob, err := source.GetExecutionBlob(ctx, execID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch execution blob: %w", err)
	}

	return runStage2(ctx, execID, blob, imgCfg, writer)
}
