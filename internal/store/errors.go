package store

import "errors"

// ErrBlobNotFound is returned when a queued execution has no corresponding
// execution_data row on the source engine. Per the error design, this is
// treated as transient: the caller should MarkFailed rather than drop the
// row silently.
var ErrBlobNotFound = errors.New("source execution blob not found")

// ErrExecutionNotFound is returned when a source execution_entity row is
// missing for an id the caller expected to exist.
var ErrExecutionNotFound = errors.New("source execution not found")
