package videoimport

import (
	"context"
	"io"
)

// BlobStore is the block blob protocol the relay writes through.
// Blocks are staged individually and only become visible once the ordered
// block list is committed.
type BlobStore interface {
	// StageBlock uploads one block. data is only valid for the duration of the call.
	StageBlock(ctx context.Context, name, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error
	// Delete removes a blob. Deleting a blob that does not exist is not an error.
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error)
	URL(name string) string
}
