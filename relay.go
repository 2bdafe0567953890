package videoimport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultChunkSize is the size of each staged block.
	DefaultChunkSize = 4 * 1024 * 1024

	blockIDWidth       = 10
	defaultContentType = "video/mp4"
	cleanupTimeout     = 30 * time.Second
)

// Relay streams the stdout of a download process into a block blob.
// Chunks are staged one at a time in read order and committed once the
// source reaches EOF and exits cleanly. Nothing is committed on failure.
type Relay struct {
	store       BlobStore
	chunkSize   int
	retry       retryConfig
	grace       time.Duration
	source      SourceFunc
	contentType string
	bufPool     *sync.Pool
}

type RelayOption func(*Relay)

func WithChunkSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

func WithSource(fn SourceFunc) RelayOption {
	return func(r *Relay) {
		if fn != nil {
			r.source = fn
		}
	}
}

// WithStopGrace sets how long the source gets to exit after SIGTERM before it is killed.
func WithStopGrace(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithStageRetries sets the per-chunk attempt budget and the first backoff delay.
func WithStageRetries(attempts int, baseDelay time.Duration) RelayOption {
	return func(r *Relay) {
		if attempts > 0 {
			r.retry.maxAttempts = attempts
		}
		if baseDelay > 0 {
			r.retry.baseDelay = baseDelay
		}
	}
}

func NewRelay(store BlobStore, opts ...RelayOption) *Relay {
	r := &Relay{
		store:       store,
		chunkSize:   DefaultChunkSize,
		retry:       defaultRetryConfig,
		grace:       defaultStopGrace,
		source:      YtdlpSource(""),
		contentType: defaultContentType,
	}
	for _, o := range opts {
		o(r)
	}

	size := r.chunkSize
	r.bufPool = &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
	return r
}

// StreamToBlob downloads url with the configured source and writes it to blobName.
// It returns blobName once the block list has been committed.
//
// On any failure after the process was started the partially staged blob is deleted
// (best effort) and the process is always stopped before returning.
func (r *Relay) StreamToBlob(ctx context.Context, url, format, blobName string, progress ProgressFunc) (_ string, retErr error) {
	if url == "" || blobName == "" {
		return "", errors.New("url and blob name must be provided")
	}

	report := func(p Progress) {
		if progress == nil {
			return
		}
		p.BlobName = blobName
		progress(p)
	}

	report(Progress{CurrentStep: StepStartingDownload, ProgressPercentage: 5})

	proc, err := startSource(r.source(ctx, url, format), r.grace)
	if err != nil {
		return "", err
	}

	// Deferred in this order so the process is stopped before the blob is removed.
	defer func() {
		if retErr != nil {
			r.cleanup(ctx, blobName)
		}
	}()
	defer proc.Stop(r.grace)

	slog.DebugContext(ctx, "started source process", "pid", proc.PID(), "url", url, "blob", blobName)
	report(Progress{CurrentStep: StepStreaming, ProgressPercentage: 10})

	if err := r.relay(ctx, proc, blobName, report); err != nil {
		return "", err
	}
	return blobName, nil
}

func (r *Relay) relay(ctx context.Context, proc *sourceProcess, blobName string, report func(Progress)) error {
	bufPtr := r.bufPool.Get().(*[]byte)
	defer r.bufPool.Put(bufPtr)

	br := &blockReader{rdr: proc.stdout, buf: *bufPtr}
	var blockIDs []string

	for br.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		dt := br.Bytes()
		blockID := br.BlockID()

		attempts, err := retryWithBackoff(ctx, r.retry, func() error {
			return r.store.StageBlock(ctx, blobName, blockID, dt)
		})
		if err != nil {
			return &StagingError{Blob: blobName, BlockID: blockID, Attempts: attempts, Err: err}
		}
		blockIDs = append(blockIDs, blockID)

		total := br.TotalRead()
		report(Progress{
			CurrentStep:        StepUploading,
			ProgressPercentage: estimateProgress(total),
			UploadedBytes:      total,
			ChunkSize:          int64(len(dt)),
		})
	}

	if err := br.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read from %s: %w", proc.name(), err)
	}

	if err := proc.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s stopped: %w", proc.name(), ctx.Err())
		}
		return proc.exitError(err)
	}

	if len(blockIDs) == 0 {
		return ErrEmptyStream
	}

	if err := validateBlockOrder(blockIDs); err != nil {
		return fmt.Errorf("refusing to commit %s, this is a bug in the relay: %w", blobName, err)
	}
	if err := r.store.CommitBlockList(ctx, blobName, blockIDs, r.contentType); err != nil {
		return fmt.Errorf("failed to commit block list for %s: %w", blobName, err)
	}

	total := br.TotalRead()
	slog.InfoContext(ctx, "streamed source to blob", "blob", blobName, "blocks", len(blockIDs), "size", humanize.IBytes(uint64(total)))
	report(Progress{
		CurrentStep:        StepCompleted,
		ProgressPercentage: 100,
		UploadedBytes:      total,
		TotalBytes:         &total,
	})
	return nil
}

// cleanup removes a partially staged blob. Errors are logged, never returned,
// so they cannot mask the failure that triggered the cleanup.
func (r *Relay) cleanup(ctx context.Context, blobName string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := r.store.Delete(ctx, blobName); err != nil {
		slog.WarnContext(ctx, "failed to delete partial blob", "blob", blobName, "error", err)
		return
	}
	slog.DebugContext(ctx, "deleted partial blob", "blob", blobName)
}

// estimateProgress maps bytes transferred to a percentage. The total size is
// not known up front so this is a heuristic that starts at 10 and stops at 95.
func estimateProgress(uploaded int64) float64 {
	mib := float64(uploaded) / (1024 * 1024)
	return min(10+mib*2, 95)
}

// blockReader splits a stream into fixed size blocks. Only the last block may be short.
type blockReader struct {
	rdr io.Reader
	buf []byte

	n       int
	nr      int64
	count   int
	err     error
	blockID string
}

func (br *blockReader) Next() bool {
	if br.err != nil {
		return false
	}

	n, err := io.ReadFull(br.rdr, br.buf)
	br.err = err
	if n == 0 {
		return false
	}

	br.blockID = counterToBlockID(br.count)
	br.count++
	br.n = n
	br.nr += int64(n)
	return true
}

func (br *blockReader) Bytes() []byte {
	if br.n == 0 {
		return nil
	}
	return br.buf[:br.n]
}

func (br *blockReader) Err() error {
	if errors.Is(br.err, io.EOF) || errors.Is(br.err, io.ErrUnexpectedEOF) {
		// A short final block is a normal end of stream.
		return nil
	}
	return br.err
}

func (br *blockReader) TotalRead() int64 {
	return br.nr
}

func (br *blockReader) BlockID() string {
	return br.blockID
}

// counterToBlockID encodes a block sequence number as a fixed-width, base64 block ID.
// Fixed width keeps lexical order equal to numeric order, and Azure requires every
// block ID of a blob to have the same length.
func counterToBlockID(n int) string {
	return base64.StdEncoding.EncodeToString(fmt.Appendf(nil, "%0*d", blockIDWidth, n))
}

// validateBlockOrder ensures the block list is exactly 0..N-1 in order.
func validateBlockOrder(blockIDs []string) error {
	for i, id := range blockIDs {
		n, err := blockIDToCounter(id)
		if err != nil {
			return err
		}
		if n != i {
			return fmt.Errorf("gap in block IDs: expected block %d, got %d at position %d", i, n, i)
		}
	}
	return nil
}

func blockIDToCounter(blockID string) (int, error) {
	decoded, err := base64.StdEncoding.DecodeString(blockID)
	if err != nil {
		return 0, fmt.Errorf("failed to decode block ID %q: %w", blockID, err)
	}
	if len(decoded) != blockIDWidth {
		return 0, fmt.Errorf("invalid block ID %q: expected %d digits, got %q", blockID, blockIDWidth, decoded)
	}
	n, err := strconv.Atoi(string(decoded))
	if err != nil {
		return 0, fmt.Errorf("failed to parse counter from block ID %q: %w", decoded, err)
	}
	return n, nil
}
