package videoimport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	defaultImportAttempts   = 3
	defaultImportRetryDelay = time.Second
)

// ImportRequest is one request to pull a video into blob storage.
type ImportRequest struct {
	URL            string `json:"url" query:"url" form:"url"`
	FormatSelector string `json:"format_selector,omitempty" query:"format_selector" form:"format_selector"`
	CustomName     string `json:"custom_filename,omitempty" query:"custom_filename" form:"custom_filename"`
}

// InfoExtractor resolves a URL to metadata. Implemented by Extractor.
type InfoExtractor interface {
	ExtractInfo(ctx context.Context, url string) (*Metadata, error)
}

var _ InfoExtractor = (*Extractor)(nil)

type ImporterConfig struct {
	// FormatSelector is used when a request does not pick a format.
	FormatSelector string
	// UniqueNames places every blob under a random directory.
	UniqueNames bool
	// MaxAttempts is the number of times a failed import is run in total.
	MaxAttempts int
	// RetryDelay is the wait before the second attempt. It doubles on every further attempt.
	RetryDelay time.Duration
}

// Importer runs imports in the background and records their progress.
type Importer struct {
	extractor InfoExtractor
	governor  *Governor
	store     BlobStore
	progress  ProgressStore
	cfg       ImporterConfig

	ctx    context.Context
	cancel context.CancelFunc
	wait   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewImporter(extractor InfoExtractor, governor *Governor, store BlobStore, progress ProgressStore, cfg ImporterConfig) *Importer {
	if cfg.FormatSelector == "" {
		cfg.FormatSelector = DefaultFormatSelector
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultImportAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultImportRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Importer{
		extractor: extractor,
		governor:  governor,
		store:     store,
		progress:  progress,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		wait:      sleepCtx,
	}
}

func validateImportURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// Submit validates the request, records it as pending and starts the import in the background.
// The returned task id is the key for Status.
func (i *Importer) Submit(ctx context.Context, req ImportRequest) (string, error) {
	if err := validateImportURL(req.URL); err != nil {
		return "", err
	}

	// wg is bumped under mu so Shutdown cannot miss an accepted import.
	i.mu.Lock()
	if i.closing {
		i.mu.Unlock()
		return "", ErrShuttingDown
	}
	i.wg.Add(1)
	i.mu.Unlock()

	taskID := uuid.NewString()
	i.put(ctx, Progress{
		TaskID:      taskID,
		Status:      StatusPendingUpload,
		CurrentStep: StepQueued,
		Message:     "Video import has been initiated.",
	})

	go func() {
		defer i.wg.Done()
		_ = i.Run(i.ctx, taskID, req)
	}()
	return taskID, nil
}

// Run executes an import synchronously, retrying failures that may succeed later.
// The final state is always written to the progress store.
func (i *Importer) Run(ctx context.Context, taskID string, req ImportRequest) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = i.runOnce(ctx, taskID, req)
		if err == nil {
			return nil
		}
		if attempt >= i.cfg.MaxAttempts || !isRetryableImportError(err) || ctx.Err() != nil {
			break
		}

		delay := i.cfg.RetryDelay << (attempt - 1)
		slog.InfoContext(ctx, "retrying import", "task", taskID, "attempt", attempt, "delay", delay, "error", err)
		i.put(ctx, Progress{
			TaskID:       taskID,
			Status:       StatusPendingUpload,
			CurrentStep:  StepQueued,
			ErrorMessage: err.Error(),
			Message:      fmt.Sprintf("Attempt %d failed, retrying in %s", attempt, delay),
		})
		if werr := i.wait(ctx, delay); werr != nil {
			break
		}
	}

	slog.ErrorContext(ctx, "import failed", "task", taskID, "url", req.URL, "error", err)
	i.put(ctx, Progress{
		TaskID:       taskID,
		Status:       StatusFailed,
		CurrentStep:  StepFailed,
		ErrorMessage: err.Error(),
		Message:      "Upload failed: " + err.Error(),
	})
	return err
}

func (i *Importer) runOnce(ctx context.Context, taskID string, req ImportRequest) error {
	if stats := i.governor.Stats(); stats.Available == 0 {
		i.put(ctx, Progress{
			TaskID:      taskID,
			Status:      StatusPendingUpload,
			CurrentStep: StepWaitingForSlot,
			Message:     fmt.Sprintf("Waiting for available slot (currently %d active uploads)", stats.Active),
		})
	}

	i.put(ctx, Progress{
		TaskID:             taskID,
		Status:             StatusUploading,
		CurrentStep:        StepExtractingInfo,
		ProgressPercentage: 2,
		Message:            "Extracting video information",
	})

	meta, err := i.extractor.ExtractInfo(ctx, req.URL)
	if err != nil {
		return err
	}

	blobName := DestinationName(meta, req.CustomName)
	if i.cfg.UniqueNames {
		blobName = UniqueDestinationName(meta, req.CustomName)
	}

	format := req.FormatSelector
	if format == "" {
		format = i.cfg.FormatSelector
	}

	var uploaded int64
	onProgress := func(p Progress) {
		uploaded = p.UploadedBytes
		p.Status = StatusUploading
		i.put(ctx, p)
	}

	name, err := i.governor.TryAcquireAndRun(ctx, taskID, req.URL, format, blobName, onProgress)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "import finished", "task", taskID, "blob", name, "size", humanize.IBytes(uint64(uploaded)))
	i.put(ctx, Progress{
		TaskID:             taskID,
		Status:             StatusReady,
		CurrentStep:        StepCompleted,
		ProgressPercentage: 100,
		UploadedBytes:      uploaded,
		TotalBytes:         &uploaded,
		BlobName:           name,
		BlobURL:            i.store.URL(name),
		Metadata:           meta,
		Message:            "Video successfully streamed to Azure Blob Storage",
	})
	return nil
}

// isRetryableImportError reports whether running the whole import again may succeed.
func isRetryableImportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCapacityExceeded) {
		return true
	}
	var stagingErr *StagingError
	if errors.As(err, &stagingErr) {
		return stagingErr.Temporary()
	}
	var processErr *ProcessError
	return errors.As(err, &processErr)
}

// put writes a progress record. Failures are logged and never fail the import.
func (i *Importer) put(ctx context.Context, p Progress) {
	p.UpdatedAt = time.Now().UTC()
	if err := i.progress.Put(context.WithoutCancel(ctx), p); err != nil {
		slog.WarnContext(ctx, "failed to record progress", "task", p.TaskID, "step", p.CurrentStep, "error", err)
	}
}

// Status returns the latest progress record of a task.
func (i *Importer) Status(ctx context.Context, taskID string) (*Progress, error) {
	return i.progress.Get(ctx, taskID)
}

func (i *Importer) Stats() Stats {
	return i.governor.Stats()
}

// Wait blocks until every submitted import has finished.
func (i *Importer) Wait() {
	i.wg.Wait()
}

// Shutdown stops accepting imports and waits for running ones. When ctx is done
// first, running imports are cancelled, which stops their sources and deletes
// their partial blobs.
func (i *Importer) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	i.closing = true
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.cancel()
		return nil
	case <-ctx.Done():
		i.cancel()
		<-done
		return ctx.Err()
	}
}
