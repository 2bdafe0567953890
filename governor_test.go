package videoimport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStreamer blocks every upload until release is closed.
type gatedStreamer struct {
	started chan string
	release chan struct{}
	err     error

	mu       sync.Mutex
	deadline []bool
}

func newGatedStreamer() *gatedStreamer {
	return &gatedStreamer{
		started: make(chan string, 100),
		release: make(chan struct{}),
	}
}

func (s *gatedStreamer) StreamToBlob(ctx context.Context, url, format, blobName string, progress ProgressFunc) (string, error) {
	_, hasDeadline := ctx.Deadline()
	s.mu.Lock()
	s.deadline = append(s.deadline, hasDeadline)
	s.mu.Unlock()

	if progress != nil {
		progress(Progress{CurrentStep: StepStartingDownload, ProgressPercentage: 5, BlobName: blobName})
	}
	s.started <- blobName

	select {
	case <-s.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return blobName, nil
}

func waitStarted(t *testing.T, s *gatedStreamer, n int) {
	t.Helper()
	for range n {
		select {
		case <-s.started:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for uploads to start")
		}
	}
}

func TestGovernorRejectsOverCapacity(t *testing.T) {
	const k = 3
	streamer := newGatedStreamer()
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: k})

	type result struct {
		name string
		err  error
	}
	results := make(chan result, k+1)

	var wg sync.WaitGroup
	for i := range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := g.TryAcquireAndRun(context.Background(), fmt.Sprintf("task-%d", i), "https://example.com/v", "", fmt.Sprintf("blob-%d", i), nil)
			results <- result{name, err}
		}()
	}
	waitStarted(t, streamer, k)
	assert.Equal(t, k, g.ActiveCount())

	// The extra call must fail straight away instead of queueing.
	_, err := g.TryAcquireAndRun(context.Background(), "task-extra", "https://example.com/v", "", "blob-extra", nil)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	_, ok := g.Task("task-extra")
	assert.False(t, ok, "rejected tasks must not be tracked")

	close(streamer.release)
	wg.Wait()
	close(results)

	var accepted int
	for r := range results {
		require.NoError(t, r.err)
		accepted++
	}
	assert.Equal(t, k, accepted)
	assert.Equal(t, 0, g.ActiveCount())
	assert.Equal(t, 0, g.TaskCount())
}

func TestGovernorQueueMode(t *testing.T) {
	streamer := newGatedStreamer()
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: 1, Admission: AdmissionQueue})

	errs := make(chan error, 2)
	go func() {
		_, err := g.TryAcquireAndRun(context.Background(), "first", "https://example.com/v", "", "a", nil)
		errs <- err
	}()
	waitStarted(t, streamer, 1)

	go func() {
		_, err := g.TryAcquireAndRun(context.Background(), "second", "https://example.com/v", "", "b", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		task, ok := g.Task("second")
		return ok && task.State == TaskQueued
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, g.ActiveCount())
	assert.Equal(t, 2, g.Stats().Tasks)

	close(streamer.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 0, g.TaskCount())
}

func TestGovernorQueueModeGivesUpWithContext(t *testing.T) {
	streamer := newGatedStreamer()
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: 1, Admission: AdmissionQueue})
	defer close(streamer.release)

	go func() {
		_, _ = g.TryAcquireAndRun(context.Background(), "first", "https://example.com/v", "", "a", nil)
	}()
	waitStarted(t, streamer, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.TryAcquireAndRun(ctx, "second", "https://example.com/v", "", "b", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := g.Task("second")
	assert.False(t, ok)
}

func TestGovernorReleasesOnFailure(t *testing.T) {
	streamer := newGatedStreamer()
	streamer.err = errors.New("boom")
	close(streamer.release)
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: 1})

	for i := range 3 {
		_, err := g.TryAcquireAndRun(context.Background(), fmt.Sprintf("task-%d", i), "https://example.com/v", "", "blob", nil)
		require.EqualError(t, err, "boom")
	}
	assert.Equal(t, Stats{Active: 0, Tasks: 0, Max: 1, Available: 1}, g.Stats())
}

func TestGovernorDuplicateTask(t *testing.T) {
	streamer := newGatedStreamer()
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: 2})

	done := make(chan error, 1)
	go func() {
		_, err := g.TryAcquireAndRun(context.Background(), "same", "https://example.com/v", "", "a", nil)
		done <- err
	}()
	waitStarted(t, streamer, 1)

	_, err := g.TryAcquireAndRun(context.Background(), "same", "https://example.com/v", "", "b", nil)
	require.ErrorIs(t, err, ErrTaskExists)

	close(streamer.release)
	require.NoError(t, <-done)
}

func TestGovernorAddsTaskIDToProgress(t *testing.T) {
	streamer := newGatedStreamer()
	close(streamer.release)
	g := NewGovernor(streamer, GovernorConfig{})
	var rec progressRecorder

	_, err := g.TryAcquireAndRun(context.Background(), "task-1", "https://example.com/v", "", "blob", rec.record)
	require.NoError(t, err)

	events := rec.all()
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, "task-1", e.TaskID)
	}
}

func TestGovernorMaxDuration(t *testing.T) {
	streamer := newGatedStreamer()
	defer close(streamer.release)
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: 1, MaxDuration: 50 * time.Millisecond})

	_, err := g.TryAcquireAndRun(context.Background(), "slow", "https://example.com/v", "", "blob", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.Stats().Available)

	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	assert.Equal(t, []bool{true}, streamer.deadline)
}

func TestGovernorMaxDurationDuringStagingBackoff(t *testing.T) {
	store := newTestBlobStore()
	store.stageErr = func(blockID string, call int) error {
		return newResponseError(http.StatusServiceUnavailable, "ServerBusy", nil)
	}
	relay := NewRelay(store,
		WithSource(shSource("printf abcd; exec sleep 30")),
		WithChunkSize(2),
		WithStopGrace(time.Second),
		WithStageRetries(3, time.Second),
	)
	g := NewGovernor(relay, GovernorConfig{MaxConcurrent: 1, MaxDuration: 200 * time.Millisecond})

	start := time.Now()
	_, err := g.TryAcquireAndRun(context.Background(), "task-1", "https://example.com/v", "", "blob.mp4", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, isRetryableImportError(err), "an upload that ran out of time must not be retried")
	assert.Less(t, time.Since(start), 3*time.Second, "the backoff sleep must end with the deadline")

	var stagingErr *StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.False(t, stagingErr.Temporary())
	assert.Equal(t, 1, stagingErr.Attempts)

	commits, deletes, _ := store.snapshot()
	assert.Empty(t, commits)
	assert.Equal(t, []string{"blob.mp4"}, deletes)
}

func TestGovernorPurgeStale(t *testing.T) {
	streamer := newGatedStreamer()
	g := NewGovernor(streamer, GovernorConfig{MaxConcurrent: 2})

	now := time.Now()
	g.now = func() time.Time { return now }

	done := make(chan error, 1)
	go func() {
		_, err := g.TryAcquireAndRun(context.Background(), "old", "https://example.com/v", "", "a", nil)
		done <- err
	}()
	waitStarted(t, streamer, 1)

	assert.Equal(t, 0, g.PurgeStale(time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, g.PurgeStale(time.Hour))
	assert.Equal(t, 0, g.TaskCount())

	// The upload still holds its slot even though its record is gone.
	stats := g.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 1, g.ActiveCount())

	close(streamer.release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, g.Stats().Available)
}

func TestParseAdmissionMode(t *testing.T) {
	m, err := ParseAdmissionMode("")
	require.NoError(t, err)
	assert.Equal(t, AdmissionReject, m)

	m, err = ParseAdmissionMode("queue")
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueue, m)

	_, err = ParseAdmissionMode("drop")
	require.Error(t, err)
}

func TestGovernorDefaults(t *testing.T) {
	g := NewGovernor(newGatedStreamer(), GovernorConfig{})
	assert.Equal(t, DefaultMaxConcurrent, g.Max())
	assert.Equal(t, Stats{Max: DefaultMaxConcurrent, Available: DefaultMaxConcurrent}, g.Stats())
}
