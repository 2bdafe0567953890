package videoimport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrent = 5

// AdmissionMode decides what happens to an upload when every slot is busy.
type AdmissionMode string

const (
	// AdmissionReject fails with ErrCapacityExceeded without waiting.
	AdmissionReject AdmissionMode = "reject"
	// AdmissionQueue waits for a slot until the context is done.
	AdmissionQueue AdmissionMode = "queue"
)

func ParseAdmissionMode(s string) (AdmissionMode, error) {
	switch AdmissionMode(s) {
	case "", AdmissionReject:
		return AdmissionReject, nil
	case AdmissionQueue:
		return AdmissionQueue, nil
	default:
		return "", fmt.Errorf("unknown admission mode %q, expected %q or %q", s, AdmissionReject, AdmissionQueue)
	}
}

type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// UploadTask is the governor's record of one upload while it holds or waits for a slot.
type UploadTask struct {
	ID        string
	URL       string
	BlobName  string
	State     TaskState
	StartTime time.Time
}

// Streamer is the part of Relay the governor drives.
type Streamer interface {
	StreamToBlob(ctx context.Context, url, format, blobName string, progress ProgressFunc) (string, error)
}

var _ Streamer = (*Relay)(nil)

type GovernorConfig struct {
	MaxConcurrent int
	Admission     AdmissionMode
	// MaxDuration bounds a single upload including the time spent streaming. Zero means no limit.
	MaxDuration time.Duration
}

// Governor bounds the number of uploads running at the same time.
type Governor struct {
	relay       Streamer
	sem         *semaphore.Weighted
	max         int
	mode        AdmissionMode
	maxDuration time.Duration

	mu    sync.Mutex
	held  int // slots acquired from sem and not yet released
	tasks map[string]*UploadTask
	now   func() time.Time
}

func NewGovernor(relay Streamer, cfg GovernorConfig) *Governor {
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	mode := cfg.Admission
	if mode == "" {
		mode = AdmissionReject
	}
	return &Governor{
		relay:       relay,
		sem:         semaphore.NewWeighted(int64(n)),
		max:         n,
		mode:        mode,
		maxDuration: cfg.MaxDuration,
		tasks:       make(map[string]*UploadTask),
		now:         time.Now,
	}
}

// TryAcquireAndRun runs one upload in a concurrency slot and returns the blob name.
//
// In reject mode a full governor fails immediately with ErrCapacityExceeded.
// In queue mode the call waits for a slot until ctx is done.
// The slot is always released and the task record removed before returning.
func (g *Governor) TryAcquireAndRun(ctx context.Context, taskID, url, format, blobName string, progress ProgressFunc) (string, error) {
	if err := g.register(taskID, url, blobName); err != nil {
		return "", err
	}
	defer g.forget(taskID)

	if err := g.acquire(ctx); err != nil {
		slog.InfoContext(ctx, "upload not admitted", "task", taskID, "active", g.ActiveCount(), "max", g.max, "error", err)
		return "", err
	}
	defer g.release()

	g.setState(taskID, TaskProcessing)
	slog.InfoContext(ctx, "upload started", "task", taskID, "blob", blobName, "active", g.ActiveCount(), "max", g.max)

	if g.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.maxDuration)
		defer cancel()
	}

	report := func(p Progress) {
		if progress == nil {
			return
		}
		p.TaskID = taskID
		progress(p)
	}

	name, err := g.relay.StreamToBlob(ctx, url, format, blobName, report)
	if err != nil {
		g.setState(taskID, TaskFailed)
		slog.WarnContext(ctx, "upload failed", "task", taskID, "blob", blobName, "error", err)
		return "", err
	}
	g.setState(taskID, TaskCompleted)
	slog.InfoContext(ctx, "upload completed", "task", taskID, "blob", name)
	return name, nil
}

func (g *Governor) acquire(ctx context.Context) error {
	if g.mode == AdmissionQueue {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	} else if !g.sem.TryAcquire(1) {
		return ErrCapacityExceeded
	}
	g.mu.Lock()
	g.held++
	g.mu.Unlock()
	return nil
}

func (g *Governor) release() {
	g.mu.Lock()
	g.held--
	g.mu.Unlock()
	g.sem.Release(1)
}

func (g *Governor) register(taskID, url, blobName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	g.tasks[taskID] = &UploadTask{
		ID:        taskID,
		URL:       url,
		BlobName:  blobName,
		State:     TaskQueued,
		StartTime: g.now(),
	}
	return nil
}

func (g *Governor) setState(taskID string, state TaskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[taskID]; ok {
		t.State = state
		if state == TaskProcessing {
			t.StartTime = g.now()
		}
	}
}

func (g *Governor) forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, taskID)
}

// ActiveCount returns the number of uploads currently holding a slot.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// TaskCount returns the number of tracked tasks, including ones waiting for a slot.
func (g *Governor) TaskCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

func (g *Governor) Max() int {
	return g.max
}

// Task returns a copy of the record for taskID.
func (g *Governor) Task(taskID string) (UploadTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return UploadTask{}, false
	}
	return *t, true
}

type Stats struct {
	Active    int `json:"active_uploads"`
	Tasks     int `json:"active_tasks"`
	Max       int `json:"max_concurrent_uploads"`
	Available int `json:"available_slots"`
}

// Stats reports slot usage. Active and Available follow the slots actually held,
// so they stay exact after PurgeStale dropped the record of a running upload.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Active:    g.held,
		Tasks:     len(g.tasks),
		Max:       g.max,
		Available: max(g.max-g.held, 0),
	}
}

// PurgeStale drops task records that started before now-olderThan and returns how many were removed.
// Slots are owned by the running call, so purging never frees capacity.
func (g *Governor) PurgeStale(olderThan time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-olderThan)
	n := 0
	for id, t := range g.tasks {
		if t.StartTime.Before(cutoff) {
			delete(g.tasks, id)
			n++
		}
	}
	if n > 0 {
		slog.Warn("purged stale upload records", "count", n, "older_than", olderThan)
	}
	return n
}
