package videoimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the caller-facing state of an import task.
type Status string

const (
	StatusPendingUpload Status = "pending_upload"
	StatusUploading     Status = "uploading"
	StatusReady         Status = "ready"
	StatusFailed        Status = "failed"
)

// Steps reported in Progress.CurrentStep.
const (
	StepQueued           = "queued"
	StepWaitingForSlot   = "waiting_for_slot"
	StepExtractingInfo   = "extracting_video_info"
	StepStartingDownload = "starting_download"
	StepStreaming        = "streaming_to_azure"
	StepUploading        = "uploading_to_azure"
	StepCompleted        = "completed"
	StepFailed           = "failed"
)

const (
	progressKeyPrefix  = "video_upload_progress:"
	DefaultProgressTTL = time.Hour
)

// Progress is one progress event. The relay fills the transfer fields,
// the importer adds task id, status and the outcome.
type Progress struct {
	TaskID             string    `json:"task_id,omitempty"`
	Status             Status    `json:"status,omitempty"`
	CurrentStep        string    `json:"current_step"`
	ProgressPercentage float64   `json:"progress_percentage"`
	UploadedBytes      int64     `json:"uploaded_bytes"`
	TotalBytes         *int64    `json:"total_bytes,omitempty"`
	ChunkSize          int64     `json:"chunk_size,omitempty"`
	BlobName           string    `json:"blob_name,omitempty"`
	BlobURL            string    `json:"blob_url,omitempty"`
	Message            string    `json:"message,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	Metadata           *Metadata `json:"metadata,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ProgressFunc receives progress events. It is called synchronously from the upload goroutine.
type ProgressFunc func(Progress)

// ProgressStore persists the latest progress record of each task so clients can poll it.
type ProgressStore interface {
	Put(ctx context.Context, p Progress) error
	// Get returns ErrProgressNotFound for unknown or expired tasks.
	Get(ctx context.Context, taskID string) (*Progress, error)
}

func progressKey(taskID string) string {
	return progressKeyPrefix + taskID
}

// RedisProgressStore keeps progress records in redis with an expiry.
type RedisProgressStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisProgressStore(rdb *redis.Client, ttl time.Duration) *RedisProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisProgressStore{rdb: rdb, ttl: ttl}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisProgressStore) Put(ctx context.Context, p Progress) error {
	if p.TaskID == "" {
		return errors.New("progress record has no task id")
	}
	dt, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return s.rdb.Set(ctx, progressKey(p.TaskID), dt, s.ttl).Err()
}

func (s *RedisProgressStore) Get(ctx context.Context, taskID string) (*Progress, error) {
	dt, err := s.rdb.Get(ctx, progressKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProgressNotFound
		}
		return nil, err
	}

	var p Progress
	if err := json.Unmarshal(dt, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress for task %s: %w", taskID, err)
	}
	return &p, nil
}

// IsReady pings redis.
func (s *RedisProgressStore) IsReady(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// MemoryProgressStore is a process-local ProgressStore with the same expiry semantics
// as the redis one. Used when no redis is configured.
type MemoryProgressStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	p       Progress
	expires time.Time
}

func NewMemoryProgressStore(ttl time.Duration) *MemoryProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &MemoryProgressStore{
		ttl:     ttl,
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryProgressStore) Put(ctx context.Context, p Progress) error {
	if p.TaskID == "" {
		return errors.New("progress record has no task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, rec := range s.records {
		if now.After(rec.expires) {
			delete(s.records, id)
		}
	}
	s.records[p.TaskID] = memoryRecord{p: p, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryProgressStore) Get(ctx context.Context, taskID string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok || s.now().After(rec.expires) {
		return nil, ErrProgressNotFound
	}
	p := rec.p
	return &p, nil
}

func (s *MemoryProgressStore) IsReady(context.Context) error {
	return nil
}
