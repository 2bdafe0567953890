package videoimport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

// testBlobStore is an in-memory BlobStore recording every call.
type testBlobStore struct {
	mu        sync.Mutex
	staged    map[string]map[string][]byte // blob -> block id -> data
	committed map[string][]byte
	stageLog  []string // blockIDs in call order, retries included
	commits   [][]string
	deletes   []string

	// stageErr, when set, is consulted before each StageBlock. call counts
	// attempts for the same block starting at 1.
	stageErr  func(blockID string, call int) error
	commitErr error
	deleteErr error
	calls     map[string]int
}

func newTestBlobStore() *testBlobStore {
	return &testBlobStore{
		staged:    make(map[string]map[string][]byte),
		committed: make(map[string][]byte),
		calls:     make(map[string]int),
	}
}

func (s *testBlobStore) StageBlock(ctx context.Context, name, blockID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stageLog = append(s.stageLog, blockID)
	s.calls[blockID]++
	if s.stageErr != nil {
		if err := s.stageErr(blockID, s.calls[blockID]); err != nil {
			return err
		}
	}

	if s.staged[name] == nil {
		s.staged[name] = make(map[string][]byte)
	}
	// data is reused by the caller after return
	s.staged[name][blockID] = bytes.Clone(data)
	return nil
}

func (s *testBlobStore) CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits = append(s.commits, append([]string(nil), blockIDs...))
	if s.commitErr != nil {
		return s.commitErr
	}

	var buf bytes.Buffer
	for _, id := range blockIDs {
		dt, ok := s.staged[name][id]
		if !ok {
			return fmt.Errorf("block %s of %s was never staged", id, name)
		}
		buf.Write(dt)
	}
	s.committed[name] = buf.Bytes()
	delete(s.staged, name)
	return nil
}

func (s *testBlobStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes = append(s.deletes, name)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.staged, name)
	delete(s.committed, name)
	return nil
}

func (s *testBlobStore) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.committed[name]
	return ok, nil
}

func (s *testBlobStore) Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.committed[name]
	if !ok {
		return nil, newResponseError(http.StatusNotFound, "BlobNotFound", nil)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := int64(len(data))
	if count > 0 && offset+count < end {
		end = offset + count
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (s *testBlobStore) URL(name string) string {
	return "https://example.blob.core.windows.net/videos/" + name
}

func (s *testBlobStore) snapshot() (commits [][]string, deletes []string, stageLog []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.commits...), append([]string(nil), s.deletes...), append([]string(nil), s.stageLog...)
}

func (s *testBlobStore) committedData(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dt, ok := s.committed[name]
	return dt, ok
}

// newResponseError builds the error the Azure SDK returns for a failed request.
func newResponseError(statusCode int, code string, header http.Header) error {
	if header == nil {
		header = http.Header{}
	}
	header.Set("x-ms-error-code", code)
	resp := &http.Response{
		StatusCode: statusCode,
		Status:     strconv.Itoa(statusCode) + " " + http.StatusText(statusCode),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("")),
		Request: &http.Request{
			Method: http.MethodPut,
			URL:    &url.URL{Scheme: "https", Host: "example.blob.core.windows.net", Path: "/videos/test.mp4"},
		},
	}
	return runtime.NewResponseError(resp)
}

// shSource runs script with sh instead of yt-dlp.
func shSource(script string) SourceFunc {
	return func(ctx context.Context, url, format string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

// trackedSource records the commands it builds so tests can inspect the processes afterwards.
type trackedSource struct {
	mu     sync.Mutex
	script string
	cmds   []*exec.Cmd
}

func (s *trackedSource) source(ctx context.Context, url, format string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.script)
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	return cmd
}

func (s *trackedSource) last() *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cmds) == 0 {
		return nil
	}
	return s.cmds[len(s.cmds)-1]
}

// progressRecorder collects progress events.
type progressRecorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *progressRecorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *progressRecorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.CurrentStep)
	}
	return out
}

func (r *progressRecorder) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

// delayRecorder replaces the backoff sleep and records the requested delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) observed() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}
