package videoimport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	defaultReadinessInterval = 5 * time.Second
	readinessCheckTimeout    = 500 * time.Millisecond
)

// ReadinessCheck is a dependency that must be reachable for the service to serve.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
}

// ImportServer exposes imported videos and import progress over the ByteStream API.
//
// Read streams a committed video ("blobs/{name}"). QueryWriteStatus reports the
// progress of an import ("imports/{task id}"). Imports are started through the
// HTTP API, so Write is not supported.
type ImportServer struct {
	store    BlobStore
	progress ProgressStore
	health   *grpchealth.Server
}

var _ bytestream.ByteStreamServer = (*ImportServer)(nil)

func NewImportServer(store BlobStore, progress ProgressStore) *ImportServer {
	return &ImportServer{
		store:    store,
		progress: progress,
		health:   grpchealth.NewServer(),
	}
}

// RegisterImportServer registers the ByteStream and health services. The health
// status starts as NOT_SERVING until WatchReadiness reports otherwise.
func RegisterImportServer(srv *grpc.Server, s *ImportServer) {
	bytestream.RegisterByteStreamServer(srv, s)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, s.health)
}

// WatchReadiness polls checks every interval and updates the health status until ctx is done.
func (s *ImportServer) WatchReadiness(ctx context.Context, interval time.Duration, checks ...ReadinessCheck) {
	if interval <= 0 {
		interval = defaultReadinessInterval
	}

	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		for _, c := range checks {
			cctx, cancel := context.WithTimeout(ctx, readinessCheckTimeout)
			err := c.IsReady(cctx)
			cancel()
			if err != nil {
				slog.DebugContext(ctx, "readiness check failed", "error", err)
				st = healthpb.HealthCheckResponse_NOT_SERVING
				break
			}
		}
		s.health.SetServingStatus("", st)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}

// Read implements ByteStream Read (downloads of imported videos)
func (s *ImportServer) Read(req *bytestream.ReadRequest, srv bytestream.ByteStream_ReadServer) error {
	ctx := srv.Context()

	kind, name, err := parseResourceName(req.ResourceName)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid resource name: %v", err)
	}
	if kind != blobsResource {
		return status.Errorf(codes.InvalidArgument, "resource %q cannot be read", req.ResourceName)
	}
	if req.ReadOffset < 0 {
		return status.Errorf(codes.OutOfRange, "read offset %d is negative", req.ReadOffset)
	}
	if req.ReadLimit < 0 {
		return status.Errorf(codes.InvalidArgument, "read limit %d is negative", req.ReadLimit)
	}

	rc, err := s.store.Download(ctx, name, req.ReadOffset, req.ReadLimit)
	if err != nil {
		if isBlobNotFoundError(err) {
			return status.Errorf(codes.NotFound, "blob %s not found", name)
		}
		return status.Errorf(codes.Internal, "failed to download %s: %v", name, err)
	}
	defer rc.Close()

	expected := int64(math.MaxInt64)
	if req.ReadLimit > 0 {
		expected = req.ReadLimit
	}

	w := streamWriterPool.Get().(*byteStreamWriter)
	defer func() {
		w.Reset()
		streamWriterPool.Put(w)
	}()
	w.srv = srv

	_, err = copyBuffer(w, &io.LimitedReader{R: rc, N: expected})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Errorf(codes.Internal, "failed to stream %s: %v", name, err)
	}
	return nil
}

// Write implements ByteStream Write. Videos are pulled from their source, never pushed.
func (s *ImportServer) Write(srv bytestream.ByteStream_WriteServer) error {
	return status.Error(codes.Unimplemented, "uploads are not supported, start an import over HTTP instead")
}

// QueryWriteStatus reports how far an import has got.
func (s *ImportServer) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	kind, taskID, err := parseResourceName(req.ResourceName)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid resource name: %v", err)
	}
	if kind != importsResource {
		return nil, status.Errorf(codes.InvalidArgument, "resource %q is not an import", req.ResourceName)
	}

	p, err := s.progress.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrProgressNotFound) {
			return nil, status.Errorf(codes.NotFound, "import %s not found", taskID)
		}
		return nil, status.Errorf(codes.Internal, "failed to read progress of %s: %v", taskID, err)
	}
	if p.Status == StatusFailed {
		return nil, status.Errorf(codes.Aborted, "import %s failed: %s", taskID, p.ErrorMessage)
	}

	return &bytestream.QueryWriteStatusResponse{
		CommittedSize: p.UploadedBytes,
		Complete:      p.Status == StatusReady,
	}, nil
}
