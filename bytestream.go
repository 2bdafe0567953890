package videoimport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	streamBufferSize = 1024 * 1024 // 1MB

	blobsResource   = "blobs"
	importsResource = "imports"
)

var (
	streamWriterPool = &sync.Pool{
		New: func() any {
			return &byteStreamWriter{msg: &bytestream.ReadResponse{}}
		},
	}

	bufPool = &sync.Pool{
		New: func() any {
			buf := make([]byte, streamBufferSize)
			return &buf
		},
	}
)

// parseResourceName splits a bytestream resource name into its kind and the rest.
//
// Format: "blobs/{blob name}" for committed videos or "imports/{task id}" for
// imports. Blob names may contain slashes.
func parseResourceName(resourceName string) (kind, name string, err error) {
	kind, name, ok := strings.Cut(resourceName, "/")
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid resource name format: %s", resourceName)
	}

	switch kind {
	case blobsResource:
		if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
			return "", "", fmt.Errorf("invalid blob name in resource name: %s", resourceName)
		}
	case importsResource:
		if strings.Contains(name, "/") {
			return "", "", fmt.Errorf("invalid task id in resource name: %s", resourceName)
		}
	default:
		return "", "", fmt.Errorf("unknown resource kind %q for resource name: %s", kind, resourceName)
	}
	return kind, name, nil
}

// copyBuffer is similar to io.Copy but it tries to read the full buffer size
// from the reader before writing to the writer.
// This helps prevent excessive chunking when writing.
func copyBuffer(w io.Writer, rdr *io.LimitedReader) (int64, error) {
	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	if rdr.N <= 0 {
		panic("copyBuffer called with non-positive size")
	}

	var total int64
	for {
		// io.ReadFull returns 0 bytes without an error when asked for 0 bytes.
		if rdr.N == 0 {
			return total, nil
		}

		trunc := min(int64(len(buf)), rdr.N)
		nr, err := io.ReadFull(rdr, buf[:trunc])
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			if werr != nil {
				return total, fmt.Errorf("failed to write data: %w", werr)
			}
			if nw != nr {
				return total, fmt.Errorf("short write: expected %d, got %d", nr, nw)
			}
			total += int64(nr)
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return total, nil
			}
			return total, err
		}
	}
}

type byteStreamWriter struct {
	srv bytestream.ByteStream_ReadServer
	msg *bytestream.ReadResponse
}

func (w *byteStreamWriter) Write(p []byte) (n int, err error) {
	w.msg.Reset()
	w.msg.Data = p
	if err := w.srv.SendMsg(w.msg); err != nil {
		return 0, status.Errorf(codes.Internal, "failed to send data: %v", err)
	}
	return len(p), nil
}

func (w *byteStreamWriter) Reset() {
	w.msg.Reset()
	w.srv = nil
}
