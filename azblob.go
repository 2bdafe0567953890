package videoimport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

type AzureBlobConfig struct {
	// ConnectionString takes precedence over ServiceURL when set.
	ConnectionString string
	// ServiceURL is the Azure Blob Storage service URL, e.g. "https://<account>.blob.core.windows.net".
	// A bare account name is expanded to that form.
	ServiceURL string
	Container  string
	// Prefix is an optional path prefix for blobs in the container
	Prefix string

	// credential overrides the default Azure credential chain. Used by tests.
	credential azcore.TokenCredential
	// azClientOpts is used to pass additional options to the Azure Blob Storage client,
	// such as an HTTP client trusting a self-signed test certificate.
	azClientOpts []func(*azblob.ClientOptions)
}

// NewAzBlobClient builds the SDK client from either a connection string or a service URL
// authenticated through the default Azure credential chain.
func NewAzBlobClient(cfg AzureBlobConfig) (*azblob.Client, error) {
	var opt *azblob.ClientOptions
	if len(cfg.azClientOpts) > 0 {
		opt = &azblob.ClientOptions{}
		for _, o := range cfg.azClientOpts {
			o(opt)
		}
	}

	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client from connection string: %w", err)
		}
		return client, nil
	}

	if cfg.ServiceURL == "" {
		return nil, fmt.Errorf("either a connection string or a service URL is required")
	}
	serviceURL := cfg.ServiceURL
	if !strings.Contains(serviceURL, "://") {
		// Assume storage account name if no scheme is provided
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", serviceURL)
	}

	cred := cfg.credential
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		cred = c
	}

	client, err := azblob.NewClient(serviceURL, cred, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return client, nil
}

// AzBlobStore is a BlobStore on one Azure storage container.
type AzBlobStore struct {
	az        *azblob.Client
	container string
	prefix    string
}

var _ BlobStore = (*AzBlobStore)(nil)

// NewAzBlobStore returns a store writing into the given container. Blob names are
// joined to prefix when it is set.
func NewAzBlobStore(client *azblob.Client, container, prefix string) *AzBlobStore {
	return &AzBlobStore{az: client, container: container, prefix: prefix}
}

type bufReadCloser struct {
	*bytes.Reader
}

func (b *bufReadCloser) Close() error {
	// No-op, the underlying buffer is owned by the caller.
	return nil
}

func (s *AzBlobStore) blobName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *AzBlobStore) blockBlob(name string) *blockblob.Client {
	return s.az.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(s.blobName(name))
}

func (s *AzBlobStore) StageBlock(ctx context.Context, name, blockID string, data []byte) error {
	_, err := s.blockBlob(name).StageBlock(ctx, blockID, &bufReadCloser{Reader: bytes.NewReader(data)}, nil)
	return err
}

func (s *AzBlobStore) CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error {
	var opts *blockblob.CommitBlockListOptions
	if contentType != "" {
		opts = &blockblob.CommitBlockListOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		}
	}
	_, err := s.blockBlob(name).CommitBlockList(ctx, blockIDs, opts)
	return err
}

func (s *AzBlobStore) Delete(ctx context.Context, name string) error {
	_, err := s.az.DeleteBlob(ctx, s.container, s.blobName(name), nil)
	if err != nil && !isBlobNotFoundError(err) {
		return err
	}
	return nil
}

func (s *AzBlobStore) Exists(ctx context.Context, name string) (bool, error) {
	c := s.az.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.blobName(name))
	_, err := c.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if isBlobNotFoundError(err) {
		return false, nil
	}
	return false, err
}

func (s *AzBlobStore) Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	var opts *azblob.DownloadStreamOptions
	if offset > 0 || count > 0 {
		opts = &azblob.DownloadStreamOptions{
			Range: azblob.HTTPRange{
				Offset: offset,
				Count:  count,
			},
		}
	}

	resp, err := s.az.DownloadStream(ctx, s.container, s.blobName(name), opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *AzBlobStore) URL(name string) string {
	return s.az.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.blobName(name)).URL()
}

// IsReady checks that the container is reachable.
func (s *AzBlobStore) IsReady(ctx context.Context) error {
	_, err := s.az.ServiceClient().NewContainerClient(s.container).GetProperties(ctx, nil)
	return err
}

func isBlobNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.StatusCode == 404
	}

	return strings.Contains(err.Error(), "BlobNotFound") ||
		strings.Contains(err.Error(), "404")
}
