// Package azure implements blob.Store on Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobtypes "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/pslog"
	"pkt.systems/sqsext/blob"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	// CreateContainers makes EnsureContainer create missing containers.
	CreateContainers bool
	Transport        http.RoundTripper
}

// Store implements blob.Store backed by Azure Blob Storage.
type Store struct {
	client           *azblob.Client
	endpoint         string
	createContainers bool
}

// New constructs a Store. No request is issued until the first operation.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := clientOptions(cfg.Transport)
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Store{
		client:           client,
		endpoint:         endpoint,
		createContainers: cfg.CreateContainers,
	}, nil
}

func clientOptions(rt http.RoundTripper) *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transporter(rt),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func transporter(rt http.RoundTripper) policy.Transporter {
	if rt != nil {
		return transportAdapter{rt: rt}
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return transportAdapter{rt: clone}
}

// Client exposes the underlying Azure Blob client (primarily for diagnostics).
func (s *Store) Client() *azblob.Client {
	return s.client
}

// Endpoint reports the service URL without any SAS token.
func (s *Store) Endpoint() string {
	return s.endpoint
}

// EnsureContainer creates container when CreateContainers is set and it is
// missing. Without CreateContainers it is a no-op.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	if !s.createContainers {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.client.CreateContainer(ctx, container, nil); err != nil && !isContainerExists(err) {
		return s.wrapError(err, "azure: create container")
	}
	return nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger, logger
}

func (s *Store) blobName(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("azure: object key required")
	}
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return path.Join(segments...), nil
}

// GetObject downloads container/key as a stream.
func (s *Store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	logger, verbose := s.loggers(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return blob.GetResult{}, err
	}
	verbose.Trace("azure.get_object.begin", "container", container, "key", key, "blob", name)
	resp, err := s.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("azure.get_object.not_found", "container", container, "key", key)
			return blob.GetResult{}, blob.ErrNotFound
		}
		logger.Debug("azure.get_object.download_error", "container", container, "key", key, "error", err)
		return blob.GetResult{}, s.wrapError(err, "azure: download object")
	}
	info := &blob.ObjectInfo{Container: container, Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	verbose.Debug("azure.get_object.success", "container", container, "key", key, "etag", info.ETag, "size", info.Size)
	return blob.GetResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads the payload to container/key.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	verbose.Trace("azure.put_object.begin", "container", container, "key", key, "blob", name, "size", opts.Size)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = blob.ContentTypeOctetStream
	}
	counter := &countingReader{r: body}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &azblobtypes.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	resp, err := s.client.UploadStream(ctx, container, name, counter, uploadOpts)
	if err != nil {
		if isNotFound(err) {
			logger.Debug("azure.put_object.container_not_found", "container", container, "key", key)
			return nil, fmt.Errorf("azure: upload object: container %q: %w", container, blob.ErrNotFound)
		}
		logger.Debug("azure.put_object.upload_error", "container", container, "key", key, "error", err)
		return nil, s.wrapError(err, "azure: upload object")
	}
	info := &blob.ObjectInfo{
		Container:    container,
		Key:          key,
		ContentType:  contentType,
		Size:         counter.n,
		LastModified: time.Now().UTC(),
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	verbose.Debug("azure.put_object.success", "container", container, "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes container/key.
func (s *Store) DeleteObject(ctx context.Context, container, key string) error {
	logger, verbose := s.loggers(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	verbose.Trace("azure.delete_object.begin", "container", container, "key", key, "blob", name)
	if _, err := s.client.DeleteBlob(ctx, container, name, nil); err != nil {
		if isNotFound(err) {
			verbose.Debug("azure.delete_object.not_found", "container", container, "key", key)
			return blob.ErrNotFound
		}
		logger.Debug("azure.delete_object.delete_error", "container", container, "key", key, "error", err)
		return s.wrapError(err, "azure: delete object")
	}
	verbose.Debug("azure.delete_object.success", "container", container, "key", key)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return blob.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError:
			return true
		case respErr.StatusCode == http.StatusTooManyRequests, respErr.StatusCode == http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
