// Package s3 implements blob.Store on S3-compatible object storage via the
// MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"
	"pkt.systems/sqsext/blob"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Insecure       bool
	ForcePathStyle bool
	// CreateBuckets makes EnsureBucket create missing buckets.
	CreateBuckets bool
	PartSize      uint64
	ServerSideEnc string
	KMSKeyID      string
	CustomCreds   *credentials.Credentials
	Transport     http.RoundTripper
}

// Store implements blob.Store backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = DefaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Endpoint = endpoint
	return &Store{client: client, cfg: cfg}, nil
}

// DefaultTransport clones http.DefaultTransport with pool sizes suited to
// concurrent payload transfers.
func DefaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
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
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

// EnsureBucket verifies bucket exists, creating it when CreateBuckets is set.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	ok, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return s.wrapError(err, "s3: bucket exists")
	}
	if ok {
		return nil
	}
	if !s.cfg.CreateBuckets {
		return fmt.Errorf("s3: bucket %q: %w", bucket, blob.ErrNotFound)
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return s.wrapError(err, "s3: make bucket")
	}
	return nil
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger, logger
}

// GetObject streams container/key.
func (s *Store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.get_object.begin", "bucket", container, "key", key, "object", object)
	obj, err := s.client.GetObject(ctx, container, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "bucket", container, "key", key, "object", object, "error", err)
		return blob.GetResult{}, s.wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			verbose.Debug("s3.get_object.not_found", "bucket", container, "key", key, "object", object)
			return blob.GetResult{}, blob.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "bucket", container, "key", key, "object", object, "error", err)
		return blob.GetResult{}, s.wrapError(err, "s3: stat object")
	}
	meta := &blob.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
	verbose.Debug("s3.get_object.success", "bucket", container, "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return blob.GetResult{Reader: &notFoundAwareObject{object: obj}, Info: meta}, nil
}

// PutObject uploads the payload to container/key.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.put_object.begin", "bucket", container, "key", key, "object", object, "size", opts.Size)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType, PartSize: s.cfg.PartSize}
	if putOpts.ContentType == "" {
		putOpts.ContentType = blob.ContentTypeOctetStream
	}
	s.applySSE(&putOpts)
	length := opts.Size
	if length <= 0 {
		length = seekableLength(body)
	}
	info, err := s.client.PutObject(ctx, container, object, body, length, putOpts)
	if err != nil {
		if isNotFound(err) {
			logger.Debug("s3.put_object.bucket_not_found", "bucket", container, "key", key, "object", object)
			return nil, fmt.Errorf("s3: put object: bucket %q: %w", container, blob.ErrNotFound)
		}
		logger.Debug("s3.put_object.put_error", "bucket", container, "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "s3: put object")
	}
	meta := &blob.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}
	verbose.Debug("s3.put_object.success", "bucket", container, "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return meta, nil
}

// DeleteObject removes container/key. S3 deletes are idempotent, so a missing
// key is reported as success.
func (s *Store) DeleteObject(ctx context.Context, container, key string) error {
	logger, verbose := s.loggers(ctx)
	object := s.objectKey(key)
	verbose.Trace("s3.delete_object.begin", "bucket", container, "key", key, "object", object)
	if err := s.client.RemoveObject(ctx, container, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			verbose.Debug("s3.delete_object.not_found", "bucket", container, "key", key, "object", object)
			return blob.ErrNotFound
		}
		logger.Debug("s3.delete_object.remove_error", "bucket", container, "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: delete object")
	}
	verbose.Debug("s3.delete_object.success", "bucket", container, "key", key, "object", object)
	return nil
}

func (s *Store) objectKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func seekableLength(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return -1
	}
	return end - current
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

type objectReader interface {
	io.Reader
	io.Closer
}

// notFoundAwareObject maps lazy 404s surfaced on first read to blob.ErrNotFound.
type notFoundAwareObject struct {
	object objectReader
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = blob.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error {
	if o.object == nil {
		return nil
	}
	return o.object.Close()
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return blob.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
