package sqsext

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/clock"
	awsstore "pkt.systems/sqsext/internal/storage/aws"
	azurestore "pkt.systems/sqsext/internal/storage/azure"
	cryptostore "pkt.systems/sqsext/internal/storage/crypto"
	"pkt.systems/sqsext/internal/storage/disk"
	"pkt.systems/sqsext/internal/storage/logging"
	"pkt.systems/sqsext/internal/storage/memory"
	"pkt.systems/sqsext/internal/storage/retry"
	"pkt.systems/sqsext/internal/storage/s3"
	"pkt.systems/sqsext/internal/svcfields"
)

const (
	// DefaultStoreURL keeps payloads in process memory.
	DefaultStoreURL = "mem://sqsext-payloads"
	// DefaultDiskContainer names the container of disk:// stores without ?container=.
	DefaultDiskContainer = "sqsext-payloads"
	// DefaultStoreRetryAttempts is the total number of attempts per store call.
	DefaultStoreRetryAttempts = 3
	// DefaultStoreRetryBaseDelay is the first backoff of the retry decorator.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the retry backoff.
	DefaultStoreRetryMaxDelay = 2 * time.Second
	// DefaultStoreReadyTimeout bounds the bucket/container readiness check.
	DefaultStoreReadyTimeout = 10 * time.Second
)

// StoreConfig describes the payload store. URL selects the backend:
//
//	mem://container
//	disk:///var/lib/sqsext?container=payloads
//	s3://host[:port]/bucket[/prefix]
//	aws://bucket[/prefix]
//	azure://account/container[/prefix]
//
// A prefix becomes part of every composed payload key, so pointer messages
// name the object exactly as it is stored.
type StoreConfig struct {
	URL string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	S3MaxPartSize     uint64
	AWSRegion         string
	AWSKMSKeyID       string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	DiskRetention       time.Duration
	DiskJanitorInterval time.Duration

	// CreateContainer creates a missing bucket or container on open.
	CreateContainer bool
	ReadyTimeout    time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// EncryptionKeyPath points at a kryptograf PEM bundle. Payloads are
	// encrypted at rest when set.
	EncryptionKeyPath string
	EncryptionSnappy  bool
}

// Validate fills defaults and checks the store configuration.
func (c *StoreConfig) Validate() error {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		c.URL = DefaultStoreURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultStoreRetryAttempts
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: store retry attempts must be >= 1")
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: store retry max delay %s below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultStoreReadyTimeout
	}
	if c.DiskRetention < 0 || c.DiskJanitorInterval < 0 {
		return fmt.Errorf("config: disk retention and janitor interval must be >= 0")
	}
	return nil
}

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenedStore is a ready payload store together with the container payloads
// are written to. KeyPrefix is prepended to every composed payload key.
type OpenedStore struct {
	Store       blob.Store
	Container   string
	KeyPrefix   string
	Backend     string
	Encrypted   bool
	Credentials CredentialSummary
}

// Enable turns on large payload support in cfg using this store and its key
// prefix.
func (o *OpenedStore) Enable(cfg *Config) error {
	if err := cfg.EnableLargePayloadSupport(o.Store, o.Container); err != nil {
		return err
	}
	cfg.SetKeyPrefix(o.KeyPrefix)
	return nil
}

// Close releases the store.
func (o *OpenedStore) Close() error {
	if o == nil || o.Store == nil {
		return nil
	}
	return o.Store.Close()
}

// OpenStore builds the backend named by cfg.URL, checks that its container is
// reachable and applies the retry, encryption and tracing decorators.
func OpenStore(ctx context.Context, cfg StoreConfig, logger pslog.Logger) (*OpenedStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "storage.factory")

	opened, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	backend := opened.Store

	store := retry.Wrap(backend, logger, clock.Real{}, retry.Config{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	if cfg.EncryptionKeyPath != "" {
		root, err := cryptostore.LoadRootKey(cfg.EncryptionKeyPath)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		store, err = cryptostore.Wrap(store, cryptostore.Config{RootKey: root, Snappy: cfg.EncryptionSnappy})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		opened.Encrypted = true
	}
	opened.Store = logging.Wrap(store, logger, opened.Backend)

	logger.Info("storage.opened",
		"backend", opened.Backend,
		"container", opened.Container,
		"encrypted", opened.Encrypted,
		"credentials", opened.Credentials.Source,
		"retry_attempts", cfg.RetryAttempts,
	)
	return opened, nil
}

func openBackend(ctx context.Context, cfg StoreConfig) (*OpenedStore, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		container := strings.TrimSpace(u.Host)
		if container == "" {
			return nil, fmt.Errorf("mem store missing container (expected mem://container)")
		}
		store := memory.NewWithConfig(memory.Config{Containers: []string{container}, AutoCreate: true})
		return &OpenedStore{Store: store, Container: container, Backend: "mem", Credentials: CredentialSummary{Source: "none"}}, nil
	case "disk":
		diskCfg, container, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
		return &OpenedStore{Store: store, Container: container, Backend: "disk", Credentials: CredentialSummary{Source: "none"}}, nil
	case "s3":
		result, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		result.Config.Transport = otelhttp.NewTransport(s3.DefaultTransport())
		store, err := s3.New(result.Config)
		if err != nil {
			return nil, err
		}
		if err := ensureReady(ctx, cfg, func(ctx context.Context) error { return store.EnsureBucket(ctx, result.Bucket) }); err != nil {
			_ = store.Close()
			return nil, err
		}
		return &OpenedStore{Store: store, Container: result.Bucket, KeyPrefix: result.KeyPrefix, Backend: "s3", Credentials: result.Credentials}, nil
	case "aws":
		result, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		result.Config.Transport = otelhttp.NewTransport(awsstore.DefaultTransport(result.Config.Insecure))
		store, err := awsstore.New(ctx, result.Config)
		if err != nil {
			return nil, err
		}
		if err := ensureReady(ctx, cfg, func(ctx context.Context) error { return store.EnsureBucket(ctx, result.Bucket) }); err != nil {
			_ = store.Close()
			return nil, err
		}
		return &OpenedStore{Store: store, Container: result.Bucket, KeyPrefix: result.KeyPrefix, Backend: "aws", Credentials: result.Credentials}, nil
	case "azure":
		result, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		result.Config.Transport = otelhttp.NewTransport(http.DefaultTransport)
		store, err := azurestore.New(result.Config)
		if err != nil {
			return nil, err
		}
		if err := ensureReady(ctx, cfg, func(ctx context.Context) error { return store.EnsureContainer(ctx, result.Container) }); err != nil {
			_ = store.Close()
			return nil, err
		}
		return &OpenedStore{Store: store, Container: result.Container, KeyPrefix: result.KeyPrefix, Backend: "azure", Credentials: result.Credentials}, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func ensureReady(ctx context.Context, cfg StoreConfig, check func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	defer cancel()
	if err := check(timeoutCtx); err != nil {
		return fmt.Errorf("object store readiness check failed: %w", err)
	}
	return nil
}

// S3StoreConfig is the parsed form of an s3:// or aws:// store URL.
type S3StoreConfig struct {
	Bucket      string
	KeyPrefix   string
	Config      s3.Config
	Credentials CredentialSummary
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg StoreConfig) (S3StoreConfig, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return S3StoreConfig{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return S3StoreConfig{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3StoreConfig{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitContainerPath(u.Path)
	if bucket == "" {
		return S3StoreConfig{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return S3StoreConfig{Credentials: summary}, err
	}
	return S3StoreConfig{
		Bucket:    bucket,
		KeyPrefix: prefix,
		Config: s3.Config{
			Endpoint:       endpoint,
			Region:         strings.TrimSpace(query.Get("region")),
			Insecure:       !secure,
			ForcePathStyle: forcePath,
			CreateBuckets:  cfg.CreateContainer,
			PartSize:       cfg.S3MaxPartSize,
			ServerSideEnc:  cfg.S3SSE,
			KMSKeyID:       kmsKey,
			CustomCreds:    cred,
		},
		Credentials: summary,
	}, nil
}

// AWSStoreConfig is the parsed form of an aws:// store URL.
type AWSStoreConfig struct {
	Bucket      string
	KeyPrefix   string
	Config      awsstore.Config
	Credentials CredentialSummary
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 through the AWS SDK.
func BuildAWSConfig(cfg StoreConfig) (AWSStoreConfig, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return AWSStoreConfig{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return AWSStoreConfig{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return AWSStoreConfig{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	region := strings.TrimSpace(cfg.AWSRegion)
	query := u.Query()
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return AWSStoreConfig{}, fmt.Errorf("aws store requires region (set --aws-region or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			insecure = true
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return AWSStoreConfig{
		Bucket:    bucket,
		KeyPrefix: prefix,
		Config: awsstore.Config{
			Endpoint:       query.Get("endpoint"),
			Region:         region,
			Insecure:       insecure,
			ForcePathStyle: forcePath,
			CreateBuckets:  cfg.CreateContainer,
			ServerSideEnc:  cfg.S3SSE,
			KMSKeyID:       kmsKey,
		},
		Credentials: resolveAWSCredentials(),
	}, nil
}

func resolveGenericS3Credentials(cfg StoreConfig) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("SQSEXT_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("SQSEXT_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("SQSEXT_S3_SESSION_TOKEN")
		source = "env:SQSEXT_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("SQSEXT_S3_ROOT_USER"))
		secretKey = os.Getenv("SQSEXT_S3_ROOT_PASSWORD")
		source = "env:SQSEXT_S3_ROOT_USER"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// AzureStoreConfig is the parsed form of an azure:// store URL.
type AzureStoreConfig struct {
	Container   string
	KeyPrefix   string
	Config      azurestore.Config
	Credentials CredentialSummary
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg StoreConfig) (AzureStoreConfig, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return AzureStoreConfig{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return AzureStoreConfig{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	container, prefix := splitContainerPath(u.Path)
	if container == "" {
		return AzureStoreConfig{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	summary := CredentialSummary{AccessKey: account}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	summary.Source = "config"
	if accountKey == "" {
		accountKey = firstEnv("SQSEXT_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
		summary.Source = "env:AZURE_STORAGE_ACCOUNT_KEY"
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("SQSEXT_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	if sas != "" {
		summary.Source = "sas"
	}
	summary.HasSecret = accountKey != "" || sas != ""
	if account == "" {
		return AzureStoreConfig{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return AzureStoreConfig{
		Container: container,
		KeyPrefix: prefix,
		Config: azurestore.Config{
			Account:          account,
			AccountKey:       accountKey,
			Endpoint:         endpoint,
			SASToken:         sas,
			CreateContainers: cfg.CreateContainer,
		},
		Credentials: summary,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config and the container name.
func BuildDiskConfig(cfg StoreConfig) (disk.Config, string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/sqsext)")
	}
	container := strings.TrimSpace(u.Query().Get("container"))
	if container == "" {
		container = DefaultDiskContainer
	}
	return disk.Config{
		Root:            filepath.Clean(pathPart),
		Retention:       cfg.DiskRetention,
		JanitorInterval: cfg.DiskJanitorInterval,
	}, container, nil
}

func splitContainerPath(p string) (string, string) {
	p = strings.Trim(strings.TrimPrefix(p, "/"), "/")
	if p == "" {
		return "", ""
	}
	container, prefix, _ := strings.Cut(p, "/")
	return strings.TrimSpace(container), strings.Trim(prefix, "/")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
