package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/sqsext"
	"pkt.systems/sqsext/internal/svcfields"
)

const (
	defaultConfigDirName  = ".sqsext"
	defaultConfigFileName = "config.yaml"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SQSEXT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "sqsext")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func defaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("SQSEXT_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultConfigDirName), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// cliState is shared by the subcommands. The root PersistentPreRunE fills it.
type cliState struct {
	baseLogger pslog.Logger
	logger     pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	state := &cliState{baseLogger: baseLogger, logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "sqsext",
		Short:         "sqsext sends and receives SQS messages larger than the queue limit by offloading bodies to an object store",
		SilenceErrors: true,
		Example: `
  # Send a 1 MiB file through SQS, payload stored in MinIO
  SQSEXT_S3_ACCESS_KEY_ID=minio SQSEXT_S3_SECRET_ACCESS_KEY=minio123 \
    sqsext send --queue-url https://sqs.eu-north-1.amazonaws.com/123456789012/orders \
    --store 's3://localhost:9000/payloads?insecure=1' --file ./order.json

  # Receive, print and delete (payloads removed from the bucket)
  sqsext receive --queue-url "$QUEUE" --store aws://payloads --aws-region eu-north-1 --delete

  # Round trip against the configured store without touching SQS
  sqsext verify --store disk:///var/lib/sqsext
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logger := state.baseLogger
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			state.logger = logger
			if configFile != "" {
				svcfields.WithSubsystem(logger, "cli.root").Debug("loaded config file", "path", configFile)
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/"+defaultConfigDirName+"/"+defaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")
	persistentFlags.String("store", sqsext.DefaultStoreURL, "payload store URL (mem://container, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistentFlags.String("s3-sse", "", "server-side encryption mode for s3:// stores (AES256 or aws:kms)")
	persistentFlags.String("s3-kms-key-id", "", "KMS key id for s3:// stores")
	persistentFlags.String("s3-max-part-size", "", "multipart part size for s3:// uploads (e.g. 16MiB)")
	persistentFlags.String("aws-region", "", "region of aws:// stores (defaults to AWS_REGION)")
	persistentFlags.String("aws-kms-key-id", "", "KMS key id for aws:// stores")
	persistentFlags.String("azure-account", "", "Azure storage account (overrides the URL host)")
	persistentFlags.String("azure-key", "", "Azure storage account key")
	persistentFlags.String("azure-endpoint", "", "Azure blob endpoint override")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token")
	persistentFlags.Duration("disk-retention", 0, "remove disk payloads older than this (0 keeps them)")
	persistentFlags.Duration("disk-janitor-interval", 0, "disk retention sweep interval")
	persistentFlags.Bool("create-container", false, "create a missing bucket or container on open")
	persistentFlags.Duration("store-ready-timeout", sqsext.DefaultStoreReadyTimeout, "bucket/container readiness timeout")
	persistentFlags.Int("storage-retry-attempts", sqsext.DefaultStoreRetryAttempts, "attempts per store call for transient failures")
	persistentFlags.Duration("storage-retry-base-delay", sqsext.DefaultStoreRetryBaseDelay, "first store retry backoff")
	persistentFlags.Duration("storage-retry-max-delay", sqsext.DefaultStoreRetryMaxDelay, "maximum store retry backoff")
	persistentFlags.String("encryption-key", "", "kryptograf key bundle (PEM) used to encrypt stored payloads")
	persistentFlags.Bool("encryption-snappy", false, "snappy-compress payloads before encryption")
	persistentFlags.String("queue-url", "", "SQS queue URL")
	persistentFlags.String("sqs-endpoint", "", "SQS endpoint override (e.g. http://localhost:4566)")
	persistentFlags.String("sqs-region", "", "SQS region (defaults to the AWS SDK chain)")
	persistentFlags.String("threshold", humanizeBytes(sqsext.DefaultMessageSizeThreshold), "bodies larger than this are offloaded to the store")
	persistentFlags.Bool("always-through-store", false, "offload every body regardless of size")
	persistentFlags.Bool("prefix-key-with-queue", true, "prefix store keys with the queue name")
	persistentFlags.Int("max-concurrency", sqsext.DefaultMaxConcurrency, "parallel store calls per batch")
	persistentFlags.Bool("skip-store-cleanup", false, "leave payloads in the store when messages are deleted")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.String("metrics-listen", "", "Prometheus /metrics listen address (empty disables)")

	viper.SetEnvPrefix("SQSEXT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"store", "s3-sse", "s3-kms-key-id", "s3-max-part-size", "aws-region", "aws-kms-key-id",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"disk-retention", "disk-janitor-interval", "create-container", "store-ready-timeout",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay",
		"encryption-key", "encryption-snappy",
		"queue-url", "sqs-endpoint", "sqs-region",
		"threshold", "always-through-store", "prefix-key-with-queue", "max-concurrency", "skip-store-cleanup",
		"otlp-endpoint", "metrics-listen",
	}
	for _, name := range names {
		flag := persistentFlags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newSendCommand(state))
	cmd.AddCommand(newReceiveCommand(state))
	cmd.AddCommand(newDeleteCommand(state))
	cmd.AddCommand(newVisibilityCommand(state))
	cmd.AddCommand(newVerifyCommand(state))
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindStoreConfig(cfg *sqsext.StoreConfig) error {
	cfg.URL = viper.GetString("store")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	if partSize := strings.TrimSpace(viper.GetString("s3-max-part-size")); partSize != "" {
		size, err := humanize.ParseBytes(partSize)
		if err != nil {
			return fmt.Errorf("parse s3-max-part-size: %w", err)
		}
		cfg.S3MaxPartSize = size
	}
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.DiskRetention = viper.GetDuration("disk-retention")
	cfg.DiskJanitorInterval = viper.GetDuration("disk-janitor-interval")
	cfg.CreateContainer = viper.GetBool("create-container")
	cfg.ReadyTimeout = viper.GetDuration("store-ready-timeout")
	cfg.RetryAttempts = viper.GetInt("storage-retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	if keyPath := strings.TrimSpace(viper.GetString("encryption-key")); keyPath != "" {
		expanded, err := expandPath(keyPath)
		if err != nil {
			return fmt.Errorf("expand encryption-key: %w", err)
		}
		cfg.EncryptionKeyPath = expanded
	}
	cfg.EncryptionSnappy = viper.GetBool("encryption-snappy")
	return cfg.Validate()
}

// clientSettings carries the extended client flags that are not part of
// sqsext.StoreConfig.
type clientSettings struct {
	QueueURL           string
	SQSEndpoint        string
	SQSRegion          string
	Threshold          int64
	AlwaysThroughStore bool
	PrefixKeyWithQueue bool
	MaxConcurrency     int
	SkipStoreCleanup   bool
	OTLPEndpoint       string
	MetricsListen      string
}

func bindClientSettings(s *clientSettings) error {
	s.QueueURL = strings.TrimSpace(viper.GetString("queue-url"))
	s.SQSEndpoint = strings.TrimSpace(viper.GetString("sqs-endpoint"))
	s.SQSRegion = strings.TrimSpace(viper.GetString("sqs-region"))
	threshold := strings.TrimSpace(viper.GetString("threshold"))
	if threshold == "" {
		s.Threshold = sqsext.DefaultMessageSizeThreshold
	} else {
		size, err := humanize.ParseBytes(threshold)
		if err != nil {
			return fmt.Errorf("parse threshold: %w", err)
		}
		s.Threshold = int64(size)
	}
	s.AlwaysThroughStore = viper.GetBool("always-through-store")
	s.PrefixKeyWithQueue = viper.GetBool("prefix-key-with-queue")
	s.MaxConcurrency = viper.GetInt("max-concurrency")
	if s.MaxConcurrency < 1 {
		return fmt.Errorf("max-concurrency must be >= 1")
	}
	s.SkipStoreCleanup = viper.GetBool("skip-store-cleanup")
	s.OTLPEndpoint = viper.GetString("otlp-endpoint")
	s.MetricsListen = viper.GetString("metrics-listen")
	return nil
}

// applyTo configures cfg for the settings. Support is enabled separately
// through OpenedStore.Enable.
func (s clientSettings) applyTo(cfg *sqsext.Config) error {
	if err := cfg.SetMessageSizeThreshold(s.Threshold); err != nil {
		return err
	}
	cfg.SetAlwaysThroughStore(s.AlwaysThroughStore)
	cfg.SetPrefixKeyWithQueue(s.PrefixKeyWithQueue)
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
