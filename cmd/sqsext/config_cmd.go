package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/sqsext"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sqsext configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/" + defaultConfigDirName + "/" + defaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default sqsext configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                 string `yaml:"store"`
	S3SSE                 string `yaml:"s3-sse"`
	S3KMSKeyID            string `yaml:"s3-kms-key-id"`
	S3MaxPartSize         string `yaml:"s3-max-part-size"`
	AWSRegion             string `yaml:"aws-region"`
	AWSKMSKeyID           string `yaml:"aws-kms-key-id"`
	AzureEndpoint         string `yaml:"azure-endpoint"`
	DiskRetention         string `yaml:"disk-retention"`
	DiskJanitorInterval   string `yaml:"disk-janitor-interval"`
	CreateContainer       bool   `yaml:"create-container"`
	StoreReadyTimeout     string `yaml:"store-ready-timeout"`
	StorageRetryAttempts  int    `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay string `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay  string `yaml:"storage-retry-max-delay"`
	EncryptionKey         string `yaml:"encryption-key"`
	EncryptionSnappy      bool   `yaml:"encryption-snappy"`
	QueueURL              string `yaml:"queue-url"`
	SQSEndpoint           string `yaml:"sqs-endpoint"`
	SQSRegion             string `yaml:"sqs-region"`
	Threshold             string `yaml:"threshold"`
	AlwaysThroughStore    bool   `yaml:"always-through-store"`
	PrefixKeyWithQueue    bool   `yaml:"prefix-key-with-queue"`
	MaxConcurrency        int    `yaml:"max-concurrency"`
	SkipStoreCleanup      bool   `yaml:"skip-store-cleanup"`
	OTLPEndpoint          string `yaml:"otlp-endpoint"`
	MetricsListen         string `yaml:"metrics-listen"`
	LogLevel              string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                 sqsext.DefaultStoreURL,
		DiskRetention:         "0s",
		DiskJanitorInterval:   "0s",
		StoreReadyTimeout:     sqsext.DefaultStoreReadyTimeout.String(),
		StorageRetryAttempts:  sqsext.DefaultStoreRetryAttempts,
		StorageRetryBaseDelay: sqsext.DefaultStoreRetryBaseDelay.String(),
		StorageRetryMaxDelay:  sqsext.DefaultStoreRetryMaxDelay.String(),
		Threshold:             humanizeBytes(sqsext.DefaultMessageSizeThreshold),
		PrefixKeyWithQueue:    true,
		MaxConcurrency:        sqsext.DefaultMaxConcurrency,
		LogLevel:              "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
