package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/sqsext"
	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/codec"
	"pkt.systems/sqsext/internal/memq"
	"pkt.systems/sqsext/internal/svcfields"
)

type verifyCheck struct {
	Name string
	Err  error
}

func newVerifyCommand(state *cliState) *cobra.Command {
	var size string
	cmd := &cobra.Command{
		Use:          "verify",
		Short:        "Round-trip a large payload through the configured store using an in-process queue",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
SQSEXT_STORE=disk:///var/lib/sqsext sqsext verify

# Verify S3-compatible service (MinIO)
SQSEXT_STORE='s3://localhost:9000/payloads?insecure=1' SQSEXT_S3_ACCESS_KEY_ID=minio SQSEXT_S3_SECRET_ACCESS_KEY=minio123 sqsext verify

# Verify AWS S3 with encryption at rest
sqsext verify --store aws://payloads --aws-region us-west-2 --encryption-key ~/.sqsext/payload-key.pem
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			payloadSize, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("parse --size: %w", err)
			}
			var storeCfg sqsext.StoreConfig
			if err := bindStoreConfig(&storeCfg); err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(state.logger, "cli.verify")
			checks, opened := runVerify(cmd.Context(), storeCfg, int(payloadSize), state.logger)
			if opened != nil {
				defer opened.Close()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", storeCfg.URL)
			if opened != nil {
				fmt.Fprintf(out, "Backend: %s\n", opened.Backend)
				fmt.Fprintf(out, "Container: %s (encrypted:%t)\n", opened.Container, opened.Encrypted)
				cred := opened.Credentials
				if cred.Source != "" || cred.AccessKey != "" {
					accessKey := cred.AccessKey
					if accessKey == "" {
						accessKey = "(none)"
					}
					fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
				}
			}
			fmt.Fprintln(out)

			failed := false
			for _, check := range checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
					continue
				}
				failed = true
				fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
			}
			if failed {
				logger.Warn("cli.verify.failed", "store", storeCfg.URL)
				return fmt.Errorf("store verification failed")
			}
			fmt.Fprintf(out, "Round trip of %s succeeded.\n", humanizeBytes(int64(payloadSize)))
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "300KiB", "payload size used for the round trip")
	return cmd
}

// runVerify stops at the first failing check. The returned store is nil when
// it could not be opened.
func runVerify(ctx context.Context, storeCfg sqsext.StoreConfig, size int, logger pslog.Logger) ([]verifyCheck, *sqsext.OpenedStore) {
	var checks []verifyCheck
	record := func(name string, err error) bool {
		checks = append(checks, verifyCheck{Name: name, Err: err})
		return err == nil
	}

	opened, err := sqsext.OpenStore(ctx, storeCfg, logger)
	if !record("open store", err) {
		return checks, nil
	}

	broker := memq.New(memq.Options{Logger: logger})
	queueURL := broker.CreateQueue("sqsext-verify")
	cfg := sqsext.NewConfig()
	cfg.SetAlwaysThroughStore(true)
	if !record("enable large payload support", opened.Enable(cfg)) {
		return checks, opened
	}
	client, err := sqsext.New(broker, cfg, sqsext.WithLogger(logger))
	if !record("build extended client", err) {
		return checks, opened
	}

	body, err := randomPayload(size)
	if !record("generate payload", err) {
		return checks, opened
	}
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: aws.String(queueURL), MessageBody: aws.String(body)})
	if !record("send offloaded message", err) {
		return checks, opened
	}

	res, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{QueueUrl: aws.String(queueURL)})
	if err == nil && len(res.Messages) != 1 {
		err = fmt.Errorf("expected 1 message, got %d", len(res.Messages))
	}
	if err == nil && aws.ToString(res.Messages[0].Body) != body {
		err = errors.New("restored body differs from the sent payload")
	}
	if !record("receive and restore payload", err) {
		return checks, opened
	}

	handle := aws.ToString(res.Messages[0].ReceiptHandle)
	_, err = client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(queueURL), ReceiptHandle: aws.String(handle)})
	if !record("delete message", err) {
		return checks, opened
	}

	token := codec.DecodeAckToken(handle, sqsext.Separator)
	if !token.Extended {
		record("remove stored payload", errors.New("receipt handle does not reference a stored payload"))
		return checks, opened
	}
	_, err = opened.Store.GetObject(ctx, token.Container, token.Key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		err = nil
	case err == nil:
		err = fmt.Errorf("payload %s/%s still present after delete", token.Container, token.Key)
	}
	record("remove stored payload", err)
	return checks, opened
}

func randomPayload(size int) (string, error) {
	raw := make([]byte, (size+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw)[:size], nil
}
