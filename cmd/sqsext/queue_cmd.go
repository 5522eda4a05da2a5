package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/sqsext"
	"pkt.systems/sqsext/internal/svcfields"
)

// maxBatchEntries is the SQS limit on entries per batch call.
const maxBatchEntries = 10

// newQueueClient builds the SQS client used by send, receive, delete and
// visibility. Tests replace it with an in-process queue.
var newQueueClient = func(ctx context.Context, s clientSettings) (sqsext.SQSClient, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if s.SQSRegion != "" {
		opts = append(opts, config.WithRegion(s.SQSRegion))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if s.SQSEndpoint != "" {
			o.BaseEndpoint = aws.String(s.SQSEndpoint)
		}
	}), nil
}

type session struct {
	client    *sqsext.Client
	store     *sqsext.OpenedStore
	telemetry *telemetryBundle
	settings  clientSettings
	logger    pslog.Logger
}

func openSession(ctx context.Context, state *cliState, subsystem string) (*session, error) {
	logger := svcfields.WithSubsystem(state.logger, subsystem)
	var settings clientSettings
	if err := bindClientSettings(&settings); err != nil {
		return nil, err
	}
	if settings.QueueURL == "" {
		return nil, fmt.Errorf("--queue-url is required")
	}
	var storeCfg sqsext.StoreConfig
	if err := bindStoreConfig(&storeCfg); err != nil {
		return nil, err
	}

	telemetry, err := setupTelemetry(ctx, settings.OTLPEndpoint, settings.MetricsListen, svcfields.WithSubsystem(state.logger, "cli.telemetry"))
	if err != nil {
		return nil, err
	}
	s := &session{telemetry: telemetry, settings: settings, logger: logger}

	s.store, err = sqsext.OpenStore(ctx, storeCfg, state.logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	cfg := sqsext.NewConfig()
	if err := settings.applyTo(cfg); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.store.Enable(cfg); err != nil {
		s.Close()
		return nil, err
	}
	queue, err := newQueueClient(ctx, settings)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client, err = sqsext.New(queue, cfg,
		sqsext.WithLogger(state.logger),
		sqsext.WithMaxConcurrency(settings.MaxConcurrency),
		sqsext.WithSkipStoreCleanup(settings.SkipStoreCleanup),
		sqsext.WithCleanupWarningHandler(func(_ context.Context, w sqsext.CleanupWarning) {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("cli.store.close_failed", "error", err)
		}
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.telemetry.Shutdown(ctx)
	}
}

func newSendCommand(state *cliState) *cobra.Command {
	var body string
	var file string
	var attrs []string
	var delaySeconds int32
	var groupID string
	var dedupID string
	cmd := &cobra.Command{
		Use:          "send",
		Short:        "Send one message, offloading the body when it is too large for the queue",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Send a file
sqsext send --queue-url "$QUEUE" --file ./payload.json

# Send stdin to a FIFO queue
cat report.csv | sqsext send --queue-url "$QUEUE" --file - --group-id reports
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (body == "") == (file == "") {
				return fmt.Errorf("exactly one of --body or --file is required")
			}
			if file != "" {
				data, err := readBody(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				body = string(data)
			}
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx, state, "cli.send")
			if err != nil {
				return err
			}
			defer s.Close()

			input := &sqs.SendMessageInput{
				QueueUrl:          aws.String(s.settings.QueueURL),
				MessageBody:       aws.String(body),
				MessageAttributes: attributes,
				DelaySeconds:      delaySeconds,
			}
			if groupID != "" {
				input.MessageGroupId = aws.String(groupID)
			}
			if dedupID != "" {
				input.MessageDeduplicationId = aws.String(dedupID)
			}
			out, err := s.client.SendMessage(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s, offloaded:%t)\n", aws.ToString(out.MessageId), humanizeBytes(int64(len(body))), s.client.Config().Offloads(int64(len(body))))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&body, "body", "", "message body")
	flags.StringVar(&file, "file", "", "read the message body from a file (- for stdin)")
	flags.StringArrayVar(&attrs, "attr", nil, "string message attribute as name=value (repeatable)")
	flags.Int32Var(&delaySeconds, "delay-seconds", 0, "delivery delay in seconds")
	flags.StringVar(&groupID, "group-id", "", "message group id (FIFO queues)")
	flags.StringVar(&dedupID, "dedup-id", "", "deduplication id (FIFO queues)")
	return cmd
}

func readBody(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read body file: %w", err)
	}
	return data, nil
}

func parseAttributes(pairs []string) (map[string]types.MessageAttributeValue, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]types.MessageAttributeValue, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --attr %q (want name=value)", pair)
		}
		out[name] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(value)}
	}
	return out, nil
}

// receivedMessage is the JSON line printed per received message.
type receivedMessage struct {
	MessageID     string            `json:"message_id"`
	ReceiptHandle string            `json:"receipt_handle"`
	Size          int               `json:"size"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

func newReceiveCommand(state *cliState) *cobra.Command {
	var maxMessages int32
	var waitSeconds int32
	var visibility int32
	var deleteAfter bool
	var follow bool
	var bodyOnly bool
	cmd := &cobra.Command{
		Use:          "receive",
		Short:        "Receive messages and restore offloaded bodies",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxMessages < 1 || maxMessages > maxBatchEntries {
				return fmt.Errorf("--max must be between 1 and %d", maxBatchEntries)
			}
			ctx := cmd.Context()
			s, err := openSession(ctx, state, "cli.receive")
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for {
				res, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
					QueueUrl:              aws.String(s.settings.QueueURL),
					MaxNumberOfMessages:   maxMessages,
					WaitTimeSeconds:       waitSeconds,
					VisibilityTimeout:     visibility,
					MessageAttributeNames: []string{"All"},
				})
				if err != nil {
					if follow && errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				for _, msg := range res.Messages {
					if bodyOnly {
						if _, err := io.WriteString(out, aws.ToString(msg.Body)+"\n"); err != nil {
							return err
						}
						continue
					}
					if err := enc.Encode(toReceivedMessage(msg)); err != nil {
						return err
					}
				}
				if deleteAfter && len(res.Messages) > 0 {
					handles := make([]string, 0, len(res.Messages))
					for _, msg := range res.Messages {
						handles = append(handles, aws.ToString(msg.ReceiptHandle))
					}
					if err := deleteHandles(ctx, s, handles); err != nil {
						return err
					}
				}
				if !follow || ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.Int32Var(&maxMessages, "max", 1, "maximum messages per receive (1-10)")
	flags.Int32Var(&waitSeconds, "wait", 5, "long poll wait in seconds (0-20)")
	flags.Int32Var(&visibility, "visibility-timeout", 0, "visibility timeout in seconds (0 uses the queue default)")
	flags.BoolVar(&deleteAfter, "delete", false, "delete messages (and their stored payloads) after printing")
	flags.BoolVar(&follow, "follow", false, "keep receiving until interrupted")
	flags.BoolVar(&bodyOnly, "body-only", false, "print only message bodies")
	return cmd
}

func toReceivedMessage(msg types.Message) receivedMessage {
	body := aws.ToString(msg.Body)
	rm := receivedMessage{
		MessageID:     aws.ToString(msg.MessageId),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		Size:          len(body),
		Body:          body,
	}
	if len(msg.MessageAttributes) > 0 {
		rm.Attributes = make(map[string]string, len(msg.MessageAttributes))
		for name, value := range msg.MessageAttributes {
			rm.Attributes[name] = aws.ToString(value.StringValue)
		}
	}
	return rm
}

func newDeleteCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "delete <receipt-handle>...",
		Short:        "Delete messages and their stored payloads",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, state, "cli.delete")
			if err != nil {
				return err
			}
			defer s.Close()
			if err := deleteHandles(ctx, s, args); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d message(s)\n", len(args))
			return nil
		},
	}
	return cmd
}

func deleteHandles(ctx context.Context, s *session, handles []string) error {
	queueURL := aws.String(s.settings.QueueURL)
	if len(handles) == 1 {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: queueURL, ReceiptHandle: aws.String(handles[0])})
		return err
	}
	var failed []error
	for start := 0; start < len(handles); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(handles))
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(handles[i]),
			})
		}
		out, err := s.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{QueueUrl: queueURL, Entries: entries})
		if err != nil {
			return err
		}
		for _, f := range out.Failed {
			failed = append(failed, fmt.Errorf("delete entry %s: %s: %s", aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message)))
		}
	}
	return errors.Join(failed...)
}

func newVisibilityCommand(state *cliState) *cobra.Command {
	var timeout int32
	cmd := &cobra.Command{
		Use:          "visibility <receipt-handle>...",
		Short:        "Change the visibility timeout of received messages",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, state, "cli.visibility")
			if err != nil {
				return err
			}
			defer s.Close()
			queueURL := aws.String(s.settings.QueueURL)
			if len(args) == 1 {
				if _, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          queueURL,
					ReceiptHandle:     aws.String(args[0]),
					VisibilityTimeout: timeout,
				}); err != nil {
					return err
				}
			} else {
				var failed []error
				for start := 0; start < len(args); start += maxBatchEntries {
					end := min(start+maxBatchEntries, len(args))
					entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, 0, end-start)
					for i := start; i < end; i++ {
						entries = append(entries, types.ChangeMessageVisibilityBatchRequestEntry{
							Id:                aws.String(strconv.Itoa(i)),
							ReceiptHandle:     aws.String(args[i]),
							VisibilityTimeout: timeout,
						})
					}
					out, err := s.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{QueueUrl: queueURL, Entries: entries})
					if err != nil {
						return err
					}
					for _, f := range out.Failed {
						failed = append(failed, fmt.Errorf("visibility entry %s: %s: %s", aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message)))
					}
				}
				if err := errors.Join(failed...); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "visibility of %d message(s) set to %ds\n", len(args), timeout)
			return nil
		},
	}
	cmd.Flags().Int32Var(&timeout, "timeout", 30, "new visibility timeout in seconds (0 releases the message)")
	return cmd
}
