// Package sqsext extends an Amazon SQS client so message bodies larger than
// the queue accepts are stored in an object store and travel through the queue
// as a small pointer message.
//
// # Sending
//
// When large payload support is enabled, a body longer than
// Config.MessageSizeThreshold (256 KiB by default), or every body when
// Config.SetAlwaysThroughStore(true) is set, is uploaded first. The queue then
// receives s3://<container>/<key> as the body plus a LargePayloadSize number
// attribute holding the original length.
//
//	store, err := sqsext.OpenStore(ctx, sqsext.StoreConfig{URL: "s3://minio:9000/payloads?insecure=1"}, logger)
//	if err != nil { return err }
//	defer store.Close()
//
//	cfg := sqsext.NewConfig()
//	if err := store.Enable(cfg); err != nil { return err }
//	client, err := sqsext.New(sqs.NewFromConfig(awsCfg), cfg, sqsext.WithLogger(logger))
//	if err != nil { return err }
//	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: &queueURL, MessageBody: &body})
//
// # Receiving and deleting
//
// ReceiveMessage restores the payload of pointer messages and rewrites their
// receipt handle to <container>/<key>-..SEPARATOR..-<handle>. Pass that handle
// back to DeleteMessage, DeleteMessageBatch or ChangeMessageVisibility
// unchanged. Deletes remove the queue entry first and the stored payload
// second. A payload that cannot be removed is logged as
// sqsext.cleanup.warning and handed to the WithCleanupWarningHandler callback;
// the delete still succeeds.
//
// Client implements SQSClient, so it replaces *sqs.Client wherever that
// interface is accepted.
//
// # Stores
//
// OpenStore understands mem://, disk://, s3:// (MinIO and other S3-compatible
// services), aws:// (AWS SDK) and azure:// URLs. Stores are wrapped with a
// retry decorator, optional kryptograf envelope encryption and otel tracing.
package sqsext
