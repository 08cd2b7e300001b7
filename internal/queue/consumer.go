package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// longPollWait is the SQS maximum long-poll duration.
const longPollWait = 20 * time.Second

// SQSAPI is the slice of the SQS client the consumer needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Received is one message pulled off a queue, with the receipt handle
// needed for terminal actions on it.
type Received struct {
	Body          string
	ReceiptHandle string
}

// Consumer reads one queue, one message at a time. The work queue is FIFO
// with one in-flight message per group, so concurrent receipt would violate
// serial-per-owner semantics and is deliberately not supported.
type Consumer struct {
	api SQSAPI
	url string
}

// NewConsumer returns a Consumer for the queue at url.
func NewConsumer(api SQSAPI, url string) *Consumer {
	return &Consumer{api: api, url: url}
}

// URL returns the queue URL this consumer reads.
func (c *Consumer) URL() string { return c.url }

// Receive long-polls for a single message. Returns nil when the poll
// expires with nothing available.
func (c *Consumer) Receive(ctx context.Context) (*Received, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(longPollWait.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", c.url, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	msg := out.Messages[0]
	return &Received{
		Body:          aws.ToString(msg.Body),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
	}, nil
}

// Delete removes a message permanently. This is the terminal action that
// unblocks a FIFO group for its next message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", c.url, err)
	}
	return nil
}

// Return makes a message immediately visible again, handing it back to the
// queue without consuming it.
func (c *Consumer) Return(ctx context.Context, receiptHandle string) error {
	return c.setVisibility(ctx, receiptHandle, 0)
}

// ExtendVisibility pushes the message's visibility timeout out by d so it is
// not redelivered while a long pipeline is still running.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	return c.setVisibility(ctx, receiptHandle, int32(d.Seconds()))
}

func (c *Consumer) setVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("changing visibility on %s: %w", c.url, err)
	}
	return nil
}
