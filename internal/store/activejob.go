package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ActiveJob describes the instruction currently in flight for a pair. At
// most one exists per (project, user); the table TTL expires stranded
// records as a safety net.
type ActiveJob struct {
	PK            string `dynamodbav:"pk"`
	MessageID     string `dynamodbav:"messageId"`
	TaskToken     string `dynamodbav:"taskToken"`
	ReceiptHandle string `dynamodbav:"receiptHandle"`
	ThreadID      string `dynamodbav:"threadId"`
	StartedAt     int64  `dynamodbav:"startedAt"`
	TTL           int64  `dynamodbav:"ttl"`
}

// ActiveJobs manages the active-job table.
type ActiveJobs struct {
	api   DynamoAPI
	table string
	ttl   time.Duration
	now   func() time.Time
}

// NewActiveJobs returns an ActiveJobs store. ttl bounds how long a stranded
// record survives a crashed worker.
func NewActiveJobs(api DynamoAPI, table string, ttl time.Duration) *ActiveJobs {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ActiveJobs{api: api, table: table, ttl: ttl, now: time.Now}
}

// Put records the in-flight instruction for key, replacing any expired
// leftover.
func (a *ActiveJobs) Put(ctx context.Context, key Key, job ActiveJob) error {
	job.PK = key.String()
	job.StartedAt = a.now().Unix()
	job.TTL = a.now().Add(a.ttl).Unix()

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("marshalling active job: %w", err)
	}
	_, err = a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("recording active job for %s: %w", key, err)
	}
	return nil
}

// Get loads the active job for key. Returns nil when none exists.
func (a *ActiveJobs) Get(ctx context.Context, key Key) (*ActiveJob, error) {
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: key.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading active job for %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var job ActiveJob
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("unmarshalling active job: %w", err)
	}
	return &job, nil
}

// Delete removes the active job for key. Deleting an absent record is a
// no-op.
func (a *ActiveJobs) Delete(ctx context.Context, key Key) error {
	_, err := a.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: key.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting active job for %s: %w", key, err)
	}
	return nil
}
