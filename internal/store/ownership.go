// Package store persists the worker's coordination state: the Ownership
// lease that binds a worker to a (project, user) pair, and the ActiveJob
// record describing the in-flight instruction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrClaimLost reports that the conditional write protecting the Ownership
// record failed: another live worker holds the pair.
var ErrClaimLost = errors.New("ownership claim lost")

// Key identifies a (project, user) pair.
type Key struct {
	Project string
	User    string
}

// String renders the table partition key: {project}#{user}.
func (k Key) String() string { return k.Project + "#" + k.User }

// DynamoAPI is the slice of the DynamoDB client the store needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// ownershipItem is the wire shape of an Ownership record.
type ownershipItem struct {
	PK             string `dynamodbav:"pk"`
	OwnerWorkerID  string `dynamodbav:"ownerWorkerId"`
	AcquiredAt     int64  `dynamodbav:"acquiredAt"`
	RefreshedAt    int64  `dynamodbav:"refreshedAt"`
	LeaseExpiresAt int64  `dynamodbav:"leaseExpiresAt"`
}

// Ownership manages the lease table. The conditional-write primitive of the
// table is the sole mutual-exclusion mechanism across workers; the shared
// filesystem under the workspace provides durability, not exclusion.
type Ownership struct {
	api   DynamoAPI
	table string
	now   func() time.Time
}

// NewOwnership returns an Ownership store for the given table.
func NewOwnership(api DynamoAPI, table string) *Ownership {
	return &Ownership{api: api, table: table, now: time.Now}
}

// Claim writes the Ownership record for key iff no record exists or the
// existing record's lease has expired. Returns ErrClaimLost when another
// worker holds a live lease.
func (o *Ownership) Claim(ctx context.Context, key Key, workerID string, lease time.Duration) error {
	now := o.now().Unix()
	item, err := attributevalue.MarshalMap(ownershipItem{
		PK:             key.String(),
		OwnerWorkerID:  workerID,
		AcquiredAt:     now,
		RefreshedAt:    now,
		LeaseExpiresAt: now + int64(lease.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("marshalling ownership: %w", err)
	}

	_, err = o.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(o.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR leaseExpiresAt < :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(now)},
		},
	})
	if isConditionFailed(err) {
		return ErrClaimLost
	}
	if err != nil {
		return fmt.Errorf("claiming %s: %w", key, err)
	}
	return nil
}

// Refresh extends the lease iff this worker still owns it. ErrClaimLost
// means the lease was taken over and the caller must stop all work on the
// pair immediately.
func (o *Ownership) Refresh(ctx context.Context, key Key, workerID string, lease time.Duration) error {
	now := o.now().Unix()
	_, err := o.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(o.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: key.String()},
		},
		UpdateExpression:    aws.String("SET refreshedAt = :now, leaseExpiresAt = :exp"),
		ConditionExpression: aws.String("ownerWorkerId = :me"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(now)},
			":exp": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(now + int64(lease.Seconds()))},
			":me":  &ddbtypes.AttributeValueMemberS{Value: workerID},
		},
	})
	if isConditionFailed(err) {
		return ErrClaimLost
	}
	if err != nil {
		return fmt.Errorf("refreshing lease on %s: %w", key, err)
	}
	return nil
}

// Release deletes the Ownership record iff this worker still owns it. A
// record already taken over by another worker is left alone.
func (o *Ownership) Release(ctx context.Context, key Key, workerID string) error {
	_, err := o.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(o.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: key.String()},
		},
		ConditionExpression: aws.String("ownerWorkerId = :me"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":me": &ddbtypes.AttributeValueMemberS{Value: workerID},
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("releasing %s: %w", key, err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var condErr *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
