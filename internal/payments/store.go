package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws"
)

var (
	// ErrStatusMismatch is returned when a conditional status update finds a different status.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrAlreadyExists is returned when creating a payment id that is taken.
	ErrAlreadyExists = errors.New("payment already exists")
)

const (
	condNew             = "attribute_not_exists(payment_id)"
	condStatus          = "#s = :expected"
	condClaimCompletion = "#s = :successful AND (attribute_not_exists(completion_state) OR (completion_state = :publishing AND completion_lease_until < :now))"
	condPublishing      = "completion_state = :publishing"
)

// Store encapsulates operations on the payments table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new payments Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create stores a new record. Status defaults to pending.
func (s *Store) Create(ctx context.Context, rec Record) error {
	now := s.nowFunc().UTC()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString(condNew),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches a payment by payment_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, paymentID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(paymentID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &rec, nil
}

// Transition conditionally moves the status from expected to next.
// Returns ErrStatusMismatch if the record is missing or holds another status.
func (s *Store) Transition(ctx context.Context, paymentID, expected, next string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(paymentID),
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ConditionExpression:      awsString(condStatus),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: next},
			":expected": &types.AttributeValueMemberS{Value: expected},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ClaimCompletion takes the right to publish the Completion Event of a
// successful payment. It succeeds when nobody has claimed it yet or the
// previous claim's lease ran out without publishing.
func (s *Store) ClaimCompletion(ctx context.Context, paymentID string, lease time.Duration) (bool, error) {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(paymentID),
		UpdateExpression:         awsString("SET completion_state = :publishing, completion_lease_until = :until, updated_at = :ua"),
		ConditionExpression:      awsString(condClaimCompletion),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":successful": &types.AttributeValueMemberS{Value: StatusSuccessful},
			":publishing": &types.AttributeValueMemberS{Value: CompletionPublishing},
			":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":until":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(lease).Unix(), 10)},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim completion: %w", err)
	}
	return true, nil
}

// MarkCompletionPublished records that the Completion Event went out.
func (s *Store) MarkCompletionPublished(ctx context.Context, paymentID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 s.key(paymentID),
		UpdateExpression:    awsString("SET completion_state = :published, updated_at = :ua"),
		ConditionExpression: awsString(condPublishing),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":published":  &types.AttributeValueMemberS{Value: CompletionPublished},
			":publishing": &types.AttributeValueMemberS{Value: CompletionPublishing},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("mark completion published: %w", err)
	}
	return nil
}

// ReleaseCompletion expires a held claim so the next confirmation can publish
// without waiting out the lease.
func (s *Store) ReleaseCompletion(ctx context.Context, paymentID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 s.key(paymentID),
		UpdateExpression:    awsString("SET completion_lease_until = :zero, updated_at = :ua"),
		ConditionExpression: awsString(condPublishing),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":       &types.AttributeValueMemberN{Value: "0"},
			":publishing": &types.AttributeValueMemberS{Value: CompletionPublishing},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("release completion: %w", err)
	}
	return nil
}

func (s *Store) key(paymentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"payment_id": &types.AttributeValueMemberS{Value: paymentID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
