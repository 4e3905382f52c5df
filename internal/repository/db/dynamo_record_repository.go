package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	apperrors "github.com/zzenonn/blobmigrate/internal/errors"
)

const (
	// CandidateIndexName orders resources of one url_type by created_key.
	CandidateIndexName = "url_type-created_key-index"

	createdKeyLayout = "2006-01-02T15:04:05.000000000Z"
)

// DynamoDBAPI is the subset of the DynamoDB client the repository uses.
type DynamoDBAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// resourceItem is the DynamoDB representation of a resource plus its claim
// ticket attributes.
type resourceItem struct {
	ID           string         `dynamodbav:"id"`
	PackageID    string         `dynamodbav:"package_id"`
	PackageName  string         `dynamodbav:"package_name"`
	Name         string         `dynamodbav:"name"`
	URL          string         `dynamodbav:"url"`
	URLType      string         `dynamodbav:"url_type"`
	State        string         `dynamodbav:"state"`
	Size         *int64         `dynamodbav:"size,omitempty"`
	Extras       map[string]any `dynamodbav:"extras"`
	CreatedKey   string         `dynamodbav:"created_key"`
	ClaimOwner   string         `dynamodbav:"claim_owner,omitempty"`
	ClaimExpires int64          `dynamodbav:"claim_expires,omitempty"`
}

// CreatedKey builds the sort key used for oldest-first ordering.
func CreatedKey(created time.Time, id string) string {
	return created.UTC().Format(createdKeyLayout) + "#" + id
}

func (it resourceItem) toDomain() (domain.Resource, error) {
	res := domain.Resource{
		ID:          it.ID,
		PackageID:   it.PackageID,
		PackageName: it.PackageName,
		Name:        it.Name,
		URL:         it.URL,
		URLType:     it.URLType,
		State:       it.State,
		Size:        it.Size,
		Extras:      it.Extras,
	}
	if res.Extras == nil {
		res.Extras = map[string]any{}
	}
	if len(it.CreatedKey) >= len(createdKeyLayout) {
		created, err := time.Parse(createdKeyLayout, it.CreatedKey[:len(createdKeyLayout)])
		if err != nil {
			return domain.Resource{}, fmt.Errorf("invalid created_key for resource %s: %w", it.ID, err)
		}
		res.Created = created
	}
	return res, nil
}

// DynamoRecordRepository claims resources with conditional-update tickets
// instead of row locks. A ticket is owned by one worker id and expires after
// the claim TTL so a killed worker cannot hold a resource forever.
type DynamoRecordRepository struct {
	client    DynamoDBAPI
	tableName string
	owner     string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoRecordRepository initializes a new DynamoRecordRepository.
func NewDynamoRecordRepository(client DynamoDBAPI, tableName string, ttl time.Duration) *DynamoRecordRepository {
	return &DynamoRecordRepository{
		client:    client,
		tableName: tableName,
		owner:     uuid.NewString(),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Owner returns the worker id written into claim tickets.
func (repo *DynamoRecordRepository) Owner() string {
	return repo.owner
}

// ListCandidates queries the candidate index oldest-first.
func (repo *DynamoRecordRepository) ListCandidates(ctx context.Context, after *domain.Cursor, limit int) ([]domain.Resource, error) {
	keyCond := "url_type = :upload"
	values := map[string]types.AttributeValue{
		":upload":  &types.AttributeValueMemberS{Value: domain.URLTypeUpload},
		":deleted": &types.AttributeValueMemberS{Value: domain.StateDeleted},
	}
	if after != nil {
		keyCond += " AND created_key > :after"
		values[":after"] = &types.AttributeValueMemberS{Value: CreatedKey(after.Created, after.ID)}
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		IndexName:              aws.String(CandidateIndexName),
		KeyConditionExpression: aws.String(keyCond),
		FilterExpression:       aws.String("#state <> :deleted"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true),
		Limit:                     aws.Int32(int32(limit)),
	}

	var resources []domain.Resource
	for len(resources) < limit {
		result, err := repo.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query candidate resources: %w", err)
		}

		for _, item := range result.Items {
			var it resourceItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("failed to unmarshal resource: %w", err)
			}
			res, err := it.toDomain()
			if err != nil {
				return nil, err
			}
			resources = append(resources, res)
			if len(resources) == limit {
				break
			}
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return resources, nil
}

// Claim writes a claim ticket if the resource is unclaimed or its previous
// ticket expired.
func (repo *DynamoRecordRepository) Claim(ctx context.Context, id string) (Claim, error) {
	now := repo.now()
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(repo.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: aws.String("SET claim_owner = :owner, claim_expires = :expires"),
		ConditionExpression: aws.String("attribute_exists(id) AND url_type = :upload AND #state <> :deleted AND " +
			"(attribute_not_exists(claim_owner) OR claim_expires < :now)"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":   &types.AttributeValueMemberS{Value: repo.owner},
			":expires": &types.AttributeValueMemberN{Value: fmt.Sprint(now.Add(repo.ttl).Unix())},
			":now":     &types.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())},
			":upload":  &types.AttributeValueMemberS{Value: domain.URLTypeUpload},
			":deleted": &types.AttributeValueMemberS{Value: domain.StateDeleted},
		},
		ReturnValues: types.ReturnValueAllNew,
	}

	result, err := repo.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, apperrors.ErrRecordClaimed
		}
		return nil, fmt.Errorf("failed to claim resource %s: %w", id, err)
	}

	var it resourceItem
	if err := attributevalue.UnmarshalMap(result.Attributes, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	res, err := it.toDomain()
	if err != nil {
		return nil, err
	}

	return &dynamoClaim{repo: repo, res: res}, nil
}

type dynamoClaim struct {
	repo *DynamoRecordRepository
	res  domain.Resource
	done bool
}

func (c *dynamoClaim) Resource() domain.Resource {
	return c.res
}

func (c *dynamoClaim) Active() bool {
	return !c.done
}

// Commit writes extras and size and drops the ticket in one conditional
// update, so a worker whose ticket expired and was taken over cannot write.
func (c *dynamoClaim) Commit(ctx context.Context, props domain.StorageProps) error {
	if c.done {
		return apperrors.ErrRecordClaimed
	}
	c.done = true

	res := c.res
	res.Extras = copyExtras(c.res.Extras)
	props.Apply(&res)

	extras, err := attributevalue.MarshalMap(res.Extras)
	if err != nil {
		c.release(ctx)
		return fmt.Errorf("failed to marshal extras: %w", err)
	}

	_, err = c.repo.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.repo.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: res.ID},
		},
		UpdateExpression:    aws.String("SET extras = :extras, #size = :size REMOVE claim_owner, claim_expires"),
		ConditionExpression: aws.String("claim_owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#size": "size",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":extras": &types.AttributeValueMemberM{Value: extras},
			":size":   &types.AttributeValueMemberN{Value: fmt.Sprint(*res.Size)},
			":owner":  &types.AttributeValueMemberS{Value: c.repo.owner},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("claim on resource %s was lost before commit: %w", res.ID, apperrors.ErrRecordClaimed)
		}
		c.release(ctx)
		return fmt.Errorf("failed to update resource %s: %w", res.ID, err)
	}

	c.res = res
	return nil
}

func (c *dynamoClaim) Release(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	return c.release(ctx)
}

func (c *dynamoClaim) release(ctx context.Context) error {
	_, err := c.repo.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.repo.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: c.res.ID},
		},
		UpdateExpression:    aws.String("REMOVE claim_owner, claim_expires"),
		ConditionExpression: aws.String("claim_owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: c.repo.owner},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		log.WithField("resource", c.res.ID).Warnf("Failed to release claim ticket: %v", err)
		return fmt.Errorf("failed to release resource %s: %w", c.res.ID, err)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
