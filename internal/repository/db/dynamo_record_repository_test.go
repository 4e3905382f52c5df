package db

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/blobmigrate/internal/domain"
	apperrors "github.com/zzenonn/blobmigrate/internal/errors"
)

// mockDynamoDB keeps resource items in memory and understands the handful
// of expressions the repository sends.
type mockDynamoDB struct {
	mu        sync.Mutex
	items     map[string]resourceItem
	queryErr  error
	updateErr error
}

func newMockDynamoDB(items ...resourceItem) *mockDynamoDB {
	m := &mockDynamoDB{items: make(map[string]resourceItem)}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func attrS(values map[string]types.AttributeValue, key string) string {
	if v, ok := values[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(values map[string]types.AttributeValue, key string) int64 {
	if v, ok := values[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (m *mockDynamoDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	after := attrS(params.ExpressionAttributeValues, ":after")
	var matched []resourceItem
	for _, it := range m.items {
		if it.URLType != domain.URLTypeUpload || it.State == domain.StateDeleted {
			continue
		}
		if after != "" && it.CreatedKey <= after {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedKey < matched[j].CreatedKey })

	out := &dynamodb.QueryOutput{}
	for _, it := range matched {
		item, err := attributevalue.MarshalMap(it)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}

	id := attrS(params.Key, "id")
	values := params.ExpressionAttributeValues
	it, exists := m.items[id]
	expr := aws.ToString(params.UpdateExpression)

	switch {
	case strings.HasPrefix(expr, "SET claim_owner"):
		if !exists || it.URLType != domain.URLTypeUpload || it.State == domain.StateDeleted {
			return nil, conditionFailed()
		}
		if it.ClaimOwner != "" && it.ClaimExpires >= attrN(values, ":now") {
			return nil, conditionFailed()
		}
		it.ClaimOwner = attrS(values, ":owner")
		it.ClaimExpires = attrN(values, ":expires")
	case strings.HasPrefix(expr, "SET extras"):
		if !exists || it.ClaimOwner != attrS(values, ":owner") {
			return nil, conditionFailed()
		}
		var extras map[string]any
		if err := attributevalue.UnmarshalMap(values[":extras"].(*types.AttributeValueMemberM).Value, &extras); err != nil {
			return nil, err
		}
		size := attrN(values, ":size")
		it.Extras = extras
		it.Size = &size
		it.ClaimOwner = ""
		it.ClaimExpires = 0
	case strings.HasPrefix(expr, "REMOVE"):
		if !exists || it.ClaimOwner != attrS(values, ":owner") {
			return nil, conditionFailed()
		}
		it.ClaimOwner = ""
		it.ClaimExpires = 0
	default:
		return nil, errors.New("unexpected update expression: " + expr)
	}

	m.items[id] = it
	attrs, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: attrs}, nil
}

func testItem(id string, created time.Time) resourceItem {
	return resourceItem{
		ID:          id,
		PackageID:   "pkg-" + id,
		PackageName: "dataset",
		URL:         id + ".csv",
		URLType:     domain.URLTypeUpload,
		State:       domain.StateActive,
		Extras:      map[string]any{"format": "CSV"},
		CreatedKey:  CreatedKey(created, id),
	}
}

func newTestRepo(client DynamoDBAPI, now time.Time) *DynamoRecordRepository {
	repo := NewDynamoRecordRepository(client, "resources", time.Hour)
	repo.now = func() time.Time { return now }
	return repo
}

func TestDynamoRecordRepository_ListCandidates(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted := testItem("c", base.Add(time.Minute))
	deleted.State = domain.StateDeleted
	link := testItem("d", base.Add(2*time.Minute))
	link.URLType = ""

	client := newMockDynamoDB(
		testItem("b", base.Add(3*time.Minute)),
		testItem("a", base),
		deleted,
		link,
		testItem("e", base.Add(4*time.Minute)),
	)
	repo := newTestRepo(client, base)

	first, err := repo.ListCandidates(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)
	assert.Equal(t, base, first[0].Created)
	assert.Equal(t, "CSV", first[0].Extras["format"])

	rest, err := repo.ListCandidates(context.Background(), domain.CursorOf(first[1]), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "e", rest[0].ID)
}

func TestDynamoRecordRepository_ListCandidatesError(t *testing.T) {
	client := newMockDynamoDB()
	client.queryErr = errors.New("throttled")

	_, err := newTestRepo(client, time.Now()).ListCandidates(context.Background(), nil, 10)

	assert.Error(t, err)
}

func TestDynamoRecordRepository_ClaimIsExclusive(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockDynamoDB(testItem("r1", now.Add(-time.Hour)))
	workerA := newTestRepo(client, now)
	workerB := newTestRepo(client, now)

	claim, err := workerA.Claim(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", claim.Resource().ID)
	assert.True(t, claim.Active())

	_, err = workerB.Claim(context.Background(), "r1")
	assert.ErrorIs(t, err, apperrors.ErrRecordClaimed)

	require.NoError(t, claim.Release(context.Background()))
	assert.False(t, claim.Active())

	claimB, err := workerB.Claim(context.Background(), "r1")
	require.NoError(t, err)
	require.NoError(t, claimB.Release(context.Background()))
}

func TestDynamoRecordRepository_ExpiredTicketCanBeTakenOver(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockDynamoDB(testItem("r1", now.Add(-time.Hour)))
	stale := newTestRepo(client, now)
	later := newTestRepo(client, now.Add(2*time.Hour))

	staleClaim, err := stale.Claim(context.Background(), "r1")
	require.NoError(t, err)

	_, err = later.Claim(context.Background(), "r1")
	require.NoError(t, err)

	err = staleClaim.Commit(context.Background(), domain.StorageProps{LFSPrefix: "ckan/dataset", SHA256: "abc", Size: 1})
	assert.ErrorIs(t, err, apperrors.ErrRecordClaimed)
	assert.Nil(t, client.items["r1"].Extras["sha256"])
}

func TestDynamoRecordRepository_ClaimMissingOrDeleted(t *testing.T) {
	now := time.Now()
	deleted := testItem("gone", now)
	deleted.State = domain.StateDeleted
	repo := newTestRepo(newMockDynamoDB(deleted), now)

	_, err := repo.Claim(context.Background(), "gone")
	assert.ErrorIs(t, err, apperrors.ErrRecordClaimed)

	_, err = repo.Claim(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrRecordClaimed)
}

func TestDynamoRecordRepository_Commit(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockDynamoDB(testItem("r1", now.Add(-time.Hour)))
	repo := newTestRepo(client, now)

	claim, err := repo.Claim(context.Background(), "r1")
	require.NoError(t, err)

	props := domain.StorageProps{
		LFSPrefix: "ckan/dataset",
		SHA256:    strings.Repeat("a", 64),
		Size:      42,
	}
	require.NoError(t, claim.Commit(context.Background(), props))
	assert.False(t, claim.Active())

	stored := client.items["r1"]
	assert.Equal(t, "ckan/dataset", stored.Extras[domain.ExtraLFSPrefix])
	assert.Equal(t, strings.Repeat("a", 64), stored.Extras[domain.ExtraSHA256])
	assert.Equal(t, "CSV", stored.Extras["format"])
	require.NotNil(t, stored.Size)
	assert.Equal(t, int64(42), *stored.Size)
	assert.Empty(t, stored.ClaimOwner)

	assert.Equal(t, "ckan/dataset", claim.Resource().Extra(domain.ExtraLFSPrefix))
	assert.NoError(t, claim.Release(context.Background()))
}

func TestDynamoRecordRepository_CommitFailureReleasesTicket(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockDynamoDB(testItem("r1", now.Add(-time.Hour)))
	repo := newTestRepo(client, now)

	claim, err := repo.Claim(context.Background(), "r1")
	require.NoError(t, err)

	client.updateErr = errors.New("service unavailable")
	err = claim.Commit(context.Background(), domain.StorageProps{SHA256: "x", Size: 1})
	require.Error(t, err)
	assert.False(t, claim.Active())

	client.updateErr = nil
	assert.Nil(t, client.items["r1"].Extras["sha256"])
}
