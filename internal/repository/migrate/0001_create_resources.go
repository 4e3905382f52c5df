package migrate

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/blobmigrate/internal/repository/db"
)

const ResourcesVersion = "20250801000000_resources_table"

// CreateResourcesTable creates the DynamoDB table holding resources and the
// index the migration uses to visit them oldest-first.
type CreateResourcesTable struct {
	Table string
}

func (m *CreateResourcesTable) Version() string {
	return ResourcesVersion
}

func (m *CreateResourcesTable) TableName() string {
	return m.Table
}

func (m *CreateResourcesTable) Up(ctx context.Context, client *dynamodb.Client) error {
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("url_type"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("created_key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       types.KeyTypeHash, // Partition Key
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(db.CandidateIndexName),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("url_type"),
						KeyType:       types.KeyTypeHash,
					},
					{
						AttributeName: aws.String("created_key"),
						KeyType:       types.KeyTypeRange,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
		TableName:   aws.String(m.Table),
		BillingMode: types.BillingModePayPerRequest, // On-demand billing for bursty migration runs
		Tags: []types.Tag{
			{
				Key:   aws.String("Purpose"),
				Value: aws.String("BlobMigration"),
			},
		},
	}

	// Create the table
	_, err := client.CreateTable(ctx, input)
	if err != nil {
		return err
	}

	// Wait for table to become active
	waiter := dynamodb.NewTableExistsWaiter(client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(m.Table),
	}, 5*time.Minute)

	return err
}

func (m *CreateResourcesTable) Down(ctx context.Context, client *dynamodb.Client) error {
	input := &dynamodb.DeleteTableInput{
		TableName: aws.String(m.Table),
	}

	_, err := client.DeleteTable(ctx, input)
	return err
}
