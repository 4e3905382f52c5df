package db

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

type DynamoDb struct {
	Client *dynamodb.Client
}

func NewDatabase(awsConfig aws.Config) (*DynamoDb, error) {
	client := dynamodb.NewFromConfig(awsConfig)
	if client == nil {
		return nil, fmt.Errorf("failed to create DynamoDB client")
	}

	return &DynamoDb{
		Client: client,
	}, nil
}

// NewPostgresPool connects to the host application's PostgreSQL database and
// verifies the connection with a ping.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	log.WithFields(log.Fields{
		"host":     poolCfg.ConnConfig.Host,
		"database": poolCfg.ConnConfig.Database,
	}).Debug("Connected to PostgreSQL")

	return pool, nil
}
