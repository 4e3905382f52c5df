// Package migrate creates and drops the DynamoDB tables used when resources
// are kept in DynamoDB instead of the host PostgreSQL database.
package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

// Migration is one schema step.
type Migration interface {
	Version() string
	TableName() string
	Up(ctx context.Context, client *dynamodb.Client) error
	Down(ctx context.Context, client *dynamodb.Client) error
}

// Migrations returns the ordered schema steps for the resources table.
func Migrations(table string) []Migration {
	return []Migration{
		&CreateResourcesTable{Table: table},
	}
}

// Up applies all migrations, skipping tables that already exist.
func Up(ctx context.Context, client *dynamodb.Client, table string) error {
	for _, m := range Migrations(table) {
		err := m.Up(ctx, client)
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			log.Infof("Table %s already exists, skipping %s", m.TableName(), m.Version())
			continue
		}
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Version(), err)
		}
		log.Infof("Applied migration %s", m.Version())
	}
	return nil
}

// Down rolls back all migrations in reverse order.
func Down(ctx context.Context, client *dynamodb.Client, table string) error {
	migrations := Migrations(table)
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		err := m.Down(ctx, client)
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rollback %s failed: %w", m.Version(), err)
		}
		log.Infof("Rolled back migration %s", m.Version())
	}
	return nil
}
