package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateGINIndexes creates full-text search GIN indexes for PostgreSQL.
// These enable efficient instruction/result search over the task history.
func CreateGINIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_tasks_instruction_gin
		ON tasks USING gin(to_tsvector('english', instruction))`)
	if err != nil {
		return fmt.Errorf("failed to create instruction GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_tasks_result_gin
		ON tasks USING gin(to_tsvector('english', COALESCE(result, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create result GIN index: %w", err)
	}

	return nil
}
