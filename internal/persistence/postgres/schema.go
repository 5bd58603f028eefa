// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var requiredTables = []string{
	"runs",
	"steps",
	"events",
}

type requiredColumn struct {
	Table  string
	Column string
}

var requiredColumns = []requiredColumn{
	{Table: "runs", Column: "status"},
	{Table: "runs", Column: "updated_at"},
	{Table: "steps", Column: "started_at"},
	{Table: "steps", Column: "finished_at"},
	{Table: "events", Column: "seq"},
	{Table: "events", Column: "payload"},
}

// RowQuerier is the subset of pgxpool.Pool used for schema checks.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type SchemaHealthChecker struct {
	db RowQuerier
}

func NewSchemaHealthChecker(db RowQuerier) *SchemaHealthChecker {
	return &SchemaHealthChecker{db: db}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.db)
}

// SchemaReady verifies that the runtime tables the snapshot source reads
// from exist with the columns it selects.
func SchemaReady(ctx context.Context, db RowQuerier) error {
	if db == nil {
		return errors.New("nil database pool")
	}

	missingTables := make([]string, 0, len(requiredTables))
	for _, table := range requiredTables {
		var relationName *string
		if err := db.QueryRow(ctx, `SELECT to_regclass($1)::text`, "public."+table).Scan(&relationName); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if relationName == nil || strings.TrimSpace(*relationName) == "" {
			missingTables = append(missingTables, table)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("required tables missing: %s", strings.Join(missingTables, ", "))
	}

	missingColumns := make([]string, 0, len(requiredColumns))
	for _, column := range requiredColumns {
		var exists bool
		if err := db.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM information_schema.columns
				WHERE table_schema = 'public'
				  AND table_name = $1
				  AND column_name = $2
			)
		`, column.Table, column.Column).Scan(&exists); err != nil {
			return fmt.Errorf("check column %s.%s: %w", column.Table, column.Column, err)
		}
		if !exists {
			missingColumns = append(missingColumns, column.Table+"."+column.Column)
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("required columns missing: %s", strings.Join(missingColumns, ", "))
	}

	return nil
}
