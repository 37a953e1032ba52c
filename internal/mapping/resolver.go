// Package mapping resolves field-mapping configuration for table pairs. The
// field_mapping table is externally administered and read-only here.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridsync/gridsync/internal/models"
)

// ErrMappingNotFound marks a table pair with no configured field mappings.
// This is an expected outcome (new tables not yet configured): callers must
// skip and drop the associated messages, never retry.
var ErrMappingNotFound = errors.New("no field mapping configured")

// Resolver looks up mapping descriptors by either side of a table pair.
type Resolver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewResolver(pool *pgxpool.Pool, logger *slog.Logger) *Resolver {
	return &Resolver{pool: pool, logger: logger}
}

// ResolveByDBTable returns the mapping descriptor for a database-side key.
func (r *Resolver) ResolveByDBTable(ctx context.Context, schema, table string) (*models.TableMapping, error) {
	query := `
		SELECT db_schema, db_table, app_token, table_id, db_field_name, remote_field_name, remote_field_type
		FROM field_mapping
		WHERE db_schema = $1 AND db_table = $2
		ORDER BY db_field_name
	`
	return r.resolve(ctx, query, schema, table)
}

// ResolveByRemoteTable returns the mapping descriptor for a remote-side key.
func (r *Resolver) ResolveByRemoteTable(ctx context.Context, appToken, tableID string) (*models.TableMapping, error) {
	query := `
		SELECT db_schema, db_table, app_token, table_id, db_field_name, remote_field_name, remote_field_type
		FROM field_mapping
		WHERE app_token = $1 AND table_id = $2
		ORDER BY db_field_name
	`
	return r.resolve(ctx, query, appToken, tableID)
}

func (r *Resolver) resolve(ctx context.Context, query string, keyA, keyB string) (*models.TableMapping, error) {
	rows, err := r.pool.Query(ctx, query, keyA, keyB)
	if err != nil {
		return nil, fmt.Errorf("field mapping query failed: %w", err)
	}
	defer rows.Close()

	var fields []models.FieldMapping
	for rows.Next() {
		var f models.FieldMapping
		if err := rows.Scan(
			&f.DBSchema,
			&f.DBTable,
			&f.AppToken,
			&f.TableID,
			&f.DBFieldName,
			&f.RemoteFieldName,
			&f.RemoteFieldType,
		); err != nil {
			return nil, fmt.Errorf("field mapping scan failed: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("field mapping rows failed: %w", err)
	}

	if len(fields) == 0 {
		return nil, ErrMappingNotFound
	}

	return &models.TableMapping{
		DBSchema: fields[0].DBSchema,
		DBTable:  fields[0].DBTable,
		AppToken: fields[0].AppToken,
		TableID:  fields[0].TableID,
		Fields:   fields,
	}, nil
}
