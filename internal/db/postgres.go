package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridsync/gridsync/internal/mapper"
	"github.com/gridsync/gridsync/internal/models"
)

// PostgresRepository handles row-level reads and writes against the
// synchronized tables. Tables and columns are dynamic (driven by the
// field-mapping configuration), so statements are built per call.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres not responding: %w", err)
	}

	logger.Info("Connected to Postgres successfully")

	return &PostgresRepository{
		pool:    p,
		builder: mapper.NewSQLBuilder(),
		logger:  logger,
	}, nil
}

// Pool exposes the underlying connection pool so sibling stores (queue,
// mapping resolver) can share one set of connections per process.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// UpsertRows writes fetched remote rows keyed on record_id: one batched probe
// for existing keys, one multi-row INSERT for the absent set, then per-row
// UPDATEs for the present set. Per-row updates keep individual request bodies
// small at the cost of write throughput; that trade-off is deliberate.
// Returns the number of rows written and an error if any phase failed.
func (r *PostgresRepository) UpsertRows(ctx context.Context, schema, table string, rows []map[string]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		id, _ := row[models.RecordIDColumn].(string)
		if id == "" {
			return 0, fmt.Errorf("row missing %s key for upsert on %s.%s", models.RecordIDColumn, schema, table)
		}
		keys = append(keys, id)
	}

	existing, err := r.existingKeys(ctx, schema, table, keys)
	if err != nil {
		return 0, err
	}

	var inserts []map[string]any
	var updates []map[string]any
	for _, row := range rows {
		if existing[row[models.RecordIDColumn].(string)] {
			updates = append(updates, row)
		} else {
			inserts = append(inserts, row)
		}
	}

	written := 0

	if len(inserts) > 0 {
		query, args, err := r.builder.BuildBatchInsert(schema, table, inserts)
		if err != nil {
			return written, err
		}
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return written, fmt.Errorf("batch insert failed on %s.%s: %w", schema, table, err)
		}
		written += len(inserts)
	}

	for _, row := range updates {
		key := row[models.RecordIDColumn]
		query, args, err := r.builder.BuildUpdateByKey(schema, table, models.RecordIDColumn, key, row)
		if err != nil {
			r.logger.Error("Skipping unbuildable update", "table", table, models.RecordIDColumn, key, "error", err)
			continue
		}
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return written, fmt.Errorf("update failed on %s.%s for %v: %w", schema, table, key, err)
		}
		written++
	}

	return written, nil
}

// WriteBackRecordID persists a remote-assigned record identifier onto the
// database row it was created from, matched by the echoed primary key.
func (r *PostgresRepository) WriteBackRecordID(ctx context.Context, schema, table string, pkValue any, recordID string) error {
	query, args, err := r.builder.BuildUpdateByKey(schema, table, models.PrimaryKeyColumn, pkValue,
		map[string]any{models.RecordIDColumn: recordID})
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record_id write-back failed on %s.%s: %w", schema, table, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("Write-back matched no rows", "table", table, "pk", pkValue, models.RecordIDColumn, recordID)
	}
	return nil
}

// DeleteByRecordID removes the row joined to a remote record. Missing rows
// are a benign no-op (the row may never have been synchronized).
func (r *PostgresRepository) DeleteByRecordID(ctx context.Context, schema, table, recordID string) error {
	query := r.builder.BuildDeleteByKey(schema, table, models.RecordIDColumn)
	if _, err := r.pool.Exec(ctx, query, recordID); err != nil {
		return fmt.Errorf("delete by %s failed on %s.%s: %w", models.RecordIDColumn, schema, table, err)
	}
	return nil
}

func (r *PostgresRepository) existingKeys(ctx context.Context, schema, table string, keys []string) (map[string]bool, error) {
	query := r.builder.BuildSelectKeys(schema, table, models.RecordIDColumn)

	rows, err := r.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("existence probe failed on %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(keys))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("existence probe scan failed: %w", err)
		}
		existing[key] = true
	}
	return existing, rows.Err()
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
