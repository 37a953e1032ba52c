package mapper

import (
	"fmt"
	"sort"
	"strings"
)

// SQLBuilder translates dynamic row maps into Postgres statements. Column
// sets vary per table (they come from field-mapping configuration), so
// statements are generated rather than prepared ahead of time.
type SQLBuilder struct{}

func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// BuildBatchInsert generates a multi-row INSERT. All rows must share the same
// column set (they are built from one field-mapping list); columns are sorted
// for deterministic SQL generation.
func (b *SQLBuilder) BuildBatchInsert(schema, table string, rows []map[string]any) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no rows provided for insert on %s.%s", schema, table)
	}

	columns := sortedColumns(rows[0])
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns provided for insert on %s.%s", schema, table)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}

	var args []any
	var tuples []string
	n := 1
	for _, row := range rows {
		placeholders := make([]string, len(columns))
		for i, c := range columns {
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, row[c])
			n++
		}
		tuples = append(tuples, "("+strings.Join(placeholders, ", ")+")")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		qualifiedName(schema, table),
		strings.Join(quoted, ", "),
		strings.Join(tuples, ", "),
	)

	return query, args, nil
}

// BuildUpdateByKey generates an UPDATE keyed on a single column. The key
// column itself is excluded from the SET clause.
func (b *SQLBuilder) BuildUpdateByKey(schema, table, keyColumn string, keyValue any, data map[string]any) (string, []any, error) {
	var setClauses []string
	var args []any

	n := 1
	for _, c := range sortedColumns(data) {
		if c == keyColumn {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", quoteIdent(c), n))
		args = append(args, data[c])
		n++
	}
	if len(setClauses) == 0 {
		return "", nil, fmt.Errorf("no updatable columns for %s.%s", schema, table)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		qualifiedName(schema, table),
		strings.Join(setClauses, ", "),
		quoteIdent(keyColumn),
		n,
	)
	args = append(args, keyValue)

	return query, args, nil
}

// BuildDeleteByKey generates a DELETE keyed on a single column.
func (b *SQLBuilder) BuildDeleteByKey(schema, table, keyColumn string) string {
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s = $1",
		qualifiedName(schema, table),
		quoteIdent(keyColumn),
	)
}

// BuildSelectKeys generates the existence probe for the two-phase upsert:
// which of the given key values already have rows.
func (b *SQLBuilder) BuildSelectKeys(schema, table, keyColumn string) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ANY($1)",
		quoteIdent(keyColumn),
		qualifiedName(schema, table),
		quoteIdent(keyColumn),
	)
}

func sortedColumns(row map[string]any) []string {
	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

func qualifiedName(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
