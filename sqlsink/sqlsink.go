// Package sqlsink implements a restpipe.Sink on top of database/sql, written
// against SQL Server's @pN placeholder syntax (github.com/microsoft/go-mssqldb).
// Each resource maps to a table named after the resource; destination tables
// must already exist with columns matching the record field names.
package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bjaus/restpipe"
)

// Sink writes batches to a SQL database. The merge disposition is implemented
// as check-then-insert-or-update per row inside one transaction per batch.
type Sink struct {
	db *sql.DB
}

var _ restpipe.Sink = (*Sink)(nil)

func New(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// Write applies one batch under the resource's write disposition. The whole
// batch commits or rolls back as a unit, so a nil return is a durable accept.
func (s *Sink) Write(ctx context.Context, res restpipe.Resource, batch restpipe.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
	}
	defer tx.Rollback()

	if res.Disposition == restpipe.DispositionReplace && batch.Seq == 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(res.Name))); err != nil {
			return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: fmt.Errorf("truncate: %w", err)}
		}
	}

	for _, rec := range batch.Records {
		var err error
		if res.Disposition == restpipe.DispositionMerge {
			err = s.mergeRow(ctx, tx, res, rec)
		} else {
			err = s.insertRow(ctx, tx, res, rec)
		}
		if err != nil {
			return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
	}
	return nil
}

func (s *Sink) insertRow(ctx context.Context, tx *sql.Tx, res restpipe.Resource, rec restpipe.Record) error {
	cols, args := rowValues(rec)
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(res.Name), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Sink) mergeRow(ctx context.Context, tx *sql.Tx, res restpipe.Resource, rec restpipe.Record) error {
	where, keyArgs, err := keyClause(res, rec)
	if err != nil {
		return err
	}

	var exists int
	check := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", quoteIdent(res.Name), where)
	err = tx.QueryRowContext(ctx, check, keyArgs...).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insertRow(ctx, tx, res, rec)
	case err != nil:
		return err
	}

	cols, args := rowValues(rec)
	setClauses := make([]string, len(cols))
	for i, col := range cols {
		setClauses[i] = fmt.Sprintf("%s = @p%d", col, i+1)
	}
	// Key placeholders continue after the SET placeholders.
	whereShifted, _, err := keyClauseFrom(res, rec, len(args)+1)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(res.Name), strings.Join(setClauses, ", "), whereShifted)
	_, err = tx.ExecContext(ctx, query, append(args, keyArgs...)...)
	return err
}

// rowValues flattens a record into parallel column and argument slices in a
// deterministic order. Nested values are stored as JSON text.
func rowValues(rec restpipe.Record) ([]string, []any) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdent(k)
		args[i] = sqlValue(rec[k])
	}
	return cols, args
}

func keyClause(res restpipe.Resource, rec restpipe.Record) (string, []any, error) {
	return keyClauseFrom(res, rec, 1)
}

func keyClauseFrom(res restpipe.Resource, rec restpipe.Record, firstParam int) (string, []any, error) {
	clauses := make([]string, len(res.PrimaryKey))
	args := make([]any, len(res.PrimaryKey))
	for i, field := range res.PrimaryKey {
		v, ok := rec.Lookup(field)
		if !ok {
			return "", nil, fmt.Errorf("record is missing primary key field %q", field)
		}
		clauses[i] = fmt.Sprintf("%s = @p%d", quoteIdent(field), firstParam+i)
		args[i] = sqlValue(v)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// sqlValue maps decoded JSON values to driver-friendly arguments. Objects and
// arrays have no scalar column form, so they land as JSON text.
func sqlValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return v
	}
}

// quoteIdent brackets an identifier for SQL Server. Resource names and field
// names come from pipeline configuration, not from remote data, but bracketing
// keeps reserved words usable as table and column names.
func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
