// Package postgres implements the remote store over a direct Postgres
// connection to the Supabase database.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/remote"
	"github.com/silvachamo/agrosync/pkg/models"
)

// Store is a Postgres-backed remote store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool to databaseURL.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Not pinging here: the daemon must start while offline.
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert inserts one row.
func (s *Store) Insert(ctx context.Context, table string, rec models.Record) error {
	query, args := buildInsert(table, rec)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify("insert", table, err)
	}
	logging.Debug("inserted row", zap.String("table", table))
	return nil
}

// Update patches the row matching key. Zero matched rows is not_found.
func (s *Store) Update(ctx context.Context, table, keyColumn string, key any, patch models.Record) (int64, error) {
	if len(patch) == 0 {
		// Nothing to set; still confirm the row exists.
		var one int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1`, pq.QuoteIdentifier(table), pq.QuoteIdentifier(keyColumn)),
			arg(key)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, remote.NewError(models.KindNotFound, "update", table, fmt.Errorf("no row with %s=%v", keyColumn, key))
		}
		if err != nil {
			return 0, classify("update", table, err)
		}
		return 1, nil
	}

	query, args := buildUpdate(table, keyColumn, key, patch)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("update", table, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, remote.NewError(models.KindNotFound, "update", table, fmt.Errorf("no row with %s=%v", keyColumn, key))
	}
	logging.Debug("updated row", zap.String("table", table), zap.Int64("rows", rows))
	return rows, nil
}

// Delete removes the row matching key. Zero matched rows is not_found.
func (s *Store) Delete(ctx context.Context, table, keyColumn string, key any) (int64, error) {
	query, args := buildDelete(table, keyColumn, key)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("delete", table, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, remote.NewError(models.KindNotFound, "delete", table, fmt.Errorf("no row with %s=%v", keyColumn, key))
	}
	logging.Debug("deleted row", zap.String("table", table), zap.Int64("rows", rows))
	return rows, nil
}

// Select returns rows matching every filter, each rendered by row_to_json.
func (s *Store) Select(ctx context.Context, table string, filters []models.Filter) ([]models.Record, error) {
	query, args, err := buildSelect(table, filters)
	if err != nil {
		return nil, remote.NewError(models.KindInvalid, "select", table, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("select", table, err)
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classify("select", table, err)
		}
		var rec models.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, remote.NewError(models.KindRejected, "select", table, fmt.Errorf("decode row: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select", table, err)
	}
	return records, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

func sortedColumns(rec models.Record) []string {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// arg converts a payload value into a driver argument. Nested objects and
// arrays go to json/jsonb columns as text.
func arg(v any) any {
	switch v.(type) {
	case map[string]any, []any, models.Record:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return v
	}
}

func buildInsert(table string, rec models.Record) (string, []any) {
	if len(rec) == 0 {
		return fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, pq.QuoteIdentifier(table)), nil
	}
	cols := sortedColumns(rec)
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = arg(rec[c])
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(params, ", ")), args
}

func buildUpdate(table, keyColumn string, key any, patch models.Record) (string, []any) {
	cols := sortedColumns(patch)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1)
		args = append(args, arg(patch[c]))
	}
	args = append(args, arg(key))
	return fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`,
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), pq.QuoteIdentifier(keyColumn), len(args)), args
}

func buildDelete(table, keyColumn string, key any) (string, []any) {
	return fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(keyColumn)), []any{arg(key)}
}

func buildSelect(table string, filters []models.Filter) (string, []any, error) {
	var where []string
	var args []any
	for _, f := range filters {
		op, ok := models.FilterOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
		args = append(args, f.Value)
		// Compare as text so filter values need no type information.
		where = append(where, fmt.Sprintf("t.%s::text %s $%d", pq.QuoteIdentifier(f.Column), op, len(args)))
	}

	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t`, pq.QuoteIdentifier(table))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query, args, nil
}

// classify maps driver errors onto the remote error taxonomy.
func classify(op, table string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		kind := models.KindRejected
		switch {
		case pqErr.Code == "42501", pqErr.Code.Class() == "28":
			kind = models.KindAuthorization
		case pqErr.Code == "42P01":
			kind = models.KindNotFound
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			kind = models.KindTransport
		}
		return remote.NewError(kind, op, table, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.As(err, &netErr):
		return remote.NewError(models.KindTransport, op, table, err)
	}
	return remote.NewError(remote.KindOf(err), op, table, err)
}
