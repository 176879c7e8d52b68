// Package staging persists the raw, cleaned, validated, target and split
// slots of each table in a SQLite workspace. Every column is TEXT holding
// the canonical form of its value; row_id ties the slots of one source row
// together.
package staging

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sis-migrate/internal/resilience"
)

// RowIDColumn is the key shared by every slot of a table.
const RowIDColumn = "row_id"

// Row is one stored row. A nil field is SQL NULL.
type Row struct {
	ID     int64
	Fields map[string]*string
}

// Get returns a field value, or nil when absent or NULL.
func (r Row) Get(col string) *string { return r.Fields[col] }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the staging workspace. A Store handed out by Transact is bound
// to that transaction.
type Store struct {
	db    *sql.DB
	tx    *sql.Tx
	retry resilience.RetryConfig
}

// Open opens (or creates) the workspace at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "staging: open")
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "staging: exec %s", pragma)
		}
	}
	return &Store{db: db, retry: resilience.DefaultRetryConfig()}, nil
}

// WithRetry sets the retry policy for writes made outside a transaction.
func (s *Store) WithRetry(cfg resilience.RetryConfig) *Store {
	s.retry = cfg
	return s
}

// Close closes the database. It is a no-op on a transaction-bound Store.
func (s *Store) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// InTx reports whether s is bound to a transaction.
func (s *Store) InTx() bool { return s.tx != nil }

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Transact runs fn against a transaction-bound Store. With commit false the
// transaction is rolled back even when fn succeeds. Nested calls reuse the
// outer transaction.
func (s *Store) Transact(ctx context.Context, commit bool, fn func(*Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "staging: begin")
	}
	ts := &Store{db: s.db, tx: tx, retry: s.retry}
	if err := fn(ts); err != nil {
		_ = tx.Rollback()
		return err
	}
	if !commit {
		return eris.Wrap(tx.Rollback(), "staging: rollback")
	}
	return eris.Wrap(tx.Commit(), "staging: commit")
}

// write runs fn in a short transaction, retrying transient errors, unless s
// is already transaction-bound.
func (s *Store) write(ctx context.Context, fn func(querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "staging: begin")
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return eris.Wrap(tx.Commit(), "staging: commit")
	})
}

// Quote quotes an identifier for SQLite.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnDefs(columns []string) string {
	defs := []string{Quote(RowIDColumn) + " INTEGER PRIMARY KEY"}
	for _, c := range columns {
		defs = append(defs, Quote(c)+" TEXT")
	}
	return strings.Join(defs, ", ")
}

// ResetTable drops and recreates table with the given TEXT columns.
func (s *Store) ResetTable(ctx context.Context, table string, columns []string) error {
	return s.write(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+Quote(table)); err != nil {
			return eris.Wrapf(err, "staging: drop %s", table)
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", Quote(table), columnDefs(columns))); err != nil {
			return eris.Wrapf(err, "staging: create %s", table)
		}
		return nil
	})
}

// EnsureTable creates table when it does not exist.
func (s *Store) EnsureTable(ctx context.Context, table string, columns []string) error {
	return s.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(table), columnDefs(columns)))
		return eris.Wrapf(err, "staging: create %s", table)
	})
}

// DropTable removes table if present.
func (s *Store) DropTable(ctx context.Context, table string) error {
	return s.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+Quote(table))
		return eris.Wrapf(err, "staging: drop %s", table)
	})
}

// TableExists reports whether table exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.q().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "staging: table exists %s", table)
	}
	return n > 0, nil
}

// Columns returns the data columns of table in definition order.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.q().QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: columns %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "staging: scan column")
		}
		if name != RowIDColumn {
			cols = append(cols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "staging: columns")
	}
	if len(cols) == 0 {
		return nil, eris.Errorf("staging: table %s not found", table)
	}
	return cols, nil
}

// InsertRows appends rows. Rows with a zero ID get the next row_id.
func (s *Store) InsertRows(ctx context.Context, table string, columns []string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := append([]string{RowIDColumn}, columns...)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = Quote(c)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		Quote(table), strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	return s.write(ctx, func(q querier) error {
		for _, r := range rows {
			args := make([]any, len(cols))
			if r.ID != 0 {
				args[0] = r.ID
			}
			for i, c := range columns {
				if v := r.Fields[c]; v != nil {
					args[i+1] = *v
				}
			}
			if _, err := q.ExecContext(ctx, query, args...); err != nil {
				return eris.Wrapf(err, "staging: insert into %s", table)
			}
		}
		return nil
	})
}

// ReadRows returns up to limit rows with row_id greater than after, in
// row_id order. A nil columns reads every column.
func (s *Store) ReadRows(ctx context.Context, table string, columns []string, after int64, limit int) ([]Row, error) {
	if columns == nil {
		var err error
		if columns, err = s.Columns(ctx, table); err != nil {
			return nil, err
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s LIMIT ?",
		selectList(columns), Quote(table), Quote(RowIDColumn), Quote(RowIDColumn))
	return s.scan(ctx, columns, query, after, limit)
}

// FindRows returns rows whose columns equal the given values, in row_id
// order. A limit of zero means no limit.
func (s *Store) FindRows(ctx context.Context, table string, where map[string]string, limit int) ([]Row, error) {
	columns, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	clause, args := whereClause(where)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s", selectList(columns), Quote(table), clause, Quote(RowIDColumn))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.scan(ctx, columns, query, args...)
}

// Count counts rows matching where (all rows for a nil where).
func (s *Store) Count(ctx context.Context, table string, where map[string]string) (int64, error) {
	clause, args := whereClause(where)
	var n int64
	err := s.q().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+Quote(table)+clause, args...).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "staging: count %s", table)
	}
	return n, nil
}

// DistinctPairs diffs a raw slot against its cleaned slot on row_id and
// returns each distinct non-null raw value with the cleaned value it
// produced (nil when cleaning yielded NULL).
func (s *Store) DistinctPairs(ctx context.Context, rawTable, rawCol, cleanedTable, cleanedCol string) (map[string]*string, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT r.%s, c.%s FROM %s r JOIN %s c ON r.%s = c.%s WHERE r.%s IS NOT NULL",
		Quote(rawCol), Quote(cleanedCol), Quote(rawTable), Quote(cleanedTable),
		Quote(RowIDColumn), Quote(RowIDColumn), Quote(rawCol))
	rows, err := s.q().QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: diff %s.%s", rawTable, rawCol)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]*string)
	for rows.Next() {
		var raw string
		var cleaned sql.NullString
		if err := rows.Scan(&raw, &cleaned); err != nil {
			return nil, eris.Wrap(err, "staging: scan pair")
		}
		if cleaned.Valid {
			v := cleaned.String
			out[raw] = &v
		} else {
			out[raw] = nil
		}
	}
	return out, eris.Wrap(rows.Err(), "staging: diff")
}

func selectList(columns []string) string {
	parts := make([]string, 0, len(columns)+1)
	parts = append(parts, Quote(RowIDColumn))
	for _, c := range columns {
		parts = append(parts, Quote(c))
	}
	return strings.Join(parts, ", ")
}

func whereClause(where map[string]string) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = Quote(k) + " = ?"
		args[i] = where[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) scan(ctx context.Context, columns []string, query string, args ...any) ([]Row, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: query")
	}
	defer rows.Close() //nolint:errcheck

	var out []Row
	vals := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns)+1)
	for i := range vals {
		dest[i+1] = &vals[i]
	}
	for rows.Next() {
		var r Row
		dest[0] = &r.ID
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "staging: scan row")
		}
		r.Fields = make(map[string]*string, len(columns))
		for i, c := range columns {
			if vals[i].Valid {
				v := vals[i].String
				r.Fields[c] = &v
			} else {
				r.Fields[c] = nil
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "staging: rows")
}
