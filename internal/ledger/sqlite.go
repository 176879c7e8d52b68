package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. Money columns are
// stored as decimal strings.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite ledger at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id          TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	source_file TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	total       INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS invoices (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL REFERENCES batches(id),
	student_id        TEXT NOT NULL,
	term_code         TEXT NOT NULL,
	legacy_receipt_no TEXT NOT NULL,
	subtotal          TEXT NOT NULL,
	discount          TEXT NOT NULL,
	total             TEXT NOT NULL,
	notes             TEXT,
	historical        INTEGER NOT NULL DEFAULT 1,
	issued_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id                 TEXT PRIMARY KEY,
	invoice_id         TEXT NOT NULL REFERENCES invoices(id),
	amount             TEXT NOT NULL,
	method             TEXT NOT NULL,
	external_reference TEXT NOT NULL UNIQUE,
	paid_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS receipt_mappings (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL REFERENCES batches(id),
	legacy_receipt_no TEXT NOT NULL,
	student_id        TEXT NOT NULL,
	term_code         TEXT NOT NULL,
	invoice_id        TEXT NOT NULL REFERENCES invoices(id),
	payment_id        TEXT NOT NULL REFERENCES payments(id),
	legacy_amount     TEXT NOT NULL,
	legacy_discount   TEXT NOT NULL,
	legacy_net_amount TEXT NOT NULL,
	theoretical_total TEXT NOT NULL,
	variance          TEXT NOT NULL,
	variance_pct      REAL NOT NULL,
	needs_review      INTEGER NOT NULL,
	high_variance     INTEGER NOT NULL,
	note_type         TEXT,
	note_tier         TEXT,
	note_confidence   REAL NOT NULL DEFAULT 0,
	normalized_note   TEXT,
	validation_status TEXT NOT NULL,
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rejections (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL,
	legacy_receipt_no TEXT,
	row_number        INTEGER NOT NULL,
	category          TEXT NOT NULL,
	message           TEXT NOT NULL,
	raw_row           TEXT,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_batch ON invoices(batch_id);
CREATE INDEX IF NOT EXISTS idx_mappings_receipt ON receipt_mappings(legacy_receipt_no);
CREATE INDEX IF NOT EXISTS idx_mappings_review ON receipt_mappings(needs_review);
CREATE INDEX IF NOT EXISTS idx_rejections_batch ON rejections(batch_id, category);
`

// batchDetailColumns were added after the first release. Ledgers created
// before that get them through ALTER TABLE.
var batchDetailColumns = []struct{ name, ddl string }{
	{"processed", "processed INTEGER NOT NULL DEFAULT 0"},
	{"needs_review", "needs_review INTEGER NOT NULL DEFAULT 0"},
	{"parameters", "parameters TEXT NOT NULL DEFAULT '{}'"},
	{"summary", "summary TEXT"},
}

// Migrate creates the ledger tables and adds missing batch columns.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('batches')`)
	if err != nil {
		return eris.Wrap(err, "sqlite: inspect batches")
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close() //nolint:errcheck
			return eris.Wrap(err, "sqlite: inspect batches")
		}
		have[name] = true
	}
	iterErr := rows.Err()
	rows.Close() //nolint:errcheck
	if iterErr != nil {
		return eris.Wrap(iterErr, "sqlite: inspect batches")
	}

	for _, c := range batchDetailColumns {
		if have[c.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE batches ADD COLUMN "+c.ddl); err != nil {
			return eris.Wrapf(err, "sqlite: add batches.%s", c.name)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateBatch inserts b, assigning an ID and start time when unset.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = BatchRunning
	}
	params, err := encodeParameters(b.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (id, mode, source_file, status, parameters, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Mode, b.SourceFile, string(b.Status), params, b.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: insert batch %s", b.ID)
}

// UpdateBatch stores the counters, summary, status and finish time of b.
func (s *SQLiteStore) UpdateBatch(ctx context.Context, b *Batch) error {
	summary, err := encodeSummary(b.Summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, total = ?, succeeded = ?, failed = ?, skipped = ?, processed = ?,
			needs_review = ?, summary = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(b.Status), b.Total, b.Succeeded, b.Failed, b.Skipped, b.Processed,
		b.NeedsReview, summary, nullString(b.Error), b.FinishedAt, b.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch %s", b.ID)
	}
	return checkRowsAffected(res, "batch", b.ID)
}

const batchColumns = `id, mode, source_file, status, total, succeeded, failed, skipped, processed, needs_review,
	parameters, summary, error, started_at, finished_at`

// GetBatch returns the batch or nil when it does not exist.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	return b, nil
}

// ListBatches returns the most recent batches first.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY started_at DESC LIMIT ?`, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

// InTx runs fn inside a transaction. With commit false the transaction is
// rolled back even when fn succeeds.
func (s *SQLiteStore) InTx(ctx context.Context, commit bool, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if !commit {
		return eris.Wrap(tx.Rollback(), "sqlite: rollback")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// RecordRejections inserts rs in a single transaction.
func (s *SQLiteStore) RecordRejections(ctx context.Context, rs []Rejection) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rejections (id, batch_id, legacy_receipt_no, row_number, category, message, raw_row, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return eris.Wrap(err, "sqlite: prepare rejection insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range rs {
		prepareRejection(&rs[i])
		r := rs[i]
		if _, err := stmt.ExecContext(ctx, r.ID, r.BatchID, r.LegacyReceiptNo, r.RowNumber,
			r.Category, r.Message, r.RawRow, r.CreatedAt); err != nil {
			_ = tx.Rollback()
			return eris.Wrapf(err, "sqlite: insert rejection for receipt %s", r.LegacyReceiptNo)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit rejections")
}

// CountPayments returns how many payments carry externalRef.
func (s *SQLiteStore) CountPayments(ctx context.Context, externalRef string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE external_reference = ?`, externalRef).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count payments")
}

// CountInvoices returns how many invoices were rebuilt from a legacy receipt.
func (s *SQLiteStore) CountInvoices(ctx context.Context, legacyReceiptNo string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE legacy_receipt_no = ?`, legacyReceiptNo).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count invoices")
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO invoices (id, batch_id, student_id, term_code, legacy_receipt_no, subtotal, discount, total, notes, historical, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.BatchID, inv.StudentID, inv.TermCode, inv.LegacyReceiptNo,
		inv.Subtotal.String(), inv.Discount.String(), inv.Total.String(),
		nullString(inv.Notes), inv.Historical, inv.IssuedAt,
	)
	return eris.Wrapf(err, "sqlite: insert invoice for receipt %s", inv.LegacyReceiptNo)
}

func (t *sqliteTx) PaymentExists(ctx context.Context, externalRef string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE external_reference = ?`, externalRef).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check payment")
	}
	return n > 0, nil
}

func (t *sqliteTx) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payments (id, invoice_id, amount, method, external_reference, paid_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.InvoiceID, p.Amount.String(), p.Method, p.ExternalReference, p.PaidAt,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicatePayment, "sqlite: payment %s", p.ExternalReference)
	}
	return eris.Wrapf(err, "sqlite: insert payment %s", p.ExternalReference)
}

func (t *sqliteTx) CreateReceiptMapping(ctx context.Context, m *ReceiptMapping) error {
	prepareMapping(m)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO receipt_mappings (id, batch_id, legacy_receipt_no, student_id, term_code, invoice_id, payment_id,
			legacy_amount, legacy_discount, legacy_net_amount, theoretical_total, variance, variance_pct,
			needs_review, high_variance, note_type, note_tier, note_confidence, normalized_note, validation_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.BatchID, m.LegacyReceiptNo, m.StudentID, m.TermCode, m.InvoiceID, m.PaymentID,
		m.LegacyAmount.String(), m.LegacyDiscount.String(), m.LegacyNetAmount.String(),
		m.TheoreticalTotal.String(), m.Variance.String(), m.VariancePct,
		m.NeedsReview, m.HighVariance, nullString(m.NoteType), nullString(m.NoteTier),
		m.NoteConfidence, nullString(m.NormalizedNote), m.ValidationStatus, m.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert receipt mapping %s", m.LegacyReceiptNo)
}

// ReceiptMappings returns the mappings of one batch in receipt order.
func (s *SQLiteStore) ReceiptMappings(ctx context.Context, batchID string) ([]ReceiptMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, legacy_receipt_no, invoice_id, payment_id, legacy_amount, theoretical_total, variance,
			variance_pct, needs_review, high_variance, validation_status
		 FROM receipt_mappings WHERE batch_id = ? ORDER BY legacy_receipt_no`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list receipt mappings")
	}
	defer rows.Close() //nolint:errcheck

	var out []ReceiptMapping
	for rows.Next() {
		m := ReceiptMapping{BatchID: batchID}
		var amount, theoretical, variance string
		if err := rows.Scan(&m.ID, &m.LegacyReceiptNo, &m.InvoiceID, &m.PaymentID, &amount, &theoretical,
			&variance, &m.VariancePct, &m.NeedsReview, &m.HighVariance, &m.ValidationStatus); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan receipt mapping")
		}
		m.LegacyAmount, _ = decimal.NewFromString(amount)
		m.TheoreticalTotal, _ = decimal.NewFromString(theoretical)
		m.Variance, _ = decimal.NewFromString(variance)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list receipt mappings iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*Batch, error) {
	var b Batch
	var status string
	var params string
	var summary, errText sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&b.ID, &b.Mode, &b.SourceFile, &status, &b.Total, &b.Succeeded,
		&b.Failed, &b.Skipped, &b.Processed, &b.NeedsReview, &params, &summary,
		&errText, &b.StartedAt, &finished); err != nil {
		return nil, err
	}
	if err := decodeBatchJSON(&b, []byte(params), []byte(summary.String)); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	b.Error = errText.String
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func prepareRejection(r *Rejection) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

func prepareMapping(m *ReceiptMapping) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
