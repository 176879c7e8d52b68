package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/db"
	"github.com/sells-group/sis-migrate/internal/resilience"
)

// PostgresStore implements Store using pgxpool. Tables live in the ledger
// schema.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, retry resilience.RetryConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: retry}, nil
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.pool)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateBatch inserts b, assigning an ID and start time when unset.
func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
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
	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO ledger.batches (id, mode, source_file, status, parameters, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			b.ID, b.Mode, b.SourceFile, string(b.Status), params, b.StartedAt,
		)
		return eris.Wrapf(err, "postgres: insert batch %s", b.ID)
	})
}

// UpdateBatch stores the counters, summary, status and finish time of b.
func (s *PostgresStore) UpdateBatch(ctx context.Context, b *Batch) error {
	summary, err := encodeSummary(b.Summary)
	if err != nil {
		return err
	}
	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE ledger.batches SET status = $1, total = $2, succeeded = $3, failed = $4, skipped = $5,
				processed = $6, needs_review = $7, summary = $8, error = $9, finished_at = $10 WHERE id = $11`,
			string(b.Status), b.Total, b.Succeeded, b.Failed, b.Skipped,
			b.Processed, b.NeedsReview, summary, optional(b.Error), b.FinishedAt, b.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update batch %s", b.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("batch not found: %s", b.ID)
		}
		return nil
	})
}

// GetBatch returns the batch or nil when it does not exist.
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM ledger.batches WHERE id = $1`, id)
	b, err := scanPgBatch(row)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	return b, nil
}

// ListBatches returns the most recent batches first.
func (s *PostgresStore) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM ledger.batches ORDER BY started_at DESC LIMIT $1`, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanPgBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

// InTx runs fn inside a transaction. With commit false the transaction is
// rolled back even when fn succeeds.
func (s *PostgresStore) InTx(ctx context.Context, commit bool, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if !commit {
		return eris.Wrap(tx.Rollback(ctx), "postgres: rollback")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

var rejectionColumns = []string{
	"id", "batch_id", "legacy_receipt_no", "row_number", "category", "message", "raw_row", "created_at",
}

// RecordRejections bulk-loads rs with COPY.
func (s *PostgresStore) RecordRejections(ctx context.Context, rs []Rejection) error {
	if len(rs) == 0 {
		return nil
	}
	rows := make([][]any, len(rs))
	for i := range rs {
		prepareRejection(&rs[i])
		r := rs[i]
		rows[i] = []any{r.ID, r.BatchID, r.LegacyReceiptNo, r.RowNumber, r.Category, r.Message, r.RawRow, r.CreatedAt}
	}
	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := db.CopyRows(ctx, s.pool, "ledger.rejections", rejectionColumns, rows)
		return err
	})
}

// CountPayments returns how many payments carry externalRef.
func (s *PostgresStore) CountPayments(ctx context.Context, externalRef string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger.payments WHERE external_reference = $1`, externalRef).Scan(&n)
	return n, eris.Wrap(err, "postgres: count payments")
}

// CountInvoices returns how many invoices were rebuilt from a legacy receipt.
func (s *PostgresStore) CountInvoices(ctx context.Context, legacyReceiptNo string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger.invoices WHERE legacy_receipt_no = $1`, legacyReceiptNo).Scan(&n)
	return n, eris.Wrap(err, "postgres: count invoices")
}

// ReceiptMappings returns the mappings of one batch in receipt order.
func (s *PostgresStore) ReceiptMappings(ctx context.Context, batchID string) ([]ReceiptMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, legacy_receipt_no, invoice_id, payment_id, legacy_amount, theoretical_total, variance,
			variance_pct, needs_review, high_variance, validation_status
		 FROM ledger.receipt_mappings WHERE batch_id = $1 ORDER BY legacy_receipt_no`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list receipt mappings")
	}
	defer rows.Close()

	var out []ReceiptMapping
	for rows.Next() {
		m := ReceiptMapping{BatchID: batchID}
		if err := rows.Scan(&m.ID, &m.LegacyReceiptNo, &m.InvoiceID, &m.PaymentID, &m.LegacyAmount,
			&m.TheoreticalTotal, &m.Variance, &m.VariancePct, &m.NeedsReview, &m.HighVariance,
			&m.ValidationStatus); err != nil {
			return nil, eris.Wrap(err, "postgres: scan receipt mapping")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list receipt mappings iterate")
}

type pgTx struct {
	q db.Querier
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger.invoices (id, batch_id, student_id, term_code, legacy_receipt_no, subtotal, discount, total, notes, historical, issued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.BatchID, inv.StudentID, inv.TermCode, inv.LegacyReceiptNo,
		db.Numeric(inv.Subtotal), db.Numeric(inv.Discount), db.Numeric(inv.Total),
		optional(inv.Notes), inv.Historical, inv.IssuedAt,
	)
	return eris.Wrapf(err, "postgres: insert invoice for receipt %s", inv.LegacyReceiptNo)
}

func (t *pgTx) PaymentExists(ctx context.Context, externalRef string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger.payments WHERE external_reference = $1)`, externalRef).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check payment")
	}
	return exists, nil
}

func (t *pgTx) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger.payments (id, invoice_id, amount, method, external_reference, paid_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.InvoiceID, db.Numeric(p.Amount), p.Method, p.ExternalReference, p.PaidAt,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicatePayment, "postgres: payment %s", p.ExternalReference)
	}
	return eris.Wrapf(err, "postgres: insert payment %s", p.ExternalReference)
}

func (t *pgTx) CreateReceiptMapping(ctx context.Context, m *ReceiptMapping) error {
	prepareMapping(m)
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger.receipt_mappings (id, batch_id, legacy_receipt_no, student_id, term_code, invoice_id, payment_id,
			legacy_amount, legacy_discount, legacy_net_amount, theoretical_total, variance, variance_pct,
			needs_review, high_variance, note_type, note_tier, note_confidence, normalized_note, validation_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		m.ID, m.BatchID, m.LegacyReceiptNo, m.StudentID, m.TermCode, m.InvoiceID, m.PaymentID,
		db.Numeric(m.LegacyAmount), db.Numeric(m.LegacyDiscount), db.Numeric(m.LegacyNetAmount),
		db.Numeric(m.TheoreticalTotal), db.Numeric(m.Variance), m.VariancePct,
		m.NeedsReview, m.HighVariance, optional(m.NoteType), optional(m.NoteTier),
		m.NoteConfidence, optional(m.NormalizedNote), m.ValidationStatus, m.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert receipt mapping %s", m.LegacyReceiptNo)
}

func scanPgBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var status string
	var errText *string
	var params, summary []byte
	if err := row.Scan(&b.ID, &b.Mode, &b.SourceFile, &status, &b.Total, &b.Succeeded,
		&b.Failed, &b.Skipped, &b.Processed, &b.NeedsReview, &params, &summary,
		&errText, &b.StartedAt, &b.FinishedAt); err != nil {
		return nil, err
	}
	if err := decodeBatchJSON(&b, params, summary); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	if errText != nil {
		b.Error = *errText
	}
	return &b, nil
}

// optional maps "" to NULL.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
