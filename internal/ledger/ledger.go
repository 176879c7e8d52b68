// Package ledger persists the A/R records rebuilt from legacy receipts:
// batches, invoices, payments, receipt mappings and rejections.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/resilience"
)

// ErrDuplicatePayment is returned when a payment's external reference has
// already been recorded.
var ErrDuplicatePayment = eris.New("duplicate payment reference")

// BatchStatus is the lifecycle state of a reconstruction batch.
type BatchStatus string

// Batch statuses.
const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchAborted   BatchStatus = "aborted"
)

// Batch is one reconstruction run.
type Batch struct {
	ID         string      `json:"id"`
	Mode       string      `json:"mode"`
	SourceFile string      `json:"source_file"`
	Status     BatchStatus `json:"status"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`

	// Processed excludes skipped rows; NeedsReview counts receipts
	// pending manual review.
	Processed   int            `json:"processed"`
	NeedsReview int            `json:"needs_review"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Summary     *BatchSummary  `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// BatchSummary is the variance and error breakdown stored with a finished
// batch.
type BatchSummary struct {
	NetVariance  decimal.Decimal `json:"net_variance"`
	HighVariance int             `json:"high_variance"`
	Categories   map[string]int  `json:"categories,omitempty"`
}

func encodeParameters(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", eris.Wrap(err, "ledger: encode batch parameters")
	}
	return string(b), nil
}

// encodeSummary returns nil for a batch without a summary.
func encodeSummary(s *BatchSummary) (*string, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: encode batch summary")
	}
	out := string(b)
	return &out, nil
}

// decodeBatchJSON fills the JSON columns of b. Empty inputs leave the
// fields unset.
func decodeBatchJSON(b *Batch, params, summary []byte) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &b.Parameters); err != nil {
			return eris.Wrapf(err, "ledger: decode parameters of batch %s", b.ID)
		}
		if len(b.Parameters) == 0 {
			b.Parameters = nil
		}
	}
	if len(summary) > 0 {
		b.Summary = &BatchSummary{}
		if err := json.Unmarshal(summary, b.Summary); err != nil {
			return eris.Wrapf(err, "ledger: decode summary of batch %s", b.ID)
		}
	}
	return nil
}

// Invoice is a historical invoice rebuilt from one receipt.
type Invoice struct {
	ID              string          `json:"id"`
	BatchID         string          `json:"batch_id"`
	StudentID       string          `json:"student_id"`
	TermCode        string          `json:"term_code"`
	LegacyReceiptNo string          `json:"legacy_receipt_no"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	Notes           string          `json:"notes,omitempty"`
	Historical      bool            `json:"historical"`
	IssuedAt        time.Time       `json:"issued_at"`
}

// Payment settles an invoice. ExternalReference is unique.
type Payment struct {
	ID                string          `json:"id"`
	InvoiceID         string          `json:"invoice_id"`
	Amount            decimal.Decimal `json:"amount"`
	Method            string          `json:"method"`
	ExternalReference string          `json:"external_reference"`
	PaidAt            time.Time       `json:"paid_at"`
}

// ReceiptMapping links a legacy receipt to what was rebuilt from it. It is
// written once and never updated.
type ReceiptMapping struct {
	ID               string          `json:"id"`
	BatchID          string          `json:"batch_id"`
	LegacyReceiptNo  string          `json:"legacy_receipt_no"`
	StudentID        string          `json:"student_id"`
	TermCode         string          `json:"term_code"`
	InvoiceID        string          `json:"invoice_id"`
	PaymentID        string          `json:"payment_id"`
	LegacyAmount     decimal.Decimal `json:"legacy_amount"`
	LegacyDiscount   decimal.Decimal `json:"legacy_discount"`
	LegacyNetAmount  decimal.Decimal `json:"legacy_net_amount"`
	TheoreticalTotal decimal.Decimal `json:"theoretical_total"`
	Variance         decimal.Decimal `json:"variance"`
	VariancePct      float64         `json:"variance_pct"`
	NeedsReview      bool            `json:"needs_review"`
	HighVariance     bool            `json:"high_variance"`
	NoteType         string          `json:"note_type,omitempty"`
	NoteTier         string          `json:"note_tier,omitempty"`
	NoteConfidence   float64         `json:"note_confidence"`
	NormalizedNote   string          `json:"normalized_note,omitempty"`
	ValidationStatus string          `json:"validation_status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Rejection is a receipt that could not be reconstructed, kept with its raw
// row for review.
type Rejection struct {
	ID              string    `json:"id"`
	BatchID         string    `json:"batch_id"`
	LegacyReceiptNo string    `json:"legacy_receipt_no"`
	RowNumber       int       `json:"row_number"`
	Category        string    `json:"category"`
	Message         string    `json:"message"`
	RawRow          string    `json:"raw_row"`
	CreatedAt       time.Time `json:"created_at"`
}

// Tx writes one receipt's records. Everything written through a Tx is
// committed or rolled back together.
type Tx interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	PaymentExists(ctx context.Context, externalRef string) (bool, error)
	CreatePayment(ctx context.Context, p *Payment) error
	CreateReceiptMapping(ctx context.Context, m *ReceiptMapping) error
}

// Store is the ledger backend.
type Store interface {
	Migrate(ctx context.Context) error

	CreateBatch(ctx context.Context, b *Batch) error
	UpdateBatch(ctx context.Context, b *Batch) error
	// GetBatch returns nil, nil when the batch does not exist.
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]Batch, error)

	// InTx runs fn in a transaction that is committed only when commit is
	// true and fn succeeds.
	InTx(ctx context.Context, commit bool, fn func(Tx) error) error
	RecordRejections(ctx context.Context, rs []Rejection) error
	ReceiptMappings(ctx context.Context, batchID string) ([]ReceiptMapping, error)
	CountPayments(ctx context.Context, externalRef string) (int, error)
	CountInvoices(ctx context.Context, legacyReceiptNo string) (int, error)

	Close() error
}

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg config.LedgerConfig, retry resilience.RetryConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, retry)
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}

// isUniqueViolation reports a unique constraint failure from either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
