package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/ledger"
	"github.com/sells-group/sis-migrate/internal/notes"
	"github.com/sells-group/sis-migrate/internal/resilience"
)

// Processing modes.
const (
	// ModeIntegrated prices each receipt from the student's enrollments.
	ModeIntegrated = "integrated"
	// ModeReceiptOnly trusts the receipt amount as the theoretical total.
	ModeReceiptOnly = "receipt_only"
)

// PaymentReferencePrefix prefixes the idempotency key of every payment.
const PaymentReferencePrefix = "LEGACY-RCPT-"

// PaymentReference is the idempotency key for a legacy receipt.
func PaymentReference(receiptNo string) string {
	return PaymentReferencePrefix + receiptNo
}

// Options control one batch.
type Options struct {
	Mode              string
	SourceFile        string
	BatchSize         int
	StartFrom         int
	MaxRecords        int
	SuccessThreshold  float64
	MinSample         int
	ReviewVariancePct float64
	HighVariancePct   float64
	MinNoteConfidence float64
	ProgressEvery     int
	RatePerSecond     float64
	DryRun            bool
	Retry             resilience.RetryConfig
}

// OptionsFromConfig fills Options from configuration.
func OptionsFromConfig(c config.ReconstructConfig, retry config.RetryConfig) Options {
	return Options{
		Mode:              c.Mode,
		BatchSize:         c.BatchSize,
		SuccessThreshold:  c.SuccessThreshold,
		MinSample:         c.MinSample,
		ReviewVariancePct: c.ReviewVariancePct,
		HighVariancePct:   c.HighVariancePct,
		MinNoteConfidence: c.MinNoteConfidence,
		ProgressEvery:     c.ProgressEvery,
		RatePerSecond:     c.RatePerSecond,
		Retry:             resilience.FromConfig(retry),
	}
}

// parameters are the options recorded with a batch for audit and resume.
func (o Options) parameters() map[string]any {
	return map[string]any{
		"batch_size":          o.BatchSize,
		"start_from":          o.StartFrom,
		"max_records":         o.MaxRecords,
		"success_threshold":   o.SuccessThreshold,
		"min_sample":          o.MinSample,
		"review_variance_pct": o.ReviewVariancePct,
		"high_variance_pct":   o.HighVariancePct,
		"min_note_confidence": o.MinNoteConfidence,
		"dry_run":             o.DryRun,
	}
}

func (o *Options) applyDefaults() {
	if o.Mode == "" {
		o.Mode = ModeIntegrated
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.ReviewVariancePct <= 0 {
		o.ReviewVariancePct = 5
	}
	if o.HighVariancePct <= 0 {
		o.HighVariancePct = 10
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = resilience.DefaultRetryConfig()
	}
}

func (o Options) validate() error {
	if o.Mode != ModeIntegrated && o.Mode != ModeReceiptOnly {
		return eris.Errorf("reconstruct: unknown mode %q", o.Mode)
	}
	if o.SuccessThreshold < 0 || o.SuccessThreshold > 1 {
		return eris.Errorf("reconstruct: success threshold %.2f must be between 0 and 1", o.SuccessThreshold)
	}
	if o.StartFrom < 0 || o.MaxRecords < 0 {
		return eris.New("reconstruct: start-from and max-records must not be negative")
	}
	if o.HighVariancePct < o.ReviewVariancePct {
		return eris.New("reconstruct: high variance threshold must not be below the review threshold")
	}
	return nil
}

// Outcome statuses.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
)

// Outcome is the result of one receipt.
type Outcome struct {
	RowNumber    int             `csv:"row_number"`
	ReceiptNo    string          `csv:"receipt_no"`
	StudentID    string          `csv:"student_id"`
	TermCode     string          `csv:"term_code"`
	Status       string          `csv:"status"`
	Category     Category        `csv:"category,omitempty"`
	Message      string          `csv:"message,omitempty"`
	Amount       decimal.Decimal `csv:"amount"`
	Discount     decimal.Decimal `csv:"discount"`
	NetAmount    decimal.Decimal `csv:"net_amount"`
	Theoretical  decimal.Decimal `csv:"theoretical_total"`
	Variance     decimal.Decimal `csv:"variance"`
	VariancePct  float64         `csv:"variance_pct"`
	NeedsReview  bool            `csv:"needs_review"`
	HighVariance bool            `csv:"high_variance"`
	NoteType     notes.Type      `csv:"note_type,omitempty"`
	NoteTier     notes.Tier      `csv:"note_tier,omitempty"`
	Validation   string          `csv:"validation_status,omitempty"`
	InvoiceID    string          `csv:"invoice_id,omitempty"`
	PaymentID    string          `csv:"payment_id,omitempty"`
}

// Summary reports one batch.
type Summary struct {
	BatchID         string
	Mode            string
	SourceFile      string
	DryRun          bool
	Status          ledger.BatchStatus
	StartedAt       time.Time
	Duration        time.Duration
	Rows            int
	DeletedExcluded int
	Skipped         int
	Processed       int
	Succeeded       int
	Failed          int
	NeedsReview     int
	HighVariance    int
	TotalVariance   decimal.Decimal
	Categories      map[Category]int
	Notes           notes.Stats
	StoppedEarly    bool
	StopReason      string
	Outcomes        []Outcome
}

// SuccessRate is succeeded / processed, or 0 before anything was processed.
func (s *Summary) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Processed)
}

// Processor turns legacy receipts into ledger records.
type Processor struct {
	store     ledger.Store
	directory Directory
	pricing   Pricing
	notes     *notes.Processor
	opts      Options
	log       *zap.Logger

	limiter *rate.Limiter
	seen    map[string]bool
}

// NewProcessor validates opts and returns a processor.
func NewProcessor(store ledger.Store, dir Directory, pricing Pricing, opts Options) (*Processor, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if store == nil || dir == nil || pricing == nil {
		return nil, eris.New("reconstruct: store, directory and pricing are required")
	}
	p := &Processor{
		store:     store,
		directory: dir,
		pricing:   pricing,
		notes:     notes.NewProcessor(),
		opts:      opts,
		log:       zap.L().With(zap.String("component", "reconstruct")),
		seen:      make(map[string]bool),
	}
	if opts.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return p, nil
}

// Run processes the receipt export read from r. Per-receipt failures are
// counted in the summary. The error is non-nil only for fatal conditions;
// a tripped quality gate returns the summary and an error wrapping
// resilience.ErrQualityGate.
func (p *Processor) Run(ctx context.Context, r io.Reader) (*Summary, error) {
	started := time.Now()
	sum := &Summary{
		BatchID:    uuid.New().String(),
		Mode:       p.opts.Mode,
		SourceFile: p.opts.SourceFile,
		DryRun:     p.opts.DryRun,
		Status:     ledger.BatchRunning,
		StartedAt:  started.UTC(),
		Categories: make(map[Category]int),
	}

	reader, err := newReceiptReader(r)
	if err != nil {
		return nil, err
	}

	batch := &ledger.Batch{
		ID:         sum.BatchID,
		Mode:       sum.Mode,
		SourceFile: sum.SourceFile,
		Parameters: p.opts.parameters(),
		StartedAt:  sum.StartedAt,
	}
	if !p.opts.DryRun {
		if err := p.store.CreateBatch(ctx, batch); err != nil {
			return nil, eris.Wrap(err, "reconstruct: create batch")
		}
	}

	gate := resilience.NewQualityGate(p.opts.SuccessThreshold, p.opts.MinSample)
	gate.OnTrip = func(rate float64, sample int) {
		p.log.Warn("reconstruct: quality gate tripped",
			zap.Float64("success_rate", rate),
			zap.Int("sample", sample),
			zap.Float64("threshold", p.opts.SuccessThreshold),
		)
	}

	p.log.Info("reconstruct: batch started",
		zap.String("batch_id", sum.BatchID),
		zap.String("mode", sum.Mode),
		zap.Bool("dry_run", sum.DryRun),
		zap.Int("batch_size", p.opts.BatchSize),
		zap.Int("start_from", p.opts.StartFrom),
		zap.Int("max_records", p.opts.MaxRecords),
	)

	runErr := p.loop(ctx, reader, sum, gate, batch)

	sum.Duration = time.Since(started)
	switch {
	case runErr == nil:
		sum.Status = ledger.BatchCompleted
	case eris.Is(runErr, resilience.ErrQualityGate):
		sum.Status = ledger.BatchAborted
		sum.StoppedEarly = true
		sum.StopReason = runErr.Error()
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		sum.Status = ledger.BatchAborted
		sum.StopReason = runErr.Error()
	default:
		sum.Status = ledger.BatchFailed
		sum.StopReason = runErr.Error()
	}

	if !p.opts.DryRun {
		finished := time.Now().UTC()
		fillBatch(batch, sum)
		batch.FinishedAt = &finished
		if err := p.store.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
			p.log.Error("reconstruct: finalize batch", zap.String("batch_id", batch.ID), zap.Error(err))
		}
	}

	p.log.Info("reconstruct: batch finished",
		zap.String("batch_id", sum.BatchID),
		zap.String("status", string(sum.Status)),
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Float64("success_rate", sum.SuccessRate()),
		zap.Duration("elapsed", sum.Duration),
	)
	return sum, runErr
}

// loop reads receipts in chunks, checking the gate after each chunk.
func (p *Processor) loop(ctx context.Context, reader *receiptReader, sum *Summary, gate *resilience.QualityGate, batch *ledger.Batch) error {
	parse := newParser()
	offset := 0
	chunk := make([]*ReceiptData, 0, p.opts.BatchSize)
	done := false

	for !done {
		chunk = chunk[:0]
		for len(chunk) < p.opts.BatchSize {
			if p.opts.MaxRecords > 0 && sum.Processed+len(chunk) >= p.opts.MaxRecords {
				done = true
				break
			}
			row, number, raw, decodeErr, err := reader.Next()
			if err == io.EOF {
				done = true
				break
			}
			if err != nil {
				return err
			}
			sum.Rows++
			if decodeErr == nil && row.IsDeleted() {
				sum.DeletedExcluded++
				continue
			}
			if offset < p.opts.StartFrom {
				offset++
				continue
			}
			if decodeErr != nil {
				p.skip(sum, number, decodeErr)
				continue
			}
			data, perr := parse.Parse(row, number, raw)
			if perr != nil {
				p.skip(sum, number, perr)
				continue
			}
			chunk = append(chunk, data)
		}

		if len(chunk) == 0 {
			break
		}
		if err := p.processChunk(ctx, chunk, sum, gate, batch); err != nil {
			return err
		}
		if err := gate.Check(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) skip(sum *Summary, row int, err error) {
	sum.Skipped++
	p.log.Debug("reconstruct: skipped malformed receipt row", zap.Int("row", row), zap.Error(err))
}

func (p *Processor) processChunk(ctx context.Context, chunk []*ReceiptData, sum *Summary, gate *resilience.QualityGate, batch *ledger.Batch) error {
	var rejections []ledger.Rejection
	for _, rec := range chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		out, note, err := p.processRecord(ctx, sum.BatchID, rec)
		sum.Processed++
		sum.Notes.Add(note)
		if err != nil {
			re := Categorize(err)
			out.Status = OutcomeRejected
			out.Category = re.Category
			out.Message = re.Error()
			sum.Failed++
			sum.Categories[re.Category]++
			gate.Record(false)
			rejections = append(rejections, ledger.Rejection{
				BatchID:         sum.BatchID,
				LegacyReceiptNo: rec.ReceiptNo,
				RowNumber:       rec.RowNumber,
				Category:        string(re.Category),
				Message:         re.Error(),
				RawRow:          rec.Raw,
			})
			p.log.Warn("reconstruct: receipt rejected",
				zap.String("receipt_no", rec.ReceiptNo),
				zap.Int("row", rec.RowNumber),
				zap.String("category", string(re.Category)),
				zap.String("raw_row", rec.Raw),
				zap.Error(err),
			)
		} else {
			out.Status = OutcomeSucceeded
			sum.Succeeded++
			if out.NeedsReview {
				sum.NeedsReview++
			}
			if out.HighVariance {
				sum.HighVariance++
			}
			sum.TotalVariance = sum.TotalVariance.Add(out.Variance)
			gate.Record(true)
		}
		sum.Outcomes = append(sum.Outcomes, out)

		if p.opts.ProgressEvery > 0 && sum.Processed%p.opts.ProgressEvery == 0 {
			p.log.Info("reconstruct: progress",
				zap.Int("processed", sum.Processed),
				zap.Int("succeeded", sum.Succeeded),
				zap.Int("failed", sum.Failed),
				zap.Float64("success_rate", sum.SuccessRate()),
			)
		}
	}

	if p.opts.DryRun {
		return nil
	}
	if err := p.store.RecordRejections(ctx, rejections); err != nil {
		return eris.Wrap(err, "reconstruct: record rejections")
	}
	fillBatch(batch, sum)
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		return eris.Wrap(err, "reconstruct: checkpoint batch")
	}
	return nil
}

// processRecord reconstructs one receipt in its own transaction.
func (p *Processor) processRecord(ctx context.Context, batchID string, rec *ReceiptData) (Outcome, notes.Note, error) {
	out := Outcome{
		RowNumber: rec.RowNumber,
		ReceiptNo: rec.ReceiptNo,
		StudentID: rec.StudentID,
		TermCode:  rec.TermCode,
		Amount:    rec.Amount,
		NetAmount: rec.NetAmount,
	}
	note := p.notes.Process(rec.Notes)
	out.NoteType = note.Type
	out.NoteTier = note.Tier

	if rec.Amount.IsNegative() || rec.NetAmount.IsNegative() || rec.Discount.IsNegative() {
		return out, note, recordErr(CategoryInvalidReceiptData, nil, "negative amount on receipt %s", rec.ReceiptNo)
	}
	if rec.Discount.GreaterThan(rec.Amount) {
		return out, note, recordErr(CategoryInvalidReceiptData, nil, "discount %s exceeds amount %s", rec.Discount, rec.Amount)
	}

	student, err := p.directory.FindStudentByLegacyID(ctx, rec.StudentID)
	if err != nil {
		return out, note, recordErr(CategoryProcessingError, err, "student lookup")
	}
	if student == nil {
		return out, note, recordErr(CategoryStudentNotFound, nil, "no student with legacy id %s", rec.StudentID)
	}
	term, err := p.directory.FindTermByCode(ctx, rec.TermCode)
	if err != nil {
		return out, note, recordErr(CategoryProcessingError, err, "term lookup")
	}
	if term == nil {
		return out, note, recordErr(CategoryTermNotFound, nil, "no term with code %s", rec.TermCode)
	}

	theoretical, err := p.theoretical(ctx, student, term, rec)
	if err != nil {
		return out, note, err
	}

	discount := p.discount(rec, note)
	out.Discount = discount
	recon := Reconcile(theoretical, rec.Amount, p.opts.ReviewVariancePct, p.opts.HighVariancePct)
	out.Theoretical = recon.Theoretical
	out.Variance = recon.Variance
	out.VariancePct = recon.VariancePct
	out.HighVariance = recon.HighVariance
	out.NeedsReview = recon.NeedsReview
	out.Validation = recon.Status()

	if note.Type == notes.DiscountEarlyBird &&
		p.pricing.CheckEarlyBirdEligibility(student, term, rec.PaymentDate) == EarlyBirdIneligible {
		out.NeedsReview = true
		if out.Validation == StatusReconciled {
			out.Validation = StatusNeedsReview
		}
	}
	if note.HasAdjustment() && note.Confidence < p.opts.MinNoteConfidence {
		out.NeedsReview = true
		if out.Validation == StatusReconciled {
			out.Validation = StatusNeedsReview
		}
	}

	ref := PaymentReference(rec.ReceiptNo)
	if p.seen[ref] {
		return out, note, recordErr(CategoryDuplicateReceipt, ErrDuplicateReceipt, "receipt %s appears more than once", rec.ReceiptNo)
	}

	issued := issuedAt(rec)
	err = resilience.Do(ctx, p.retry(), func(ctx context.Context) error {
		return p.store.InTx(ctx, !p.opts.DryRun, func(tx ledger.Tx) error {
			exists, err := tx.PaymentExists(ctx, ref)
			if err != nil {
				return recordErr(CategoryPaymentError, err, "check payment %s", ref)
			}
			if exists {
				return recordErr(CategoryDuplicateReceipt, ErrDuplicateReceipt, "payment %s already recorded", ref)
			}

			inv := &ledger.Invoice{
				BatchID:         batchID,
				StudentID:       student.LegacyID,
				TermCode:        term.Code,
				LegacyReceiptNo: rec.ReceiptNo,
				Subtotal:        rec.Amount,
				Discount:        discount,
				Total:           rec.Amount.Sub(discount),
				Notes:           rec.Notes,
				Historical:      true,
				IssuedAt:        issued,
			}
			if err := tx.CreateInvoice(ctx, inv); err != nil {
				return recordErr(CategoryInvoiceError, err, "create invoice for receipt %s", rec.ReceiptNo)
			}

			pay := &ledger.Payment{
				InvoiceID:         inv.ID,
				Amount:            rec.NetAmount,
				Method:            paymentMethod(rec.PaymentType),
				ExternalReference: ref,
				PaidAt:            issued,
			}
			if err := tx.CreatePayment(ctx, pay); err != nil {
				if eris.Is(err, ledger.ErrDuplicatePayment) {
					return recordErr(CategoryDuplicateReceipt, err, "payment %s already recorded", ref)
				}
				return recordErr(CategoryPaymentError, err, "record payment for receipt %s", rec.ReceiptNo)
			}

			m := &ledger.ReceiptMapping{
				BatchID:          batchID,
				LegacyReceiptNo:  rec.ReceiptNo,
				StudentID:        student.LegacyID,
				TermCode:         term.Code,
				InvoiceID:        inv.ID,
				PaymentID:        pay.ID,
				LegacyAmount:     rec.Amount,
				LegacyDiscount:   rec.Discount,
				LegacyNetAmount:  rec.NetAmount,
				TheoreticalTotal: recon.Theoretical,
				Variance:         recon.Variance,
				VariancePct:      recon.VariancePct,
				NeedsReview:      out.NeedsReview,
				HighVariance:     out.HighVariance,
				NoteType:         string(note.Type),
				NoteTier:         string(note.Tier),
				NoteConfidence:   note.Confidence,
				NormalizedNote:   notes.Normalized(note),
				ValidationStatus: out.Validation,
			}
			if err := tx.CreateReceiptMapping(ctx, m); err != nil {
				return recordErr(CategoryProcessingError, err, "create receipt mapping %s", rec.ReceiptNo)
			}
			out.InvoiceID = inv.ID
			out.PaymentID = pay.ID
			return nil
		})
	})
	if err != nil {
		return out, note, err
	}
	p.seen[ref] = true
	return out, note, nil
}

// retry is the per-record transaction policy. Transient causes inside a
// RecordError are still retried.
func (p *Processor) retry() resilience.RetryConfig {
	cfg := p.opts.Retry
	cfg.OnRetry = resilience.LogRetries("reconstruct.record")
	return cfg
}

// theoretical prices the receipt. Without enrollments, or in receipt-only
// mode, the receipt amount stands in for the theoretical total.
func (p *Processor) theoretical(ctx context.Context, student *Student, term *Term, rec *ReceiptData) (decimal.Decimal, error) {
	if p.opts.Mode == ModeReceiptOnly {
		return rec.Amount, nil
	}
	enrollments, err := p.directory.FindEnrollments(ctx, student, term)
	if err != nil {
		return decimal.Zero, recordErr(CategoryProcessingError, err, "enrollment lookup")
	}
	if len(enrollments) == 0 {
		return rec.Amount, nil
	}
	cost, err := p.pricing.CalculateTotalCost(ctx, student, term, enrollments)
	if err != nil {
		return decimal.Zero, recordErr(CategoryPricingError, err, "price %d enrollments", len(enrollments))
	}
	if !cost.FromRates {
		return rec.Amount, nil
	}
	return cost.Total, nil
}

// discount prefers the receipt's own discount column, then a discount
// extracted from the note.
func (p *Processor) discount(rec *ReceiptData, note notes.Note) decimal.Decimal {
	if rec.Discount.IsPositive() || !note.Type.IsDiscount() {
		return rec.Discount
	}
	var d decimal.Decimal
	switch {
	case note.Percentage != nil:
		d = rec.Amount.Mul(decimal.NewFromFloat(*note.Percentage)).Div(decimal.NewFromInt(100))
	case note.Amount != nil:
		d = *note.Amount
	}
	d = d.Round(2)
	if d.GreaterThan(rec.Amount) {
		return rec.Amount
	}
	return d
}

func issuedAt(rec *ReceiptData) time.Time {
	if rec.PaymentDate != nil {
		return *rec.PaymentDate
	}
	return time.Now().UTC()
}

func paymentMethod(code string) string {
	switch code {
	case "", "CSH", "CASH":
		return "CASH"
	case "CHK", "CHECK":
		return "CHECK"
	case "TRF", "TRANSFER", "BANK":
		return "TRANSFER"
	default:
		return code
	}
}

func fillBatch(b *ledger.Batch, sum *Summary) {
	b.Status = sum.Status
	b.Total = sum.Processed + sum.Skipped
	b.Succeeded = sum.Succeeded
	b.Failed = sum.Failed
	b.Skipped = sum.Skipped
	b.Processed = sum.Processed
	b.NeedsReview = sum.NeedsReview
	b.Error = sum.StopReason

	cats := make(map[string]int, len(sum.Categories))
	for c, n := range sum.Categories {
		cats[string(c)] = n
	}
	b.Summary = &ledger.BatchSummary{
		NetVariance:  sum.TotalVariance,
		HighVariance: sum.HighVariance,
		Categories:   cats,
	}
}

// String renders a short one-line summary.
func (s *Summary) String() string {
	return fmt.Sprintf("batch %s: %s, %d processed, %d succeeded, %d failed, %d skipped (%.1f%% success)",
		s.BatchID, s.Status, s.Processed, s.Succeeded, s.Failed, s.Skipped, s.SuccessRate()*100)
}
