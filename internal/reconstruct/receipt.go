// Package reconstruct rebuilds historical invoices, payments and
// reconciliation records from legacy receipt exports.
package reconstruct

import (
	"encoding/csv"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// ReceiptRow is one receipt as exported, every field as text.
type ReceiptRow struct {
	ReceiptNo   string `csv:"ReceiptNo"`
	StudentID   string `csv:"ID"`
	Name        string `csv:"Name,omitempty"`
	TermID      string `csv:"TermID"`
	Amount      string `csv:"Amount"`
	NetDiscount string `csv:"NetDiscount,omitempty"`
	NetAmount   string `csv:"NetAmount,omitempty"`
	PmtType     string `csv:"PmtType,omitempty"`
	PmtDate     string `csv:"PmtDate,omitempty"`
	Notes       string `csv:"Notes,omitempty"`
	Deleted     string `csv:"Deleted,omitempty"`
}

// ReceiptData is the typed view of a receipt. Amounts are rounded to cents.
type ReceiptData struct {
	RowNumber   int
	ReceiptNo   string `validate:"required,max=64"`
	StudentID   string `validate:"required"`
	StudentName string
	TermCode    string `validate:"required"`
	Amount      decimal.Decimal
	Discount    decimal.Decimal
	NetAmount   decimal.Decimal
	PaymentType string `validate:"omitempty,max=32"`
	PaymentDate *time.Time
	Notes       string
	Raw         string
}

var receiptValidator = validator.New()

// Column chains used to coerce receipt fields. They match the receipts
// entry of the table catalog.
var (
	codeColumn    = tablecfg.ColumnMapping{Target: "code", DataType: tablecfg.TypeString, Rules: []string{clean.RuleTrim, clean.RuleNullStandardize, clean.RuleNormalizeCode}}
	textColumn    = tablecfg.ColumnMapping{Target: "text", DataType: tablecfg.TypeString, Rules: []string{clean.RuleTrim, clean.RuleNormalizeWhitespace, clean.RuleNullStandardize}}
	notesColumn   = tablecfg.ColumnMapping{Target: "notes", DataType: tablecfg.TypeString, Rules: []string{clean.RuleFixEncoding, clean.RuleTrim, clean.RuleNormalizeWhitespace}}
	moneyColumn   = tablecfg.ColumnMapping{Target: "amount", DataType: tablecfg.TypeDecimal, Rules: []string{clean.RuleTrim, clean.RuleNullStandardize, clean.RuleParseDecimal}}
	paidAtColumn  = tablecfg.ColumnMapping{Target: "payment_date", DataType: tablecfg.TypeDateTime, Rules: []string{clean.RuleTrim, clean.RuleNullStandardize, clean.RuleParseMSSQLDateTime}}
	pmtTypeColumn = tablecfg.ColumnMapping{Target: "payment_type", DataType: tablecfg.TypeString, Rules: []string{clean.RuleTrim, clean.RuleNullStandardize, clean.RuleUppercase}}
)

// parser coerces ReceiptRows with the cleaning engine.
type parser struct {
	engine *clean.Engine
	ctx    *clean.Context
}

func newParser() *parser {
	return &parser{
		engine: clean.NewEngine(clean.DefaultRegistry()),
		ctx:    &clean.Context{Table: "receipts", Options: tablecfg.CleaningOptions{NullTokens: clean.DefaultNullTokens}},
	}
}

func (p *parser) text(raw string, col tablecfg.ColumnMapping) string {
	v, _ := p.engine.Clean(&raw, col, p.ctx)
	s, _ := v.AsString()
	return s
}

// money parses an amount. ok is false for a null token; a value the
// decimal rule rejected is an error.
func (p *parser) money(raw string) (decimal.Decimal, bool, error) {
	before := p.engine.TotalIssues()
	v, err := p.engine.Clean(&raw, moneyColumn, p.ctx)
	if err != nil {
		return decimal.Zero, false, err
	}
	if p.engine.TotalIssues() > before {
		return decimal.Zero, false, eris.Errorf("invalid amount %q", raw)
	}
	d, ok := v.Interface().(decimal.Decimal)
	if !ok {
		return decimal.Zero, false, nil
	}
	return d.Round(2), true, nil
}

// Parse coerces a row. A malformed row returns an error and is skipped by
// the processor rather than rejected.
func (p *parser) Parse(row ReceiptRow, rowNumber int, raw string) (*ReceiptData, error) {
	d := &ReceiptData{
		RowNumber:   rowNumber,
		ReceiptNo:   p.text(row.ReceiptNo, textColumn),
		StudentID:   p.text(row.StudentID, codeColumn),
		StudentName: p.text(row.Name, textColumn),
		TermCode:    p.text(row.TermID, codeColumn),
		PaymentType: p.text(row.PmtType, pmtTypeColumn),
		Notes:       p.text(row.Notes, notesColumn),
		Raw:         raw,
	}
	if err := receiptValidator.Struct(d); err != nil {
		return nil, eris.Wrapf(err, "reconstruct: row %d", rowNumber)
	}

	amount, ok, err := p.money(row.Amount)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: row %d", rowNumber)
	}
	if !ok {
		return nil, eris.Errorf("reconstruct: row %d: amount is required", rowNumber)
	}
	d.Amount = amount

	if d.Discount, _, err = p.money(row.NetDiscount); err != nil {
		return nil, eris.Wrapf(err, "reconstruct: row %d: discount", rowNumber)
	}
	net, ok, err := p.money(row.NetAmount)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: row %d: net amount", rowNumber)
	}
	if !ok {
		net = d.Amount.Sub(d.Discount)
	}
	d.NetAmount = net

	paidAt := row.PmtDate
	if v, _ := p.engine.Clean(&paidAt, paidAtColumn, p.ctx); !v.IsNull() {
		if t, ok := v.Interface().(time.Time); ok {
			d.PaymentDate = &t
		}
	}
	return d, nil
}

// receiptReader streams rows from a receipt export.
type receiptReader struct {
	dec *csvutil.Decoder
	row int
}

func newReceiptReader(r io.Reader) (*receiptReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, eris.New("reconstruct: receipt file is empty")
		}
		return nil, eris.Wrap(err, "reconstruct: read receipt header")
	}
	for _, h := range []string{"ReceiptNo", "ID", "TermID", "Amount"} {
		if !slices.Contains(dec.Header(), h) {
			return nil, eris.Errorf("reconstruct: receipt file has no %s column", h)
		}
	}
	return &receiptReader{dec: dec, row: 1}, nil
}

// Next decodes the next row. It returns io.EOF at the end of input. A row
// that cannot be decoded is returned with a non-nil decodeErr so it can be
// counted as skipped.
func (rr *receiptReader) Next() (row ReceiptRow, number int, raw string, decodeErr, err error) {
	err = rr.dec.Decode(&row)
	if err == io.EOF {
		return row, 0, "", nil, io.EOF
	}
	rr.row++
	raw = encodeRecord(rr.dec.Record())
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return row, rr.row, raw, nil, eris.Wrap(err, "reconstruct: read receipts")
		}
		return row, rr.row, raw, err, nil
	}
	return row, rr.row, raw, nil, nil
}

// encodeRecord writes a record back as one CSV line, quoting fields that
// need it.
func encodeRecord(rec []string) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(rec); err != nil {
		return strings.Join(rec, ",")
	}
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// IsDeleted reports the legacy soft-delete flag.
func (r ReceiptRow) IsDeleted() bool {
	return strings.TrimSpace(r.Deleted) == "1"
}
