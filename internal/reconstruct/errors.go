package reconstruct

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/ledger"
)

// ErrDuplicateReceipt marks a receipt whose payment was already recorded.
var ErrDuplicateReceipt = eris.New("duplicate receipt")

// Category classifies why a receipt could not be reconstructed.
type Category string

// Rejection categories.
const (
	CategoryStudentNotFound    Category = "student_not_found"
	CategoryTermNotFound       Category = "term_not_found"
	CategoryInvalidReceiptData Category = "invalid_receipt_data"
	CategoryPricingError       Category = "pricing_error"
	CategoryInvoiceError       Category = "invoice_error"
	CategoryPaymentError       Category = "payment_error"
	CategoryProcessingError    Category = "processing_error"
	CategoryDuplicateReceipt   Category = "duplicate_receipt"
)

// Categories lists every category in report order.
var Categories = []Category{
	CategoryStudentNotFound,
	CategoryTermNotFound,
	CategoryInvalidReceiptData,
	CategoryPricingError,
	CategoryInvoiceError,
	CategoryPaymentError,
	CategoryProcessingError,
	CategoryDuplicateReceipt,
}

// RecordError is a per-receipt failure. It never aborts a batch.
type RecordError struct {
	Category Category
	Message  string
	Err      error
}

func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *RecordError) Unwrap() error { return e.Err }

func recordErr(c Category, err error, format string, args ...any) *RecordError {
	return &RecordError{Category: c, Message: fmt.Sprintf(format, args...), Err: err}
}

// Categorize maps any error raised while processing a receipt onto the
// taxonomy. Uncategorized errors are processing errors.
func Categorize(err error) *RecordError {
	var re *RecordError
	if errors.As(err, &re) {
		return re
	}
	if eris.Is(err, ErrDuplicateReceipt) || eris.Is(err, ledger.ErrDuplicatePayment) {
		return recordErr(CategoryDuplicateReceipt, err, "payment already recorded")
	}
	return recordErr(CategoryProcessingError, err, "unexpected error")
}
