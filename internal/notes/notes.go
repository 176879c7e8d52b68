// Package notes classifies free-text notes from legacy receipts into a
// closed set of note types in three tiers: pattern rules, keyword clusters,
// and a numeric fallback.
package notes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Type is the classified meaning of a note.
type Type string

// Note types, in tier 1 matching order.
const (
	DiscountMonk             Type = "discount_monk"
	DiscountStaff            Type = "discount_staff"
	DiscountSibling          Type = "discount_sibling"
	DiscountEarlyBird        Type = "discount_early_bird"
	DiscountPercentage       Type = "discount_percentage"
	DiscountAmount           Type = "discount_amount"
	ScholarshipNeedsCreation Type = "scholarship_needs_creation"
	Scholarship              Type = "scholarship"
	AdminFee                 Type = "admin_fee"
	Penalty                  Type = "penalty"
	LatePayment              Type = "late_payment"
	LateFee                  Type = "late_fee"
	ExtraCourse              Type = "extra_course"
	Installment              Type = "installment"
	PaymentMethod            Type = "payment_method"
	IDIssue                  Type = "id_issue"
	RepeatClass              Type = "repeat_class"
	Other                    Type = "other"
)

// IsDiscount reports whether t reduces the amount owed.
func (t Type) IsDiscount() bool {
	return strings.HasPrefix(string(t), "discount_")
}

// IsCharge reports whether t adds to the amount owed.
func (t Type) IsCharge() bool {
	return ARMappingFor(t) == ARInvoiceCharge
}

// Tier is the classification tier that produced a note.
type Tier string

// Tiers in escalation order.
const (
	TierRuleBased Tier = "rule_based"
	TierNLP       Tier = "nlp"
	TierLLM       Tier = "llm"
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierRuleBased, TierNLP, TierLLM}

// Where a classified note lands in the A/R records.
const (
	ARInvoiceDiscount = "invoice_line_item_discount"
	ARInvoiceCharge   = "invoice_line_item_charge"
	ARScholarship     = "scholarship_entry"
	ARPaymentMetadata = "payment_metadata"
	ARInvoiceNotes    = "invoice_notes"
)

// ARMappingFor returns the A/R destination of a note type.
func ARMappingFor(t Type) string {
	switch t {
	case DiscountMonk, DiscountStaff, DiscountSibling, DiscountEarlyBird, DiscountPercentage, DiscountAmount:
		return ARInvoiceDiscount
	case Penalty, LateFee, AdminFee, ExtraCourse:
		return ARInvoiceCharge
	case Scholarship, ScholarshipNeedsCreation:
		return ARScholarship
	case PaymentMethod, LatePayment, Installment, IDIssue, RepeatClass:
		return ARPaymentMetadata
	default:
		return ARInvoiceNotes
	}
}

// Note is the classification of one note. At most one of Amount and
// Percentage is set.
type Note struct {
	Original   string           `json:"original"`
	Type       Type             `json:"type"`
	Tier       Tier             `json:"tier"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Percentage *float64         `json:"percentage,omitempty"`
	Authority  string           `json:"authority,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Confidence float64          `json:"confidence"`
	Extracts   []string         `json:"extracts,omitempty"`
	ARMapping  string           `json:"ar_mapping"`
}

// HasAdjustment reports whether an amount or percentage was extracted.
func (n Note) HasAdjustment() bool {
	return n.Amount != nil || n.Percentage != nil
}

// Normalized serializes a note into one pipe-delimited string for storage,
// e.g. "type:discount_monk|percentage:10|authority:Mr. Sok|...".
func Normalized(n Note) string {
	parts := []string{"type:" + string(n.Type)}
	switch {
	case n.Percentage != nil:
		parts = append(parts, "percentage:"+strconv.FormatFloat(*n.Percentage, 'f', -1, 64))
	case n.Amount != nil:
		parts = append(parts, "amount:"+n.Amount.StringFixed(2))
	}
	if n.Authority != "" {
		parts = append(parts, "authority:"+escape(n.Authority))
	}
	if n.Reason != "" {
		parts = append(parts, "reason:"+escape(n.Reason))
	}
	parts = append(parts,
		fmt.Sprintf("confidence:%.2f", n.Confidence),
		"tier:"+string(n.Tier),
		"ar_mapping:"+n.ARMapping,
	)
	return strings.Join(parts, "|")
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", "/")
}
