package notes

import (
	"regexp"
	"strings"
)

// rule is the tier 1 pattern group for one note type.
type rule struct {
	typ      Type
	patterns []*regexp.Regexp
	reason   string
	percent  bool // the adjustment is a percentage even without a % sign
}

func group(typ Type, reason string, percent bool, patterns ...string) rule {
	r := rule{typ: typ, reason: reason, percent: percent}
	for _, p := range patterns {
		r.patterns = append(r.patterns, regexp.MustCompile(`(?i)`+p))
	}
	return r
}

// match returns the text matched by the first pattern that matches.
func (r rule) match(text string) (string, bool) {
	for _, p := range r.patterns {
		if m := p.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

// tierOneRules is ordered; the first matching group wins.
var tierOneRules = []rule{
	group(DiscountMonk, "Monk discount", false,
		`\bmonks?\b`, `\bven(?:erable)?\b\.?`, `\bbhikkhu\b`, `\bsamanera\b`),
	group(DiscountStaff, "Staff discount", false,
		`\bstaff\b`, `\bemployees?\b`, `\bfaculty\b`, `\bteachers?'?s?\s+(?:child|kid|son|daughter)`),
	group(DiscountSibling, "Sibling discount", false,
		`\bsiblings?\b`, `\bbrothers?\b`, `\bsisters?\b`, `\btwins?\b`, `\b2nd\s+child\b`),
	group(DiscountEarlyBird, "Early bird discount", false,
		`\bearly[\s-]*bird\b`, `\beb\b`, `\bearly\s+(?:payment|reg(?:istration)?)\b`),
	group(DiscountPercentage, "Percentage discount", true,
		`\bdis(?:c(?:ount)?)?\.?\s*:?\s*\d+(?:\.\d+)?\s*%`,
		`\d+(?:\.\d+)?\s*%\s*(?:dis(?:c(?:ount)?)?|off)\b`),
	group(DiscountAmount, "Amount discount", false,
		`\bdis(?:c(?:ount)?)?\.?\s*:?\s*\$?\s*\d+(?:\.\d+)?`,
		`\$\s*\d+(?:\.\d+)?\s+off\b`),
	group(ScholarshipNeedsCreation, "Scholarship to be created", false,
		`(?:scholar|\bsch\b).*\b(?:needs?|create|pending|tbc)\b`,
		`\b(?:needs?|create|pending)\b.*(?:scholar|\bsch\b)`),
	group(Scholarship, "Scholarship", false,
		`scholar`, `\bsch\b`),
	group(AdminFee, "Administration fee", false,
		`\badmin(?:istration|istrative)?\.?\s+fees?\b`, `\bprocessing\s+fees?\b`),
	group(Penalty, "Penalty", false,
		`\bpenalt(?:y|ies)\b`, `\bfined?\b`),
	group(LatePayment, "Late payment", false,
		`\blate\s+pay(?:ment)?\b`, `\bpaid\s+late\b`, `\boverdue\b`),
	group(LateFee, "Late fee", false,
		`\blate\s+(?:fee|charge)s?\b`),
	group(ExtraCourse, "Extra course", false,
		`\bextra\s+(?:course|class|subject)s?\b`, `\badd(?:ed|itional)?\s+(?:course|class|subject)s?\b`),
	group(Installment, "Installment payment", false,
		`\binstall?ments?\b`, `\b(?:1st|2nd|3rd|\d+th)\s+(?:pmt|payment)\b`, `\bpartial(?:ly)?\s+paid\b`, `\bpartial\s+payment\b`),
	group(PaymentMethod, "Payment method", false,
		`\b(?:cash|cheque|check|chq|visa|aba|wing|acleda)\b`, `\bbank\s+transfer\b`, `\bcredit\s+card\b`),
	group(IDIssue, "Student ID issue", false,
		`\bid\s+(?:card|problem|issue|error|wrong|missing)\b`, `\b(?:wrong|new|lost|duplicate)\s+id\b`),
	group(RepeatClass, "Repeat class", false,
		`\brepeat(?:ed|ing)?\b`, `\bre-?take\b`),
}

// Authority patterns, most specific first.
var authorityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i:approved\s+by)\s+((?i:mr|mrs|ms|miss|dr|prof|lok|neak)\.?\s+\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)?)`),
	regexp.MustCompile(`(?i:approved\s+by)\s+(\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)?)`),
	regexp.MustCompile(`(?i:\bby)\s+((?i:mr|mrs|ms|miss|dr|prof|lok|neak)\.?\s+\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)?)`),
	regexp.MustCompile(`(?i:\bby)\s+(\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)?)`),
}

// extractAuthority returns the approver named in text, or "".
func extractAuthority(text string) string {
	for _, p := range authorityPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return strings.TrimRight(strings.TrimSpace(m[1]), ".,;:!?)")
		}
	}
	return ""
}
