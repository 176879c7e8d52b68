package notes

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// cluster is a tier 2 keyword group.
type cluster struct {
	name     string
	typ      Type
	keywords *regexp.Regexp
}

// tierTwoClusters is ordered; the first cluster with a keyword hit wins.
var tierTwoClusters = []cluster{
	{"discount", DiscountAmount, regexp.MustCompile(`\b(?:reduc\w*|rebate\w*|waiv\w*|concession\w*|markdown|cheaper|lowered|deduct\w*|free)\b`)},
	{"penalty", Penalty, regexp.MustCompile(`\b(?:surcharge\w*|sanction\w*|punish\w*|forfeit\w*|charged)\b`)},
	{"family", DiscountSibling, regexp.MustCompile(`\b(?:family|families|mother|father|parents?|cousins?|relatives?|son|daughter|children|kids?)\b`)},
	{"staff", DiscountStaff, regexp.MustCompile(`\b(?:workers?|lecturers?|instructors?|officers?|colleagues?|personnel)\b`)},
	{"timing", LatePayment, regexp.MustCompile(`\b(?:delay\w*|postpon\w*|extension|extend\w*|deadline|defer\w*|later|early)\b`)},
	{"scholarship", Scholarship, regexp.MustCompile(`\b(?:bursar\w*|grants?|granted|sponsor\w*|funded|fellowship|stipend)\b`)},
}

// numberPattern finds a number with an optional ordinal suffix and an
// optional percent marker after it.
var numberPattern = regexp.MustCompile(`(?i)(\d+(?:,\d{3})*(?:\.\d+)?)(?:(st|nd|rd|th)\b)?\s*(%|percent\b|pct\b)?`)

var yearPattern = regexp.MustCompile(`^(?:19|20)\d\d$`)

var digitPattern = regexp.MustCompile(`\d`)

// adjustment is the number a note adjusts the charge by.
type adjustment struct {
	text    string
	value   decimal.Decimal
	percent bool
}

// firstNumber returns the adjustment in text. Ordinals ("2nd") and
// four-digit years are skipped, and a percentage wins over a plain number.
func firstNumber(text string) (adjustment, bool) {
	var plain *adjustment
	for _, m := range numberPattern.FindAllStringSubmatch(text, -1) {
		digits, ordinal, pct := m[1], m[2], m[3]
		if ordinal != "" {
			continue
		}
		if pct == "" && yearPattern.MatchString(digits) {
			continue
		}
		d, err := decimal.NewFromString(strings.ReplaceAll(digits, ",", ""))
		if err != nil {
			continue
		}
		adj := adjustment{text: strings.TrimSpace(m[0]), value: d, percent: pct != ""}
		if adj.percent {
			return adj, true
		}
		if plain == nil {
			plain = &adj
		}
	}
	if plain == nil {
		return adjustment{}, false
	}
	return *plain, true
}

// adjustmentIn prefers the number inside the text a rule matched and falls
// back to the whole note.
func adjustmentIn(matched, text string) (adjustment, bool) {
	if adj, ok := firstNumber(matched); ok {
		return adj, true
	}
	return firstNumber(text)
}

// apply sets the note's amount or percentage from adj.
func (adj adjustment) apply(n *Note, forcePercent bool) {
	if adj.percent || forcePercent {
		f := adj.value.InexactFloat64()
		n.Percentage = &f
	} else {
		amt := adj.value.Round(2)
		n.Amount = &amt
	}
	n.Extracts = append(n.Extracts, adj.text)
}

// tierTwo tests the keyword clusters against the lower-cased text.
func tierTwo(text string) (Note, bool) {
	lower := strings.ToLower(text)
	for _, c := range tierTwoClusters {
		kw := c.keywords.FindString(lower)
		if kw == "" {
			continue
		}
		n := Note{
			Original:   text,
			Type:       c.typ,
			Tier:       TierNLP,
			Reason:     "Semantic: " + c.name,
			Confidence: ConfidenceNLP,
			Extracts:   []string{kw},
		}
		if adj, ok := firstNumber(text); ok {
			adj.apply(&n, false)
			if c.typ == DiscountAmount && adj.percent {
				n.Type = DiscountPercentage
			}
		}
		n.ARMapping = ARMappingFor(n.Type)
		return n, true
	}
	return Note{}, false
}

// tierThree is the numeric fallback. It always yields a note.
func tierThree(text string) Note {
	n := Note{Original: text, Type: Other, Tier: TierLLM, ARMapping: ARInvoiceNotes}
	if !digitPattern.MatchString(text) {
		n.Confidence = ConfidenceUnknown
		return n
	}
	n.Confidence = ConfidenceLLM
	n.Reason = "LLM: Numeric pattern detected"
	if adj, ok := firstNumber(text); ok {
		adj.percent = false
		adj.apply(&n, false)
	}
	return n
}
