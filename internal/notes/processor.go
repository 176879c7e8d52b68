package notes

import (
	"strings"
)

// Confidence assigned by each outcome.
const (
	ConfidenceEmpty   = 1.0
	ConfidenceRule    = 0.95
	ConfidenceNLP     = 0.75
	ConfidenceLLM     = 0.5
	ConfidenceUnknown = 0.3
)

// Processor classifies notes. It holds no mutable state and is safe for
// concurrent use; callers fold results into a Stats.
type Processor struct{}

// NewProcessor returns a Processor.
func NewProcessor() *Processor { return &Processor{} }

// Process classifies one note. Tiers are tried in order and the first
// match wins.
func (p *Processor) Process(text string) Note {
	trimmed := strings.TrimSpace(text)
	switch strings.ToLower(trimmed) {
	case "", "null", "none":
		return Note{
			Original:   text,
			Type:       Other,
			Tier:       TierRuleBased,
			Confidence: ConfidenceEmpty,
			ARMapping:  ARInvoiceNotes,
		}
	}

	if n, ok := tierOne(trimmed); ok {
		n.Original = text
		return n
	}
	if n, ok := tierTwo(trimmed); ok {
		n.Original = text
		return n
	}
	n := tierThree(trimmed)
	n.Original = text
	return n
}

// ProcessAll classifies notes and returns them with their stats.
func (p *Processor) ProcessAll(texts []string) ([]Note, Stats) {
	var stats Stats
	out := make([]Note, len(texts))
	for i, t := range texts {
		out[i] = p.Process(t)
		stats.Add(out[i])
	}
	return out, stats
}

func tierOne(text string) (Note, bool) {
	for _, r := range tierOneRules {
		m, ok := r.match(text)
		if !ok {
			continue
		}
		n := Note{
			Type:       r.typ,
			Tier:       TierRuleBased,
			Reason:     r.reason,
			Confidence: ConfidenceRule,
			Extracts:   []string{m},
			ARMapping:  ARMappingFor(r.typ),
			Authority:  extractAuthority(text),
		}
		if adj, ok := adjustmentIn(m, text); ok {
			adj.apply(&n, r.percent)
		}
		return n, true
	}
	return Note{}, false
}
