package notes

// TierCount is the usage of one tier.
type TierCount struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Stats accumulates classification outcomes. The zero value is ready to use.
type Stats struct {
	Total  int          `json:"total"`
	ByTier map[Tier]int `json:"by_tier"`
	ByType map[Type]int `json:"by_type"`
	// WithAdjustment counts notes an amount or percentage was extracted from.
	WithAdjustment int `json:"with_adjustment"`
}

// Add folds one note into s.
func (s *Stats) Add(n Note) {
	if s.ByTier == nil {
		s.ByTier = make(map[Tier]int)
		s.ByType = make(map[Type]int)
	}
	s.Total++
	s.ByTier[n.Tier]++
	s.ByType[n.Type]++
	if n.HasAdjustment() {
		s.WithAdjustment++
	}
}

// Merge folds o into s.
func (s *Stats) Merge(o Stats) {
	if s.ByTier == nil {
		s.ByTier = make(map[Tier]int)
		s.ByType = make(map[Type]int)
	}
	s.Total += o.Total
	s.WithAdjustment += o.WithAdjustment
	for k, v := range o.ByTier {
		s.ByTier[k] += v
	}
	for k, v := range o.ByType {
		s.ByType[k] += v
	}
}

// TierBreakdown returns count and share of every tier, including unused ones.
func (s Stats) TierBreakdown() map[Tier]TierCount {
	out := make(map[Tier]TierCount, len(Tiers))
	for _, t := range Tiers {
		c := TierCount{Count: s.ByTier[t]}
		if s.Total > 0 {
			c.Percentage = float64(c.Count) / float64(s.Total) * 100
		}
		out[t] = c
	}
	return out
}
