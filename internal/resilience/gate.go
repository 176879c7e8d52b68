package resilience

import (
	"github.com/rotisserie/eris"
)

// ErrQualityGate is returned once the running success rate has dropped below
// the configured threshold.
var ErrQualityGate = eris.New("quality gate tripped")

// GateState is the state of a QualityGate.
type GateState int

const (
	// GateOpen lets processing continue.
	GateOpen GateState = iota
	// GateTripped means the batch should stop.
	GateTripped
)

func (s GateState) String() string {
	switch s {
	case GateOpen:
		return "open"
	case GateTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// QualityGate is a success-rate circuit breaker for batch jobs. Individual
// failures are expected; the gate trips only when, after at least MinSample
// outcomes, the success rate is below Threshold. Once tripped it stays
// tripped for the life of the run.
type QualityGate struct {
	Threshold float64
	MinSample int

	// OnTrip is called once when the gate trips.
	OnTrip func(rate float64, sample int)

	successes int
	failures  int
	state     GateState
}

// NewQualityGate returns a gate with the given threshold (0..1) and minimum
// sample size.
func NewQualityGate(threshold float64, minSample int) *QualityGate {
	if minSample < 1 {
		minSample = 1
	}
	return &QualityGate{Threshold: threshold, MinSample: minSample}
}

// Record adds one outcome.
func (g *QualityGate) Record(ok bool) {
	if ok {
		g.successes++
	} else {
		g.failures++
	}
}

// Sample returns the number of recorded outcomes.
func (g *QualityGate) Sample() int {
	return g.successes + g.failures
}

// SuccessRate returns successes / outcomes, or 1 when nothing was recorded.
func (g *QualityGate) SuccessRate() float64 {
	n := g.Sample()
	if n == 0 {
		return 1
	}
	return float64(g.successes) / float64(n)
}

// Check evaluates the gate. It is meant to be called at chunk boundaries,
// not after every record.
func (g *QualityGate) Check() error {
	if g.state == GateTripped {
		return ErrQualityGate
	}
	if g.Sample() < g.MinSample || g.SuccessRate() >= g.Threshold {
		return nil
	}

	g.state = GateTripped
	if g.OnTrip != nil {
		g.OnTrip(g.SuccessRate(), g.Sample())
	}
	return eris.Wrapf(ErrQualityGate, "success rate %.1f%% below %.1f%% after %d records",
		g.SuccessRate()*100, g.Threshold*100, g.Sample())
}

// State returns the current gate state.
func (g *QualityGate) State() GateState {
	return g.state
}
