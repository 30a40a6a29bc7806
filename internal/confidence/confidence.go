package confidence

import (
	"sort"
	"sync"

	"opsisagent/internal/domain"
)

const (
	// Alpha is the EMA smoothing factor for outcome updates.
	Alpha = 0.3
	// MinSamples is how many outcomes a signature needs before its rate is trusted.
	MinSamples = 3

	historyWeight    = 0.7
	initialWeight    = 0.3
	neutralRate      = 50.0
	escalateBelow    = 60.0
	riskBRequiredMin = 80.0
)

// Aggregate is success/failure totals for one signature from ticket history.
type Aggregate struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Total returns number of recorded outcomes.
func (a Aggregate) Total() int {
	return a.Successes + a.Failures
}

type record struct {
	rate    float64
	samples int
}

// Adjuster keeps per-signature success rates.
// Params: none; owned by the host and shared by reference.
// Returns: concurrent-safe confidence adjuster.
type Adjuster struct {
	mu    sync.RWMutex
	rates map[string]record
}

// New creates empty adjuster.
func New() *Adjuster {
	return &Adjuster{rates: make(map[string]record)}
}

// Seed replays aggregate outcome counts from the ticket store.
// Params: aggregates keyed by signature.
// Returns: number of signatures that gained trusted history.
func (a *Adjuster) Seed(aggregates map[string]Aggregate) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	seeded := 0
	for signature, agg := range aggregates {
		total := agg.Total()
		if total < MinSamples {
			continue
		}
		a.rates[signature] = record{
			rate:    float64(agg.Successes) / float64(total) * 100,
			samples: total,
		}
		seeded++
	}
	return seeded
}

// AdjustConfidence blends historical rate with rule confidence.
// Params: signature and initial rule confidence.
// Returns: rate*0.7 + initial*0.3 with history, initial otherwise.
func (a *Adjuster) AdjustConfidence(signature string, initial float64) float64 {
	a.mu.RLock()
	rec, ok := a.rates[signature]
	a.mu.RUnlock()
	if !ok || rec.samples < MinSamples {
		return initial
	}
	return rec.rate*historyWeight + initial*initialWeight
}

// RecordOutcome moves the rate 30% of the way toward 100 or 0.
// Params: signature and remediation outcome.
// Returns: updated rate.
func (a *Adjuster) RecordOutcome(signature string, success bool) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.rates[signature]
	if !ok {
		rec.rate = neutralRate
	}
	target := 0.0
	if success {
		target = 100
	}
	rec.rate += Alpha * (target - rec.rate)
	rec.samples++
	a.rates[signature] = rec
	return rec.rate
}

// ShouldEscalate applies history policy for a signature and risk class.
// Params: signature and risk class of the winning rule.
// Returns: true when controller escalation is required.
func (a *Adjuster) ShouldEscalate(signature string, risk domain.RiskClass) bool {
	rate, ok := a.Rate(signature)
	if !ok {
		return risk != domain.RiskA
	}
	if risk == domain.RiskC {
		return true
	}
	if rate < escalateBelow {
		return true
	}
	if risk == domain.RiskB {
		return rate < riskBRequiredMin
	}
	return false
}

// Rate returns trusted rate for signature.
// Params: signature.
// Returns: rate and true when at least MinSamples outcomes are known.
func (a *Adjuster) Rate(signature string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.rates[signature]
	if !ok || rec.samples < MinSamples {
		return 0, false
	}
	return rec.rate, true
}

// Entry is one exported adjuster row.
type Entry struct {
	Signature string  `json:"signature"`
	Rate      float64 `json:"rate"`
	Samples   int     `json:"samples"`
	Trusted   bool    `json:"trusted"`
}

// Entries lists known signatures sorted by name.
func (a *Adjuster) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, 0, len(a.rates))
	for signature, rec := range a.rates {
		out = append(out, Entry{Signature: signature, Rate: rec.rate, Samples: rec.samples, Trusted: rec.samples >= MinSamples})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}
