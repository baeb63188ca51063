package paper

import (
	"sync"

	"statemax-go/internal/exchange"
)

// Ledger stores paper fills in memory for quick inspection.
type Ledger struct {
	mu    sync.Mutex
	fills []exchange.Fill
}

// NewLedger creates an empty ledger optionally pre-sizing storage.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{fills: make([]exchange.Fill, 0, capacity)}
}

// Record appends a fill to the ledger.
func (l *Ledger) Record(fill exchange.Fill) {
	l.mu.Lock()
	l.fills = append(l.fills, fill)
	l.mu.Unlock()
}

// Snapshot returns a copy of the recorded fills.
func (l *Ledger) Snapshot() []exchange.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]exchange.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Fees sums the fees charged so far, in the asset each fill received.
func (l *Ledger) Fees() (base, quote float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.fills {
		if f.Side == exchange.Buy {
			base += f.Fee
		} else {
			quote += f.Fee
		}
	}
	return base, quote
}

// Reset clears all stored fills.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.fills = l.fills[:0]
	l.mu.Unlock()
}

// Tee fans fills out to several recorders.
type Tee []FillRecorder

// Record forwards fill to every recorder.
func (t Tee) Record(fill exchange.Fill) {
	for _, r := range t {
		r.Record(fill)
	}
}
