// Package memory is the diachronic experiment ledger: an append-only,
// step-ordered sequence of records with best, latest and diff queries.
package memory

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

// Record is one completed loop iteration. Records are never mutated after
// they are appended.
type Record struct {
	Step            int       `json:"step"`
	Parameters      []float64 `json:"parameters"`
	Energy          float64   `json:"energy"`
	FlipProbability float64   `json:"p_flip"`
	Shots           int       `json:"shots"`
	// Evaluations is the number of backend calls the step spent.
	Evaluations int       `json:"evaluations"`
	Note        string    `json:"note,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Clone returns a deep copy.
func (r Record) Clone() *Record {
	c := r
	c.Parameters = append([]float64(nil), r.Parameters...)
	return &c
}

// Delta is the field-wise difference b − a between two records.
type Delta struct {
	Energy          float64       `json:"energy"`
	Parameters      []float64     `json:"parameters"`
	FlipProbability float64       `json:"p_flip"`
	Shots           int           `json:"shots"`
	Steps           int           `json:"steps"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Diff returns b − a component by component. ok is false when either
// record is absent or the parameter vectors differ in length.
func Diff(a, b *Record) (d Delta, ok bool) {
	if a == nil || b == nil || len(a.Parameters) != len(b.Parameters) {
		return Delta{}, false
	}
	params := make([]float64, len(b.Parameters))
	floats.SubTo(params, b.Parameters, a.Parameters)
	return Delta{
		Energy:          b.Energy - a.Energy,
		Parameters:      params,
		FlipProbability: b.FlipProbability - a.FlipProbability,
		Shots:           b.Shots - a.Shots,
		Steps:           b.Step - a.Step,
		Elapsed:         b.Timestamp.Sub(a.Timestamp),
	}, true
}

// Memory holds the records of one run. It has a single writer, the loop
// that owns it, and may be read concurrently.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	best    int
}

// New returns an empty ledger.
func New() *Memory {
	return &Memory{best: -1}
}

// Append adds r to the ledger. r.Step must be exactly one past the last
// step (0 for the first record) and the parameter dimension must not
// change within a run.
func (m *Memory) Append(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := len(m.records)
	if r.Step != next {
		return laberrors.Ordering("Append", "expected step %d, got %d", next, r.Step).WithComponent("memory")
	}
	if next > 0 && len(r.Parameters) != len(m.records[0].Parameters) {
		return laberrors.Config("Append", "parameter dimension changed from %d to %d",
			len(m.records[0].Parameters), len(r.Parameters)).WithComponent("memory")
	}

	m.records = append(m.records, *r.Clone())
	if m.best < 0 || r.Energy < m.records[m.best].Energy {
		m.best = next
	}
	return nil
}

// Best returns the minimal-energy record, earliest step on ties, or nil.
func (m *Memory) Best() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.best < 0 {
		return nil
	}
	return m.records[m.best].Clone()
}

// Latest returns the most recent record or nil.
func (m *Memory) Latest() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil
	}
	return m.records[len(m.records)-1].Clone()
}

// At returns the record of step i or nil.
func (m *Memory) At(i int) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.records) {
		return nil
	}
	return m.records[i].Clone()
}

// Len is the number of records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns a copy of every record in step order.
func (m *Memory) Records() []Record {
	return m.Window(-1)
}

// Window returns copies of the last n records, or all of them if n < 0 or
// n exceeds the length.
func (m *Memory) Window(n int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from := 0
	if n >= 0 && n < len(m.records) {
		from = len(m.records) - n
	}
	out := make([]Record, 0, len(m.records)-from)
	for _, r := range m.records[from:] {
		out = append(out, *r.Clone())
	}
	return out
}

// DiffLatest diffs the last two records.
func (m *Memory) DiffLatest() (Delta, bool) {
	m.mu.RLock()
	n := len(m.records)
	if n < 2 {
		m.mu.RUnlock()
		return Delta{}, false
	}
	a, b := m.records[n-2].Clone(), m.records[n-1].Clone()
	m.mu.RUnlock()
	return Diff(a, b)
}
