package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(step int, energy float64, params ...float64) Record {
	return Record{
		Step:            step,
		Parameters:      params,
		Energy:          energy,
		FlipProbability: 0.05,
		Shots:           500,
		Evaluations:     2,
		Timestamp:       epoch.Add(time.Duration(step) * time.Second),
	}
}

func filled(t *testing.T, energies ...float64) *Memory {
	t.Helper()
	m := New()
	for i, e := range energies {
		require.NoError(t, m.Append(rec(i, e, float64(i))))
	}
	return m
}

func TestEmpty(t *testing.T) {
	m := New()
	assert.Nil(t, m.Best())
	assert.Nil(t, m.Latest())
	assert.Nil(t, m.At(0))
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Records())
	_, ok := m.DiffLatest()
	assert.False(t, ok)
}

func TestAppendOrdering(t *testing.T) {
	tests := []struct {
		name    string
		steps   []int
		wantErr bool
	}{
		{"in order", []int{0, 1, 2, 3}, false},
		{"first not zero", []int{1}, true},
		{"gap", []int{0, 1, 3}, true},
		{"repeat", []int{0, 1, 1}, true},
		{"backwards", []int{0, 1, 2, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			var err error
			for _, s := range tt.steps {
				if err = m.Append(rec(s, 0, 1)); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, laberrors.ErrOrdering)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, len(tt.steps), m.Len())
		})
	}
}

func TestAppendRejectsDimensionChange(t *testing.T) {
	m := New()
	require.NoError(t, m.Append(rec(0, 0, 1, 2)))
	err := m.Append(rec(1, 0, 1))
	assert.ErrorIs(t, err, laberrors.ErrConfig)
	assert.Equal(t, 1, m.Len())
}

func TestFailedAppendLeavesLedgerIntact(t *testing.T) {
	m := filled(t, 0.1, -0.3)
	require.Error(t, m.Append(rec(5, -10, 0)))

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, -0.3, m.Best().Energy)
	assert.Equal(t, 1, m.Latest().Step)
}

func TestBestLatestDiff(t *testing.T) {
	m := filled(t, 0.1, -0.3, -0.9, -0.5)

	best := m.Best()
	require.NotNil(t, best)
	assert.Equal(t, -0.9, best.Energy)
	assert.Equal(t, 2, best.Step)

	latest := m.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.Step)

	d, ok := Diff(m.At(0), latest)
	require.True(t, ok)
	assert.Equal(t, -0.6, d.Energy)
	assert.Equal(t, []float64{3}, d.Parameters)
	assert.Zero(t, d.FlipProbability)
	assert.Zero(t, d.Shots)
	assert.Equal(t, 3, d.Steps)
	assert.Equal(t, 3*time.Second, d.Elapsed)
}

func TestBestTieKeepsEarliest(t *testing.T) {
	m := filled(t, 0.5, -0.2, -0.2, 0.0, -0.2)
	assert.Equal(t, 1, m.Best().Step)
}

func TestDiff(t *testing.T) {
	a := rec(0, 0.2, 1, 2)
	b := rec(4, -0.4, 1.5, 1)
	b.FlipProbability = 0.1
	b.Shots = 1000

	tests := []struct {
		name string
		a, b *Record
		ok   bool
	}{
		{"both", &a, &b, true},
		{"missing a", nil, &b, false},
		{"missing b", &a, nil, false},
		{"dimension mismatch", &a, rec(1, 0, 1).Clone(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Diff(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.InDelta(t, -0.6, d.Energy, 1e-12)
			assert.InDeltaSlice(t, []float64{0.5, -1}, d.Parameters, 1e-12)
			assert.InDelta(t, 0.05, d.FlipProbability, 1e-12)
			assert.Equal(t, 500, d.Shots)
			assert.Equal(t, 4, d.Steps)

			back, _ := Diff(tt.b, tt.a)
			assert.InDelta(t, -d.Energy, back.Energy, 1e-12)
		})
	}
}

func TestDiffLatest(t *testing.T) {
	m := filled(t, 0.1, -0.3, -0.9)
	d, ok := m.DiffLatest()
	require.True(t, ok)
	assert.InDelta(t, -0.6, d.Energy, 1e-12)
	assert.Equal(t, 1, d.Steps)
}

func TestRecordsAreCopies(t *testing.T) {
	params := []float64{1, 2}
	m := New()
	require.NoError(t, m.Append(Record{Step: 0, Parameters: params, Energy: 1}))

	params[0] = 99
	assert.Equal(t, 1.0, m.At(0).Parameters[0], "append copies the caller's slice")

	got := m.Records()
	got[0].Parameters[1] = 99
	m.Latest().Parameters[1] = 99
	assert.Equal(t, 2.0, m.At(0).Parameters[1])
}

func TestWindow(t *testing.T) {
	m := filled(t, 1, 2, 3, 4, 5)

	tests := []struct {
		n    int
		want []int
	}{
		{2, []int{3, 4}},
		{0, []int{}},
		{5, []int{0, 1, 2, 3, 4}},
		{10, []int{0, 1, 2, 3, 4}},
		{-1, []int{0, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		steps := []int{}
		for _, r := range m.Window(tt.n) {
			steps = append(steps, r.Step)
		}
		assert.Equal(t, tt.want, steps, "n=%d", tt.n)
	}
}

func TestConcurrentReaders(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = m.Best()
					_ = m.Window(3)
					_, _ = m.DiffLatest()
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		require.NoError(t, m.Append(rec(i, float64(-i), 0)))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 199, m.Best().Step)
}
