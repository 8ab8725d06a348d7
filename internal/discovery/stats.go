package discovery

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// Contingency is the customer-level 2x2 table for one phrase:
//
//	              closed   retained
//	has phrase      a         b
//	no phrase       c         d
type Contingency struct {
	A, B, C, D int
}

// NewContingency builds the table from marginal counts. support is the
// number of customers with the phrase, closed the number of closed
// customers, a their overlap, and n the universe size.
func NewContingency(a, support, closed, n int) Contingency {
	return Contingency{
		A: a,
		B: support - a,
		C: closed - a,
		D: n - support - (closed - a),
	}
}

// stdNormal is the unit normal used for the two-sided z-test.
var stdNormal = distuv.UnitNormal

// OddsRatio returns the Haldane-corrected odds ratio. The 0.5 added to
// every cell keeps degenerate tables finite.
func (c Contingency) OddsRatio() float64 {
	a, b, cc, d := c.smoothed()
	return (a * d) / (b * cc)
}

// ZScore returns the log odds ratio divided by its standard error.
func (c Contingency) ZScore() float64 {
	a, b, cc, d := c.smoothed()
	se := math.Sqrt(1/a + 1/b + 1/cc + 1/d)
	return math.Log((a*d)/(b*cc)) / se
}

// PValue returns the two-sided p-value of the z-test.
func (c Contingency) PValue() float64 {
	p := 2 * stdNormal.Survival(math.Abs(c.ZScore()))
	if p > 1 {
		p = 1
	}
	return p
}

// Lift is the closure rate among phrase customers over the base closure
// rate, computed from the raw counts. Zero when either rate is undefined.
func (c Contingency) Lift() float64 {
	support := c.A + c.B
	closed := c.A + c.C
	n := support + c.C + c.D
	if support == 0 || closed == 0 || n == 0 {
		return 0
	}
	phraseRate := float64(c.A) / float64(support)
	baseRate := float64(closed) / float64(n)
	return phraseRate / baseRate
}

func (c Contingency) smoothed() (a, b, cc, d float64) {
	return float64(c.A) + 0.5, float64(c.B) + 0.5, float64(c.C) + 0.5, float64(c.D) + 0.5
}

// phraseStat carries one tested phrase through the correction step.
type phraseStat struct {
	Phrase    string
	Support   int
	Closed    int // customers with the phrase that closed
	OddsRatio float64
	Lift      float64
	PValue    float64
	FDR       float64
}

// BenjaminiHochberg assigns each stat its step-up adjusted q-value. Input
// order does not matter; ties on p break by phrase so the adjustment is
// deterministic. Adjusted values are monotone in p and clamped to 1.
func BenjaminiHochberg(stats []phraseStat) {
	m := len(stats)
	if m == 0 {
		return
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(x, y int) bool {
		a, b := stats[order[x]], stats[order[y]]
		if a.PValue != b.PValue {
			return a.PValue < b.PValue
		}
		return a.Phrase < b.Phrase
	})

	prev := 1.0
	for rank := m; rank >= 1; rank-- {
		idx := order[rank-1]
		q := stats[idx].PValue * float64(m) / float64(rank)
		if q > prev {
			q = prev
		}
		if q > 1 {
			q = 1
		}
		stats[idx].FDR = q
		prev = q
	}
}
