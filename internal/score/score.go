// Package score turns an accuracy matrix into per-persona percentile scores
// and the aggregate steerability metric. Everything here is pure.
package score

import (
	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region percentile
// PercentileRank is the midpoint rank of v in s: the mean of the fraction of
// s strictly below v and the fraction at or below v. An empty s yields 0.5.
func PercentileRank(v float64, s []float64) float64 {
	if len(s) == 0 {
		return 0.5
	}
	var below, atOrBelow int
	for _, x := range s {
		if x < v {
			below++
		}
		if x <= v {
			atOrBelow++
		}
	}
	n := float64(len(s))
	return (float64(below)/n + float64(atOrBelow)/n) / 2
}

// #endregion percentile

// #region compute
// Compute scores m over its DONE cells only.
//
// The diagonal a_{p,p} is ranked among the other DONE entries of row p for
// sensibility and of column p for specificity. A persona whose own cell is
// not DONE has no scores and is listed in Excluded.
func Compute(m *matrix.Matrix) Report {
	n := m.Size()
	ids := m.PersonaIDs()
	r := Report{
		PersonaIDs: ids,
		Accuracy:   make([][]*float64, n),
		Records:    make([]Record, n),
		Coverage:   m.Coverage(),
		Done:       m.DoneCount(),
		Total:      n * n,
	}

	for i := 0; i < n; i++ {
		r.Accuracy[i] = make([]*float64, n)
		for j := 0; j < n; j++ {
			if a, ok := m.Accuracy(i, j); ok {
				r.Accuracy[i][j] = &a
			}
			if c, ok := m.Get(i, j); ok && c.Status == matrix.StatusFailed {
				r.FailedCells = append(r.FailedCells, FailedCell{
					SteerPersonaID: c.SteerPersonaID,
					TestPersonaID:  c.TestPersonaID,
					Error:          c.Error,
					Attempts:       c.Attempts,
				})
			}
		}
	}

	var sensSum, specSum float64
	for p := 0; p < n; p++ {
		r.Records[p] = Record{PersonaID: ids[p]}
		own, ok := m.Accuracy(p, p)
		if !ok {
			r.Excluded = append(r.Excluded, Exclusion{PersonaID: ids[p], Reason: exclusionReason(m, p)})
			continue
		}

		var row, col []float64
		for q := 0; q < n; q++ {
			if q == p {
				continue
			}
			if a, ok := m.Accuracy(p, q); ok {
				row = append(row, a)
			}
			if a, ok := m.Accuracy(q, p); ok {
				col = append(col, a)
			}
		}
		sens := PercentileRank(own, row)
		spec := PercentileRank(own, col)
		r.Records[p].Sensibility = &sens
		r.Records[p].Specificity = &spec
		sensSum += sens
		specSum += spec
		r.Scored++
	}

	if r.Scored > 0 {
		r.Steerability = sensSum / float64(r.Scored)
		r.MeanSpecificity = specSum / float64(r.Scored)
	}
	return r
}

func exclusionReason(m *matrix.Matrix, p int) string {
	if m.RowDoneCount(p) == 0 {
		return "no completed cells in row"
	}
	if c, ok := m.Get(p, p); ok && c.Status == matrix.StatusFailed {
		return "own-persona cell failed"
	}
	return "own-persona cell not computed"
}

// #endregion compute
