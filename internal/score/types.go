package score

import (
	"fmt"
	"strings"
)

// #region record
// Record is one persona's derived scores. Nil means the persona was not scored.
type Record struct {
	PersonaID   string   `json:"persona_id"`
	Sensibility *float64 `json:"sensibility"`
	Specificity *float64 `json:"specificity"`
}

// #endregion record

// #region exclusion
// Exclusion names a persona left out of the aggregates.
type Exclusion struct {
	PersonaID string `json:"persona_id"`
	Reason    string `json:"reason"`
}

// FailedCell is a pair that exhausted its retry budget.
type FailedCell struct {
	SteerPersonaID string `json:"steer_persona_id"`
	TestPersonaID  string `json:"test_persona_id"`
	Error          string `json:"error"`
	Attempts       int    `json:"attempts"`
}

// #endregion exclusion

// #region report
// Report is the score table for one accuracy matrix. It is always
// reproducible from the persisted cells and is never stored as authoritative.
type Report struct {
	PersonaIDs []string `json:"persona_ids"`
	// Accuracy[i][j] is a_{i,j}, nil when the cell is not DONE.
	Accuracy        [][]*float64 `json:"accuracy"`
	Records         []Record     `json:"records"`
	Steerability    float64      `json:"steerability"`
	MeanSpecificity float64      `json:"mean_specificity"`
	Scored          int          `json:"scored_personas"`
	Coverage        float64      `json:"coverage"`
	Done            int          `json:"done_cells"`
	Total           int          `json:"total_cells"`
	Excluded        []Exclusion  `json:"excluded"`
	FailedCells     []FailedCell `json:"failed_cells"`
}

// Incomplete reports whether the scores rest on a partial matrix.
// The report is still usable; the error only describes what is missing.
func (r Report) Incomplete() error {
	if r.Done == r.Total && len(r.Excluded) == 0 {
		return nil
	}
	return &IncompleteError{Coverage: r.Coverage, Excluded: r.Excluded}
}

// #endregion report

// #region errors
// IncompleteError is returned when scores were computed over a partial matrix.
type IncompleteError struct {
	Coverage float64
	Excluded []Exclusion
}

func (e *IncompleteError) Error() string {
	if len(e.Excluded) == 0 {
		return fmt.Sprintf("scores computed over partial matrix (coverage %.1f%%)", 100*e.Coverage)
	}
	ids := make([]string, len(e.Excluded))
	for i, x := range e.Excluded {
		ids[i] = x.PersonaID
	}
	return fmt.Sprintf("scores computed over partial matrix (coverage %.1f%%), excluded: %s",
		100*e.Coverage, strings.Join(ids, ", "))
}

// #endregion errors
