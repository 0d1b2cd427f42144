package matrix

import (
	"fmt"
	"time"
)

// #region status
// Status is the lifecycle state of one accuracy cell.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the status is persisted (DONE or FAILED).
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown cell status %q", s)
}
// #endregion status

// #region key
// Key addresses a cell by (steer persona, test persona).
type Key struct {
	Steer string `json:"steer_persona_id"`
	Test  string `json:"test_persona_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("(%s,%s)", k.Steer, k.Test)
}
// #endregion key

// #region cell
// Cell is the outcome of testing one steered instance against one persona's held-out statements.
type Cell struct {
	SteerPersonaID string    `json:"steer_persona_id"`
	TestPersonaID  string    `json:"test_persona_id"`
	NCorrect       int       `json:"n_correct"`
	NTotal         int       `json:"n_total"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Attempts       int       `json:"attempts"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Key returns the cell's address.
func (c Cell) Key() Key {
	return Key{Steer: c.SteerPersonaID, Test: c.TestPersonaID}
}

// Accuracy returns n_correct/n_total, or 0 when nothing was tested.
func (c Cell) Accuracy() float64 {
	if c.NTotal == 0 {
		return 0
	}
	return float64(c.NCorrect) / float64(c.NTotal)
}

// Validate checks that a terminal cell can be persisted.
// A DONE cell must carry a fully computed accuracy in [0,1].
func (c Cell) Validate() error {
	if c.SteerPersonaID == "" || c.TestPersonaID == "" {
		return fmt.Errorf("cell missing persona id: %s", c.Key())
	}
	switch c.Status {
	case StatusDone:
		if c.NTotal <= 0 {
			return fmt.Errorf("cell %s: done with n_total=%d", c.Key(), c.NTotal)
		}
		if c.NCorrect < 0 || c.NCorrect > c.NTotal {
			return fmt.Errorf("cell %s: n_correct=%d outside [0,%d]", c.Key(), c.NCorrect, c.NTotal)
		}
	case StatusFailed:
	default:
		return fmt.Errorf("cell %s: status %s is not terminal", c.Key(), c.Status)
	}
	return nil
}
// #endregion cell
