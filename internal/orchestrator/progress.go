package orchestrator

import (
	"fmt"
	"sync"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region transitions

var allowed = map[matrix.Status][]matrix.Status{
	matrix.StatusPending: {matrix.StatusRunning, matrix.StatusFailed},
	matrix.StatusRunning: {matrix.StatusDone, matrix.StatusFailed, matrix.StatusPending},
}

// #endregion

// #region tracker

// progress is the in-memory lifecycle of the cells scheduled in this run.
// Only terminal states reach the store.
type progress struct {
	mu     sync.Mutex
	states map[matrix.Key]matrix.Status
}

func newProgress(keys []matrix.Key) *progress {
	p := &progress{states: make(map[matrix.Key]matrix.Status, len(keys))}
	for _, k := range keys {
		p.states[k] = matrix.StatusPending
	}
	return p
}

// move applies a validated transition.
func (p *progress) move(k matrix.Key, to matrix.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	from, ok := p.states[k]
	if !ok {
		return fmt.Errorf("cell %s not scheduled", k)
	}
	for _, s := range allowed[from] {
		if s == to {
			p.states[k] = to
			return nil
		}
	}
	return fmt.Errorf("cell %s: illegal transition %s -> %s", k, from, to)
}

func (p *progress) status(k matrix.Key) matrix.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[k]
}

func (p *progress) counts() map[matrix.Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[matrix.Status]int, 4)
	for _, s := range p.states {
		out[s]++
	}
	return out
}

// #endregion
