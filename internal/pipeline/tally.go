package pipeline

import (
	"maps"
	"sync"
)

// tally counts row writes across concurrent workers.
type tally struct {
	mu       sync.Mutex
	rows     map[string]int
	failures map[string]int
}

func newTally() *tally {
	return &tally{rows: map[string]int{}, failures: map[string]int{}}
}

func (t *tally) record(relation string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.failures[relation]++
		return
	}
	t.rows[relation]++
}

func (t *tally) snapshot() (map[string]int, map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.rows), maps.Clone(t.failures)
}
