package ingest

import (
	"sync"
	"time"

	"luxelink/server/internal/dedup"
	"luxelink/server/internal/processor"
)

// Summary reports one scan cycle.
type Summary struct {
	CycleID    string       `json:"cycle_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Agents     int          `json:"agents"`
	New        int          `json:"new"`
	Updated    int          `json:"updated"`
	Unchanged  int          `json:"unchanged"`
	Alerted    int          `json:"alerted"`
	Malformed  int          `json:"malformed"`
	Failed     int          `json:"failed"`
	Errors     []CycleError `json:"errors"`
}

// CycleError is a failure scoped to an agent, or to one source of an agent.
// Source is empty for agent level failures.
type CycleError struct {
	Agent  string `json:"agent,omitempty"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error"`
}

// tally collects counts from concurrent workers.
type tally struct {
	mu  sync.Mutex
	sum *Summary
}

func (t *tally) outcome(out processor.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch out.Classification {
	case dedup.New:
		t.sum.New++
	case dedup.Updated:
		t.sum.Updated++
	case dedup.Unchanged:
		t.sum.Unchanged++
	}
	if out.Alerted {
		t.sum.Alerted++
	}
}

func (t *tally) malformed() {
	t.mu.Lock()
	t.sum.Malformed++
	t.mu.Unlock()
}

func (t *tally) failed() {
	t.mu.Lock()
	t.sum.Failed++
	t.mu.Unlock()
}

func (t *tally) scanned() {
	t.mu.Lock()
	t.sum.Agents++
	t.mu.Unlock()
}

func (t *tally) addError(agent, source string, err error) {
	t.mu.Lock()
	t.sum.Errors = append(t.sum.Errors, CycleError{Agent: agent, Source: source, Error: err.Error()})
	t.mu.Unlock()
}
