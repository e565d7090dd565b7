package service

import (
	"sync"
)

func newActiveRuns() *activeRuns {
	return &activeRuns{
		byID:  make(map[string]*runState),
		byRef: make(map[string]*runState),
	}
}

// activeRuns indexes the runs whose dispatch loop has not finished, by id
// and by (pipeline, ref).
type activeRuns struct {
	m     sync.Mutex
	byID  map[string]*runState
	byRef map[string]*runState
}

// add registers rs and returns the run it supersedes, if any.
func (a *activeRuns) add(rs *runState) *runState {
	a.m.Lock()
	defer a.m.Unlock()
	prev := a.byRef[rs.key]
	a.byID[rs.run.RunID] = rs
	a.byRef[rs.key] = rs
	return prev
}

func (a *activeRuns) remove(rs *runState) {
	a.m.Lock()
	defer a.m.Unlock()
	delete(a.byID, rs.run.RunID)
	if a.byRef[rs.key] == rs {
		delete(a.byRef, rs.key)
	}
}

func (a *activeRuns) get(runID string) (*runState, bool) {
	a.m.Lock()
	defer a.m.Unlock()
	rs, ok := a.byID[runID]
	return rs, ok
}

func (a *activeRuns) all() []*runState {
	a.m.Lock()
	defer a.m.Unlock()
	runs := make([]*runState, 0, len(a.byID))
	for _, rs := range a.byID {
		runs = append(runs, rs)
	}
	return runs
}
