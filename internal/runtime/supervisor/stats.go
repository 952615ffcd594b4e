package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// WorkerStats aggregates every run of one named worker.
type WorkerStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Runs        uint64        `json:"runs"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitzero"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Uptime      time.Duration `json:"uptime"`
}

type Snapshot struct {
	Counters   Counters      `json:"counters"`
	FirstError string        `json:"first_error,omitempty"`
	Workers    []WorkerStats `json:"workers"`
}

// Snapshot reports the workers, running ones first then by name.
func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Counters: Counters{Active: s.active.Load(), Started: s.started.Load()}}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	snap.Workers = s.stats.list()
	sort.Slice(snap.Workers, func(i, j int) bool {
		a, b := snap.Workers[i], snap.Workers[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

type workerStats struct {
	mu sync.Mutex
	m  map[string]*WorkerStats
}

func (w *workerStats) get(name string) *WorkerStats {
	st := w.m[name]
	if st == nil {
		st = &WorkerStats{Name: name}
		w.m[name] = st
	}
	return st
}

func (w *workerStats) start(name string, restart bool) time.Time {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.get(name)
	st.Runs++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	return now
}

func (w *workerStats) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.get(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.Uptime += now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
}

func (w *workerStats) panicked(name string, p any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.get(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
}

func (w *workerStats) list() []WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WorkerStats, 0, len(w.m))
	for _, st := range w.m {
		out = append(out, *st)
	}
	return out
}
