package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Phase names one stage of a run.
type Phase string

const (
	PhaseFetch  Phase = "fetch"
	PhaseUpload Phase = "upload"
	PhasePatch  Phase = "patch"
)

// Phases lists phases in pipeline order.
var Phases = []Phase{PhaseFetch, PhaseUpload, PhasePatch}

type counters struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// RunState holds append-only per-phase counters for one run.
type RunState struct {
	id      string
	started time.Time
	phases  map[Phase]*counters
}

func NewRunState(id string) *RunState {
	phases := make(map[Phase]*counters, len(Phases))
	for _, p := range Phases {
		phases[p] = &counters{}
	}
	return &RunState{id: id, started: time.Now(), phases: phases}
}

func (r *RunState) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

func (r *RunState) phase(p Phase) *counters {
	if r == nil {
		return nil
	}
	return r.phases[p]
}

// Record counts one finished unit of work in phase p.
func (r *RunState) Record(p Phase, err error) {
	c := r.phase(p)
	if c == nil {
		return
	}
	c.attempted.Add(1)
	if err != nil {
		c.failed.Add(1)
		return
	}
	c.succeeded.Add(1)
}

// PhaseCounts is a point-in-time copy of one phase's counters.
type PhaseCounts struct {
	Attempted int64 `json:"attempted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Snapshot is a point-in-time copy of the run state.
type Snapshot struct {
	RunID   string                `json:"run_id"`
	Started time.Time             `json:"started"`
	Elapsed time.Duration         `json:"elapsed_ns"`
	Phases  map[Phase]PhaseCounts `json:"phases"`
}

func (r *RunState) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{Phases: map[Phase]PhaseCounts{}}
	}
	out := Snapshot{
		RunID:   r.id,
		Started: r.started,
		Elapsed: time.Since(r.started),
		Phases:  make(map[Phase]PhaseCounts, len(r.phases)),
	}
	for p, c := range r.phases {
		out.Phases[p] = PhaseCounts{
			Attempted: c.attempted.Load(),
			Succeeded: c.succeeded.Load(),
			Failed:    c.failed.Load(),
		}
	}
	return out
}

// Failed reports whether any phase recorded a failure.
func (s Snapshot) Failed() bool {
	for _, c := range s.Phases {
		if c.Failed > 0 {
			return true
		}
	}
	return false
}

// Summary renders one line per phase in pipeline order.
func (s Snapshot) Summary() string {
	var b strings.Builder
	for i, p := range Phases {
		c := s.Phases[p]
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-6s attempted=%d succeeded=%d failed=%d", p, c.Attempted, c.Succeeded, c.Failed)
	}
	return b.String()
}

// Tracker binds one phase of a RunState to a Reporter. A nil Tracker is a no-op.
type Tracker struct {
	phase    Phase
	state    *RunState
	reporter Reporter
}

func (r *RunState) Track(p Phase, reporter Reporter) *Tracker {
	if reporter == nil {
		reporter = Nop{}
	}
	return &Tracker{phase: p, state: r, reporter: Safe(reporter)}
}

func (t *Tracker) Start(total int) {
	if t == nil {
		return
	}
	t.reporter.Start(total)
}

// Done records one unit and advances the reporter.
func (t *Tracker) Done(err error) {
	if t == nil {
		return
	}
	t.state.Record(t.phase, err)
	t.reporter.Advance(1)
}

func (t *Tracker) Stop() {
	if t == nil {
		return
	}
	t.reporter.Stop()
}
