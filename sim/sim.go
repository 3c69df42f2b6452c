// Package sim is a small discrete-event simulation engine. Processes run as
// goroutines that park on Wait; the driver advances them one scheduled event
// at a time, which keeps execution deterministic. In real-time mode one
// simulated second maps to one wall-clock second, non-strict: a missed
// deadline is processed immediately, never treated as an error.
package sim

import (
	"container/heap"
	"sync"
	"time"
)

// Process is the body of a simulation process.
type Process func(p *Proc)

// Env is a simulation environment. A single driver goroutine owns the Step
// loop; processes only interact with the environment through their Proc.
type Env struct {
	mu     sync.Mutex
	now    float64
	events eventHeap
	seq    int64

	realtime bool
	epoch    time.Time
}

// New creates a discrete-event environment: Step processes events as fast
// as possible.
func New() *Env {
	return &Env{}
}

// NewRealtime creates an environment where Step sleeps until the wall-clock
// time of the next event.
func NewRealtime() *Env {
	return &Env{realtime: true}
}

// Now returns the current simulation time in seconds.
func (e *Env) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Empty reports whether no events remain.
func (e *Env) Empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events) == 0
}

// Proc is one simulation process. Its methods are called only from the
// process goroutine, except Done, which the driver reads between steps.
type Proc struct {
	env    *Env
	name   string
	resume chan struct{}
	yield  chan struct{}
	done   bool
}

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// Spawn schedules a new process at the current simulation time. The process
// body starts running during a subsequent Step.
func (e *Env) Spawn(name string, fn Process) *Proc {
	p := &Proc{
		env:    e,
		name:   name,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	go func() {
		<-p.resume
		fn(p)
		p.done = true
		p.yield <- struct{}{}
	}()
	e.schedule(p, 0)
	return p
}

// Wait suspends the process for d simulated seconds. Negative durations are
// treated as zero.
func (p *Proc) Wait(d float64) {
	if d < 0 {
		d = 0
	}
	p.env.schedule(p, d)
	p.yield <- struct{}{}
	<-p.resume
}

// Now returns the current simulation time.
func (p *Proc) Now() float64 { return p.env.Now() }

// Done reports whether the process body has returned. Only meaningful to
// the driver between steps.
func (p *Proc) Done() bool { return p.done }

func (e *Env) schedule(p *Proc, delay float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	heap.Push(&e.events, &event{at: e.now + delay, seq: e.seq, proc: p})
}

// Step runs the next scheduled event: advance time, resume the process and
// wait until it parks again or finishes. Returns false when no events
// remain. In real-time mode the wall-clock sleep is interruptible through
// stop; an interrupted event stays scheduled and Step returns true so the
// driver can re-check its stop condition.
func (e *Env) Step(stop <-chan struct{}) bool {
	e.mu.Lock()
	if len(e.events) == 0 {
		e.mu.Unlock()
		return false
	}
	if e.realtime && e.epoch.IsZero() {
		e.epoch = time.Now()
	}
	ev := e.events[0]
	if e.realtime {
		target := e.epoch.Add(time.Duration(ev.at * float64(time.Second)))
		if wait := time.Until(target); wait > 0 {
			e.mu.Unlock()
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-stop:
				return true
			}
			e.mu.Lock()
			ev = e.events[0]
		}
	}
	heap.Pop(&e.events)
	e.now = ev.at
	e.mu.Unlock()

	ev.proc.resume <- struct{}{}
	<-ev.proc.yield
	return true
}

type event struct {
	at   float64
	seq  int64
	proc *Proc
}

// eventHeap orders by time, then by schedule order for deterministic
// tie-breaking.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}
