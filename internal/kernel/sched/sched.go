// Package sched implements spec.md §4.D: per-CPU priority-ordered ready
// queues, SC time accounting, priority donation through blocked chains,
// cross-CPU migration via remote enqueue, and integration with a deadline
// timer.
//
// Each simulated CPU is modeled as a cpuState guarded by its own lock,
// matching spec.md §5's "per-CPU ready-queue lock... taken only by
// enqueue/dequeue from other CPUs." SCs link into a bucket's FIFO using
// their own Next/Prev pointers (package obj) rather than a parallel
// container, mirroring the original's intrusive list discipline.
package sched

import (
	"log/slog"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/go-nova/novakernel/internal/debug"
	"github.com/go-nova/novakernel/internal/kernel/obj"
	"github.com/go-nova/novakernel/internal/timeslice"
)

// numPriorities is the size of the per-CPU ready array (spec.md §4.D:
// "128 doubly-linked FIFOs").
const numPriorities = int(obj.MaxPriority) + 1

// Timer is implemented by package syscall's Kernel, which forwards each
// call to that CPU's ktime.PerCPU comparator. The scheduler programs the
// deadline timer at the end of every Schedule call; ktime owns the actual
// hardware/simulated comparator.
type Timer interface {
	SetDeadline(cpu int, tick int64)
}

// IPISender is implemented by package irq. RRQ wakes an idle CPU that just
// had work pushed onto its remote queue; RKE is used elsewhere (mm
// shootdown, recall) and is not sent by this package.
type IPISender interface {
	SendRRQ(cpu int)
}

var scheduleTrace = timeslice.RegisterKind("schedule", 0)

// cpuState is one simulated CPU's scheduler-visible state.
type cpuState struct {
	mu      sync.Mutex
	ready   [numPriorities]*obj.SC // FIFO head
	readyTl [numPriorities]*obj.SC // FIFO tail
	top     bitmap.Bitmap          // bit (MaxPriority-p) set iff bucket p non-empty
	topHint int                    // cached highest non-empty bucket index, or -1

	remoteMu sync.Mutex
	remote   []*obj.SC

	current *obj.SC
	idle    bool
	now     int64
}

// Scheduler owns every simulated CPU's ready state.
type Scheduler struct {
	cpus   []*cpuState
	domain *obj.Domain
	timer  Timer
	ipi    IPISender
	log    *slog.Logger
	trace  debug.Debug
}

// New constructs a Scheduler for numCPUs simulated CPUs.
func New(numCPUs int, domain *obj.Domain, timer Timer, ipi IPISender, log *slog.Logger) *Scheduler {
	if numCPUs < 1 {
		numCPUs = 1
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cpus:   make([]*cpuState, numCPUs),
		domain: domain,
		timer:  timer,
		ipi:    ipi,
		log:    log,
		trace:  debug.WithSource("sched"),
	}
	for i := range s.cpus {
		cs := &cpuState{idle: true, topHint: -1}
		cs.top = bitmap.New(uint32(numPriorities))
		s.cpus[i] = cs
	}
	return s
}

func bucketIndex(priority uint8) uint32 { return uint32(obj.MaxPriority) - uint32(priority) }

// RemoteEnqueue implements obj.SchedulerHook and spec.md §4.D's cross-CPU
// path: "remote_enqueue is lock-protected; if the target CPU is currently
// idle the sender emits an RRQ IPI." It also backs spec.md §3's SC
// lifecycle ("SC is created bound to an EC and immediately remote-enqueued
// onto the EC's home CPU").
func (s *Scheduler) RemoteEnqueue(sc *obj.SC) {
	cpu := sc.CPU()
	if cpu < 0 || cpu >= len(s.cpus) {
		return
	}
	cs := s.cpus[cpu]

	cs.remoteMu.Lock()
	sc.SetLocation(obj.SCRemote)
	cs.remote = append(cs.remote, sc)
	idle := cs.idle
	cs.remoteMu.Unlock()

	if idle && s.ipi != nil {
		s.ipi.SendRRQ(cpu)
	}
}

// drainRemote moves every SC pushed onto cpu's remote queue into its
// ready array. Called at the top of Schedule, per spec.md §4.D step 1.
func (cs *cpuState) drainRemote() []*obj.SC {
	cs.remoteMu.Lock()
	drained := cs.remote
	cs.remote = nil
	cs.remoteMu.Unlock()
	return drained
}

func (cs *cpuState) enqueueTail(sc *obj.SC) {
	b := bucketIndex(sc.Priority())
	sc.Next, sc.Prev = nil, cs.readyTl[b]
	if cs.readyTl[b] != nil {
		cs.readyTl[b].Next = sc
	} else {
		cs.ready[b] = sc
	}
	cs.readyTl[b] = sc
	sc.SetLocation(obj.SCReady)
	cs.top.Add(b)
	if cs.topHint < 0 || int(b) < cs.topHint {
		cs.topHint = int(b)
	}
}

func (cs *cpuState) enqueueHead(sc *obj.SC) {
	b := bucketIndex(sc.Priority())
	sc.Prev, sc.Next = nil, cs.ready[b]
	if cs.ready[b] != nil {
		cs.ready[b].Prev = sc
	} else {
		cs.readyTl[b] = sc
	}
	cs.ready[b] = sc
	sc.SetLocation(obj.SCReady)
	cs.top.Add(b)
	if cs.topHint < 0 || int(b) < cs.topHint {
		cs.topHint = int(b)
	}
}

// popHighest removes and returns the head of the highest non-empty
// priority bucket, or nil if every bucket is empty.
func (cs *cpuState) popHighest() *obj.SC {
	for cs.topHint >= 0 && cs.topHint < numPriorities {
		b := uint32(cs.topHint)
		head := cs.ready[b]
		if head == nil {
			cs.top.Remove(b)
			cs.topHint = cs.nextHint(cs.topHint + 1)
			continue
		}
		cs.ready[b] = head.Next
		if cs.ready[b] != nil {
			cs.ready[b].Prev = nil
		} else {
			cs.readyTl[b] = nil
			cs.top.Remove(b)
			cs.topHint = cs.nextHint(cs.topHint + 1)
		}
		head.Next, head.Prev = nil, nil
		return head
	}
	return nil
}

// nextHint finds the next non-empty bucket at or after from, or -1.
func (cs *cpuState) nextHint(from int) int {
	for b := from; b < numPriorities; b++ {
		if cs.ready[b] != nil {
			return b
		}
	}
	return -1
}

// unlink removes sc from whichever ready bucket it occupies, used when a
// helping chain needs to pull an SC out of the ready array to donate it
// (spec.md §4.D).
func (cs *cpuState) unlink(sc *obj.SC) {
	b := bucketIndex(sc.Priority())
	if sc.Prev != nil {
		sc.Prev.Next = sc.Next
	} else if cs.ready[b] == sc {
		cs.ready[b] = sc.Next
	}
	if sc.Next != nil {
		sc.Next.Prev = sc.Prev
	} else if cs.readyTl[b] == sc {
		cs.readyTl[b] = sc.Prev
	}
	sc.Next, sc.Prev = nil, nil
	if cs.ready[b] == nil {
		cs.top.Remove(b)
		if cs.topHint == int(b) {
			cs.topHint = cs.nextHint(int(b) + 1)
		}
	}
}

// Current returns the SC currently running on cpu, or nil if idle.
func (s *Scheduler) Current(cpu int) *obj.SC {
	if cpu < 0 || cpu >= len(s.cpus) {
		return nil
	}
	cs := s.cpus[cpu]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.current
}

// Schedule implements spec.md §4.D's schedule(): drain the remote queue,
// account elapsed time to the outgoing SC, pick the next SC, program the
// deadline timer, and return the EC to resume. now is the current
// monotonic tick (package ktime).
func (s *Scheduler) Schedule(cpu int, now int64) *obj.EC {
	wallStart := time.Now()
	defer func() { timeslice.Record(scheduleTrace, time.Since(wallStart)) }()

	if cpu < 0 || cpu >= len(s.cpus) {
		return nil
	}
	cs := s.cpus[cpu]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, sc := range cs.drainRemote() {
		cs.enqueueTail(sc)
	}

	if cs.current != nil {
		outgoing := cs.current
		elapsed := now - outgoing.LastDispatch()
		left := outgoing.Left() - elapsed
		if left <= 0 {
			outgoing.SetLeft(outgoing.Budget())
			cs.enqueueTail(outgoing)
		} else {
			outgoing.SetLeft(left)
			cs.enqueueHead(outgoing)
		}
		cs.current = nil
	}

	next := cs.popHighest()
	if next == nil {
		cs.idle = true
		cs.current = nil
		if s.timer != nil {
			s.timer.SetDeadline(cpu, 0)
		}
		if s.domain != nil {
			s.domain.Quiesce(cpu)
		}
		return nil
	}

	cs.idle = false
	next.SetLastDispatch(now)
	next.SetLocation(obj.SCRunning)
	cs.current = next

	if s.timer != nil {
		if next.Budget() > 0 {
			s.timer.SetDeadline(cpu, now+next.Left())
		} else {
			s.timer.SetDeadline(cpu, 0)
		}
	}
	if s.domain != nil {
		s.domain.Quiesce(cpu)
	}

	s.trace.Writef("schedule: cpu=%d sc_prio=%d left=%d", cpu, next.Priority(), next.Left())
	return next.EC()
}

// Help implements the donation half of spec.md §4.D's helping protocol: when
// ec (running caller's SC `callerSC`) blocks calling into local EC callee,
// callerSC is pulled off its ready bucket (if present — it may instead
// already be `running`, the common case for a direct call) and enqueued
// onto callee's blocked-SC queue, and the scheduler will next pick callee's
// own SC (or, if callee has none yet, run it "as if it were" the caller by
// temporarily donating callerSC's priority/budget).
func (s *Scheduler) Help(callerSC *obj.SC, callee *obj.EC) {
	if callerSC == nil || callee == nil {
		return
	}
	cpu := callerSC.CPU()
	if cpu >= 0 && cpu < len(s.cpus) {
		cs := s.cpus[cpu]
		cs.mu.Lock()
		if callerSC.Location() == obj.SCReady {
			cs.unlink(callerSC)
		}
		if cs.current == callerSC {
			cs.current = nil
		}
		cs.mu.Unlock()
	}
	callerSC.SetLocation(obj.SCBlocked)
	callee.AddBlockedSC(callerSC)
}

// Unhelp implements the reply half: callee has just replied, so every SC
// that was helping it is remote-enqueued back onto its own home CPU
// (spec.md §4.D: "remote-enqueues each back onto its home CPU").
func (s *Scheduler) Unhelp(callee *obj.EC) {
	for _, sc := range callee.DrainBlockedSCs() {
		s.RemoteEnqueue(sc)
	}
}

// TimeoutExpired re-admits sc to scheduling by remote-enqueueing it onto
// its home CPU. Nothing in this module calls it: a ctrl_sm down whose
// bound deadline passes is woken by package syscall's timeout sweep
// cancelling its context, and obj.SM.Down removes the waiter itself.
func (s *Scheduler) TimeoutExpired(sc *obj.SC) {
	if sc == nil {
		return
	}
	s.RemoteEnqueue(sc)
}
