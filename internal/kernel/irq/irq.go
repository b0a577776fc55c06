// Package irq implements spec.md §4.H: the GSI-to-semaphore routing table
// that delivers host interrupts as SM ups, and the two inter-processor
// request classes (RRQ wakes an idle remote CPU with queued work, RKE
// drives synchronous shootdown) every other kernel package depends on
// through a narrow interface rather than importing this package directly.
package irq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-nova/novakernel/internal/chipset"
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/obj"
)

// CPUKicker is the per-CPU wakeup surface irq needs from the scheduler
// loop (package syscall's Kernel, whose RunCPU drives each simulated CPU),
// kept as an interface so irq never imports that package.
type CPUKicker interface {
	// KickRRQ interrupts cpu's idle wait so it re-enters Schedule and
	// observes newly remote-enqueued work.
	KickRRQ(cpu int)
	// KickRKE interrupts cpu's running guest/user context so it re-enters
	// the kernel and can observe a shootdown request or recall hazard.
	KickRKE(cpu int)
}

// Router maps a global system interrupt (GSI) to the SM it ups when
// asserted (spec.md §4.H: "physical interrupts are delivered to the
// kernel as GSIs and routed to a bound SM"), and fans RRQ/RKE IPI
// requests out to simulated CPUs.
type Router struct {
	kicker CPUKicker
	log    *slog.Logger

	mu     sync.RWMutex
	routes map[uint8]*obj.SM

	lines *chipset.LineSet

	completions []completionCounter
}

// completionCounter tracks, per CPU, how many RKE requests it has
// acknowledged, so SendRKE can report true "the target advanced its
// completion counter" synchronization rather than a bare fire-and-forget.
type completionCounter struct {
	mu    sync.Mutex
	count uint64
	cond  *sync.Cond
}

// New constructs a Router for numCPUs simulated CPUs. kicker delivers the
// actual cross-goroutine wakeup; a nil kicker is valid for tests that only
// exercise routing, not IPI delivery.
func New(numCPUs int, kicker CPUKicker, log *slog.Logger) *Router {
	if numCPUs < 1 {
		numCPUs = 1
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		kicker:      kicker,
		log:         log,
		routes:      make(map[uint8]*obj.SM),
		completions: make([]completionCounter, numCPUs),
	}
	for i := range r.completions {
		r.completions[i].cond = sync.NewCond(&r.completions[i].mu)
	}
	r.lines = chipset.NewLineSet(r)
	return r
}

// Lines returns the chipset.LineSet this router backs, for device setup
// code (cmd/kernelsim) to hand out chipset.LineInterrupt handles to
// emulated devices exactly the way the teacher's board-assembly code
// does.
func (r *Router) Lines() *chipset.LineSet { return r.lines }

// SetIRQ implements chipset.InterruptSink: a device asserting or
// de-asserting irq drives the bound SM's counter, per spec.md §4.H.
// De-assertion (high == false) is a no-op — an SM has no "down" signal
// from hardware, only from guest/host consumption via ctrl_sm.
func (r *Router) SetIRQ(irqLine uint8, high bool) {
	if !high {
		return
	}
	r.mu.RLock()
	sm := r.routes[irqLine]
	r.mu.RUnlock()
	if sm == nil {
		r.log.Debug("irq: unrouted GSI asserted", "gsi", irqLine)
		return
	}
	sm.Up()
}

// BindSM routes gsi to sm, replacing any previous binding (spec.md §4.H's
// assign_int / GSI-routing hypercall path, exercised by package
// syscall).
func (r *Router) BindSM(gsi uint8, sm *obj.SM) error {
	if sm == nil {
		return kstatus.New(kstatus.BadParameter, "bind: nil SM")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[gsi] = sm
	return nil
}

// Unbind removes gsi's routing, future assertions are logged and dropped.
func (r *Router) Unbind(gsi uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, gsi)
}

// SendRRQ implements sched.IPISender: wake cpu's idle scheduler loop so it
// drains its remote-enqueue queue (spec.md §4.D).
func (r *Router) SendRRQ(cpu int) {
	if r.kicker != nil {
		r.kicker.KickRRQ(cpu)
	}
}

// SendRKE implements mm.Notifier: kick cpu out of guest/user mode so it
// observes a pending shootdown, then block until cpu's completion counter
// advances past the value observed at entry, matching spec.md §4.C's "the
// local CPU waits for the target's completion counter to advance."
func (r *Router) SendRKE(ctx context.Context, cpu int) error {
	if cpu < 0 || cpu >= len(r.completions) {
		return fmt.Errorf("irq: no such CPU %d", cpu)
	}
	cc := &r.completions[cpu]
	cc.mu.Lock()
	target := cc.count + 1
	cc.mu.Unlock()

	if r.kicker != nil {
		r.kicker.KickRKE(cpu)
	}

	done := make(chan struct{})
	go func() {
		cc.mu.Lock()
		for cc.count < target {
			cc.cond.Wait()
		}
		cc.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poke delivers an RKE kick to cpu without waiting for its completion
// counter, used by ctrl_ec's strong recall: the recalled EC must re-enter
// the kernel promptly, but the recaller has nothing to synchronize against.
func (r *Router) Poke(cpu int) {
	if r.kicker != nil {
		r.kicker.KickRKE(cpu)
	}
}

// AckRKE is called by cpu's own kernel-exit trampoline once it has
// processed the shootdown request, advancing its completion counter and
// waking any SendRKE callers blocked on it.
func (r *Router) AckRKE(cpu int) {
	if cpu < 0 || cpu >= len(r.completions) {
		return
	}
	cc := &r.completions[cpu]
	cc.mu.Lock()
	cc.count++
	cc.cond.Broadcast()
	cc.mu.Unlock()
}

var _ chipset.InterruptSink = (*Router)(nil)
