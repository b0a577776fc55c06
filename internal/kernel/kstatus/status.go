// Package kstatus defines the status codes returned in the first argument
// register of every system call, per spec.md §7.
package kstatus

import "fmt"

// Status is the kernel's wire-level completion code. It is distinct from
// a Go error: errors stay internal to the implementation and are translated
// to a Status only at the syscall-dispatch boundary (internal/kernel/syscall).
type Status uint8

const (
	Success Status = iota
	Timeout
	Aborted
	BadHypercall
	BadCapability
	BadParameter
	BadFeature
	BadCPU
	BadDevice
	MemoryObject
)

var names = [...]string{
	Success:       "SUCCESS",
	Timeout:       "TIMEOUT",
	Aborted:       "ABORTED",
	BadHypercall:  "BAD_HYP",
	BadCapability: "BAD_CAP",
	BadParameter:  "BAD_PAR",
	BadFeature:    "BAD_FTR",
	BadCPU:        "BAD_CPU",
	BadDevice:     "BAD_DEV",
	MemoryObject:  "MEM_OBJ",
}

func (s Status) String() string {
	if int(s) < len(names) && names[s] != "" {
		return names[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Error adapts a Status to the error interface so it can be threaded through
// call chains that otherwise speak Go errors (e.g. mm.Delegate, obj factories),
// without losing the distinction between "this is a kernel status" and an
// ordinary Go error from a bug. Callers crossing back into the syscall ABI
// should recover the Status with As, not re-derive it from error text.
type Error struct {
	Status Status
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Detail)
}

// New wraps a Status as an error, optionally annotated with a detail string.
func New(s Status, detail string) error {
	return &Error{Status: s, Detail: detail}
}

// As extracts the Status carried by err, if any; ok is false for a plain Go
// error with no associated Status (a programming-error case the caller
// should treat as MemoryObject per §7's "kernel-internal errors... otherwise
// surface as MEM_OBJ" policy).
func As(err error) (Status, bool) {
	if err == nil {
		return Success, true
	}
	if se, ok := err.(*Error); ok {
		return se.Status, true
	}
	return 0, false
}
