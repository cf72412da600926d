// Package rterr holds the sentinel errors shared across the async runtime,
// matching the error kinds enumerated in spec.md §7.
package rterr

import "errors"

var (
	// ErrTimedOut is returned by a hooked I/O call when its per-direction
	// timeout elapsed before the operation completed.
	ErrTimedOut = errors.New("hiper: timed out")

	// ErrBadDescriptor is returned by a hooked call made against a closed
	// or unknown file descriptor.
	ErrBadDescriptor = errors.New("hiper: bad descriptor")

	// ErrReactorProgramming is returned when the kernel readiness facility
	// refused an add/modify/delete operation.
	ErrReactorProgramming = errors.New("hiper: reactor programming failure")

	// ErrAlreadyRegistered is returned by AddEvent when the same (fd,
	// event) pair already has a pending waiter.
	ErrAlreadyRegistered = errors.New("hiper: event already registered")

	// ErrSchedulerStopped is returned when scheduling work against a
	// scheduler that has already stopped.
	ErrSchedulerStopped = errors.New("hiper: scheduler stopped")
)
