// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates a transient, retry-worthy condition, such as a
// queue's ring buffer being full or empty. It is never returned by
// [Worker.Schedule] itself — that hot path reports "no work" as a nil
// queue with no events, never an error.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency with
// the rest of the hybscloud stack.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates a transient, retry-worthy
// condition rather than a failure. Delegates to [iox.IsWouldBlock].
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control-flow signal rather than a
// failure. Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// ErrKind classifies a lifecycle/configuration error.
type ErrKind int

const (
	// ErrInvalidHandle: a queue or group index was out of range or refers
	// to an already-destroyed object.
	ErrInvalidHandle ErrKind = iota
	// ErrCapacityExceeded: the group table or pktio registry has no room
	// left.
	ErrCapacityExceeded
	// ErrMisSequence: an operation was attempted out of the required
	// order — destroying a group that still has queues or threads, or
	// destroying a queue that is not empty, is still on a lane, or still
	// holds reorder state. Locking the same order lock twice in one slot
	// is not detected and is not reported.
	ErrMisSequence
)

func (k ErrKind) String() string {
	switch k {
	case ErrInvalidHandle:
		return "invalid handle"
	case ErrCapacityExceeded:
		return "capacity exceeded"
	case ErrMisSequence:
		return "mis-sequence"
	default:
		return "unknown"
	}
}

// Error is returned by lifecycle and configuration operations
// (GroupCreate, GroupDestroy, QueueCreate, DestroyQueue, ...). The
// scheduling hot path (Schedule, Pause, Resume, ReleaseAtomic,
// ReleaseOrdered) never returns one — per the design's error-handling
// policy, transient contention there is silently retried against the
// next lane instead of surfaced.
type Error struct {
	Op   string
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("sched: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("sched: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func errInvalidHandle(op, msg string) error {
	return &Error{Op: op, Kind: ErrInvalidHandle, Msg: msg}
}

func errCapacityExceeded(op, msg string) error {
	return &Error{Op: op, Kind: ErrCapacityExceeded, Msg: msg}
}

func errMisSequence(op, msg string) error {
	return &Error{Op: op, Kind: ErrMisSequence, Msg: msg}
}
