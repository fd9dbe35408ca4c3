// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ring provides the bounded, lock-free ring buffers that back a
// scheduled queue's event storage.
//
// Both variants carry events as [Handle], an opaque uintptr-sized token
// (the scheduler never looks inside an event; it is owned by the packet
// buffer / pool subsystem). Two disciplines are provided because the
// scheduler itself needs two different consumer shapes:
//
//   - [MPMC]: many producers, many concurrent consumers. Backs parallel
//     queues, where any worker holding the lane head may dequeue.
//   - [MPSC]: many producers, one consumer at a time. Backs atomic and
//     ordered queues, where the scheduler's ticket/turn protocol already
//     guarantees at most one worker dequeues at any instant, so the ring
//     itself only needs to support a single logical consumer.
//
// Both are derived from the SCQ algorithm (Nikolaev, DISC 2019) using a
// single 128-bit atomic per slot (cycle packed with the value) rather
// than the two-word layout, trading one CAS per operation instead of a
// cycle load plus a value store.
package ring

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// Handle is an opaque, scheduler-owned reference to an enqueued event.
// It is typically a buffer/packet pool index or handle; the scheduler
// never dereferences it.
type Handle uintptr

// ErrWouldBlock indicates Enqueue found the ring full or Dequeue found
// it empty. Sourced from iox for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// pad is cache line padding to prevent false sharing between hot fields.
type pad [64]byte

// slot packs a cycle counter and a handle value into one 128-bit word,
// so claiming and publishing a slot costs a single atomic CAS.
type slot struct {
	entry atomix.Uint128
	_     [64 - 16]byte
}

// roundToPow2 rounds n up to the next power of 2. Capacity below 2
// panics in the constructors, mirroring the teacher library's builder.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
