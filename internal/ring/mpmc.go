// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ring

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// MPMC is a bounded ring buffer supporting multiple concurrent producers
// and multiple concurrent consumers. It backs parallel-discipline
// scheduled queues, where two workers may legitimately dequeue from the
// same queue at the same time.
//
// Memory: 2n physical slots for capacity n (SCQ requirement).
type MPMC struct {
	_         pad
	tail      atomix.Uint64 // producer index (FAA)
	_         pad
	head      atomix.Uint64 // consumer index (FAA)
	_         pad
	threshold atomix.Int64 // livelock prevention for dequeue
	_         pad
	draining  atomix.Bool // drain mode: skip threshold check
	_         pad
	buffer    []slot
	capacity  uint64
	size      uint64
	mask      uint64
}

// NewMPMC creates a ring of the given usable capacity (rounded up to the
// next power of 2, physical size 2n).
func NewMPMC(capacity int) *MPMC {
	if capacity < 2 {
		panic("ring: capacity must be >= 2")
	}

	n := uint64(roundToPow2(capacity))
	size := n * 2

	q := &MPMC{
		buffer:   make([]slot, size),
		capacity: n,
		size:     size,
		mask:     size - 1,
	}
	q.threshold.StoreRelaxed(3*int64(n) - 1)
	for i := uint64(0); i < size; i++ {
		q.buffer[i].entry.StoreRelaxed(i/n, 0)
	}
	return q
}

// Cap returns the usable capacity.
func (q *MPMC) Cap() int { return int(q.capacity) }

// Drain signals that no further Enqueue calls will occur, letting
// consumers drain the remainder without threshold-induced false empties.
func (q *MPMC) Drain() { q.draining.StoreRelease(true) }

// Enqueue adds h to the ring. Returns ErrWouldBlock if full.
func (q *MPMC) Enqueue(h Handle) error {
	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		head := q.head.LoadAcquire()
		if tail >= head+q.capacity {
			return ErrWouldBlock
		}

		myTail := q.tail.AddAcqRel(1) - 1
		s := &q.buffer[myTail&q.mask]
		expectedCycle := myTail / q.capacity
		slotCycle, valHi := s.entry.LoadAcquire()

		if slotCycle == expectedCycle {
			if s.entry.CompareAndSwapAcqRel(expectedCycle, valHi, expectedCycle+1, uint64(h)) {
				q.threshold.StoreRelaxed(3*int64(q.capacity) - 1)
				return nil
			}
		}
		if int64(slotCycle) < int64(expectedCycle) {
			return ErrWouldBlock
		}
		sw.Once()
	}
}

// Dequeue removes and returns a handle. Returns ErrWouldBlock if empty.
func (q *MPMC) Dequeue() (Handle, error) {
	if !q.draining.LoadAcquire() && q.threshold.LoadRelaxed() < 0 {
		return 0, ErrWouldBlock
	}

	sw := spin.Wait{}
	for {
		myHead := q.head.AddAcqRel(1) - 1
		s := &q.buffer[myHead&q.mask]
		expectedCycle := myHead/q.capacity + 1
		slotCycle, valHi := s.entry.LoadAcquire()

		if slotCycle == expectedCycle {
			nextEnqCycle := (myHead + q.size) / q.capacity
			if s.entry.CompareAndSwapAcqRel(slotCycle, valHi, nextEnqCycle, 0) {
				return Handle(valHi), nil
			}
		}

		if int64(slotCycle) < int64(expectedCycle) {
			nextEnqCycle := (myHead + q.size) / q.capacity
			s.entry.CompareAndSwapAcqRel(slotCycle, valHi, nextEnqCycle, 0)

			tail := q.tail.LoadAcquire()
			if tail <= myHead+1 {
				q.catchup(tail, myHead+1)
				q.threshold.AddAcqRel(-1)
				return 0, ErrWouldBlock
			}
			if q.threshold.AddAcqRel(-1) <= 0 && !q.draining.LoadAcquire() {
				return 0, ErrWouldBlock
			}
		}

		sw.Once()
	}
}

func (q *MPMC) catchup(tail, head uint64) {
	for tail < head {
		if q.tail.CompareAndSwapRelaxed(tail, head) {
			break
		}
		tail = q.tail.LoadRelaxed()
		head = q.head.LoadRelaxed()
	}
}
