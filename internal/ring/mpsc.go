// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ring

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// MPSC is a bounded ring buffer supporting multiple concurrent producers
// but only one logical consumer at a time. It backs atomic- and
// ordered-discipline scheduled queues: the scheduler's ticket/turn
// protocol already serializes which worker may dequeue, so the ring
// itself never needs to defend against concurrent Dequeue calls.
//
// Memory: 2n physical slots for capacity n.
type MPSC struct {
	_        pad
	head     atomix.Uint64 // consumer index, written only by whichever worker currently owns the queue
	_        pad
	tail     atomix.Uint64 // producer index (FAA)
	_        pad
	buffer   []slot
	capacity uint64
	size     uint64
	mask     uint64
}

// NewMPSC creates a ring of the given usable capacity.
func NewMPSC(capacity int) *MPSC {
	if capacity < 2 {
		panic("ring: capacity must be >= 2")
	}

	n := uint64(roundToPow2(capacity))
	size := n * 2

	q := &MPSC{
		buffer:   make([]slot, size),
		capacity: n,
		size:     size,
		mask:     size - 1,
	}
	for i := uint64(0); i < size; i++ {
		q.buffer[i].entry.StoreRelaxed(i/n, 0)
	}
	return q
}

// Cap returns the usable capacity.
func (q *MPSC) Cap() int { return int(q.capacity) }

// Enqueue adds h to the ring (safe from any number of producers).
// Returns ErrWouldBlock if full.
func (q *MPSC) Enqueue(h Handle) error {
	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		head := q.head.LoadRelaxed()
		if tail >= head+q.capacity {
			return ErrWouldBlock
		}

		myTail := q.tail.AddAcqRel(1) - 1
		s := &q.buffer[myTail&q.mask]
		expectedCycle := myTail / q.capacity
		slotCycle, valHi := s.entry.LoadAcquire()

		if slotCycle == expectedCycle {
			if s.entry.CompareAndSwapAcqRel(expectedCycle, valHi, expectedCycle+1, uint64(h)) {
				return nil
			}
		}
		if int64(slotCycle) < int64(expectedCycle) {
			s.entry.CompareAndSwapAcqRel(slotCycle, valHi, expectedCycle+1, valHi)
			return ErrWouldBlock
		}
		sw.Once()
	}
}

// Dequeue removes and returns a handle. The caller must ensure no other
// goroutine calls Dequeue concurrently (single logical consumer).
// Returns ErrWouldBlock if empty.
func (q *MPSC) Dequeue() (Handle, error) {
	head := q.head.LoadRelaxed()
	cycle := head / q.capacity
	s := &q.buffer[head&q.mask]

	slotCycle, valHi := s.entry.LoadAcquire()
	if slotCycle != cycle+1 {
		return 0, ErrWouldBlock
	}

	nextEnqCycle := (head + q.size) / q.capacity
	s.entry.StoreRelease(nextEnqCycle, 0)
	q.head.StoreRelaxed(head + 1)

	return Handle(valHi), nil
}
