// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// pad is cache line padding to prevent false sharing between hot
// fields, mirroring the teacher library's own options.go convention.
type pad [64]byte

// laneNode is the intrusive linked-list node embedded in every
// scheduled [Queue], letting a queue live on a lane without a separate
// allocation.
type laneNode struct {
	next  atomix.Uintptr // *laneNode, 0 = none
	queue *Queue
}

func nodePtr(p uintptr) *laneNode {
	return (*laneNode)(unsafe.Pointer(p))
}

func ptrOf(n *laneNode) uintptr {
	return uintptr(unsafe.Pointer(n))
}

// schedq is one (group, priority, spread-slot) lane: a FIFO of queue
// nodes tagged with that lane's priority. A queue sits on at most one
// lane at a time.
//
// Structural mutation (push/pop/rotate) is serialized by a short spin
// lock rather than a lock-free CAS chain — mirroring the reference
// scheduler's own per-architecture choice between a pure-CAS qschst and
// a ticket-lock-guarded one (see [ConfigBuilder.UseQschstLock]); a lane sees
// far less contention than the per-queue state it fronts, so a short
// critical section here is the simpler, equally correct option.
type schedq struct {
	_    pad
	head atomix.Uintptr // *laneNode sentinel-free: nil when empty
	tail atomix.Uintptr
	_    pad
	busy atomix.Bool
}

func (q *schedq) lock() {
	sw := spin.Wait{}
	for !q.busy.CompareAndSwapAcqRel(false, true) {
		sw.Once()
	}
}

func (q *schedq) unlock() {
	q.busy.StoreRelease(false)
}

// push appends n to the tail of the lane.
func (q *schedq) push(n *laneNode) {
	q.lock()
	defer q.unlock()
	n.next.StoreRelaxed(0)
	if q.tail.LoadRelaxed() == 0 {
		q.head.StoreRelease(ptrOf(n))
		q.tail.StoreRelease(ptrOf(n))
		return
	}
	nodePtr(q.tail.LoadRelaxed()).next.StoreRelaxed(ptrOf(n))
	q.tail.StoreRelease(ptrOf(n))
}

// peek returns the lane's head queue without removing it, or nil if
// the lane is empty.
func (q *schedq) peek() *Queue {
	h := q.head.LoadAcquire()
	if h == 0 {
		return nil
	}
	return nodePtr(h).queue
}

// condPopIfHead removes n from the lane iff n is still the head.
func (q *schedq) condPopIfHead(n *laneNode) bool {
	q.lock()
	defer q.unlock()
	if q.head.LoadRelaxed() != ptrOf(n) {
		return false
	}
	nx := n.next.LoadRelaxed()
	q.head.StoreRelease(nx)
	if nx == 0 {
		q.tail.StoreRelease(0)
	}
	return true
}

// condRotateIfHead moves n from the head to the tail iff n is still
// the head, giving the next queue in line a turn.
func (q *schedq) condRotateIfHead(n *laneNode) bool {
	q.lock()
	defer q.unlock()
	if q.head.LoadRelaxed() != ptrOf(n) {
		return false
	}
	nx := n.next.LoadRelaxed()
	if nx == 0 {
		// Sole occupant: already at both head and tail.
		return true
	}
	q.head.StoreRelease(nx)
	n.next.StoreRelaxed(0)
	nodePtr(q.tail.LoadRelaxed()).next.StoreRelaxed(ptrOf(n))
	q.tail.StoreRelease(ptrOf(n))
	return true
}

// elemOnQueue reports whether n currently sits anywhere on the lane.
// Used defensively when a queue is destroyed.
func (q *schedq) elemOnQueue(n *laneNode) bool {
	q.lock()
	defer q.unlock()
	for p := q.head.LoadRelaxed(); p != 0; p = nodePtr(p).next.LoadRelaxed() {
		if p == ptrOf(n) {
			return true
		}
	}
	return false
}
