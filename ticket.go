// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// queueState is the packed per-queue scheduler state (qschst): a
// signed event counter, a WRR budget, and a ticket pair, all folded
// into one 64-bit word so the whole thing moves with a single CAS.
//
// Layout (low to high bits):
//
//	[0:32)  numevts    int32  — signed; may be transiently negative
//	[32:48) wrrBudget  uint16 — events remaining before lane yield
//	[48:56) curTicket  uint8  — ticket currently holding ownership
//	[56:64) nxtTicket  uint8  — next ticket to be handed out
//
// Invariant: curTicket == nxtTicket iff no worker holds an
// atomic-ownership ticket on the queue; while they differ, the holder
// of curTicket is the owner and everyone else spins for it to advance.
type queueState uint64

func packQueueState(numevts int32, wrrBudget uint16, curTicket, nxtTicket uint8) queueState {
	return queueState(uint32(numevts)) |
		queueState(wrrBudget)<<32 |
		queueState(curTicket)<<48 |
		queueState(nxtTicket)<<56
}

func (s queueState) numevts() int32    { return int32(uint32(s)) }
func (s queueState) wrrBudget() uint16 { return uint16(s >> 32) }
func (s queueState) curTicket() uint8  { return uint8(s >> 48) }
func (s queueState) nxtTicket() uint8  { return uint8(s >> 56) }

func (s queueState) withNumevts(n int32) queueState {
	return packQueueState(n, s.wrrBudget(), s.curTicket(), s.nxtTicket())
}

func (s queueState) withWRRBudget(w uint16) queueState {
	return packQueueState(s.numevts(), w, s.curTicket(), s.nxtTicket())
}

func (s queueState) withCurTicket(t uint8) queueState {
	return packQueueState(s.numevts(), s.wrrBudget(), t, s.nxtTicket())
}

func (s queueState) withNxtTicket(t uint8) queueState {
	return packQueueState(s.numevts(), s.wrrBudget(), s.curTicket(), t)
}

// owned reports whether an atomic-ownership ticket is currently held
// (cur_ticket != nxt_ticket).
func (s queueState) owned() bool {
	return s.curTicket() != s.nxtTicket()
}

// qschst is the atomic cell holding one queue's [queueState], CAS'd as
// a single 64-bit word on every enqueue/dequeue-side transition.
type qschst struct {
	word atomix.Uint64
}

func newQschst(wrrWeight uint16) *qschst {
	q := &qschst{}
	q.word.StoreRelaxed(uint64(packQueueState(0, wrrWeight, 0, 0)))
	return q
}

func (q *qschst) load() queueState {
	return queueState(q.word.LoadAcquire())
}

// cas attempts to install next in place of old with acquire/release
// ordering, returning whether it succeeded.
func (q *qschst) cas(old, next queueState) bool {
	return q.word.CompareAndSwapAcqRel(uint64(old), uint64(next))
}

// enqueueUpdate applies the producer-side qschst transition described
// by the enqueue algorithm: numevts += n, and if the queue crosses from
// non-positive to positive and is not already atomic-owned, a ticket is
// allocated and returned for the caller to wait on. needTicket is false
// when numevts does not cross into positive, or when atomicSync is true
// and the queue is already owned — in the latter case no ticket is
// needed because the current owner will re-observe the queue on
// release.
func (q *qschst) enqueueUpdate(n int32, atomicSync bool) (ticket uint8, needTicket bool) {
	for {
		old := q.load()
		crossed := old.numevts() <= 0 && old.numevts()+n > 0
		nw := old.withNumevts(old.numevts() + n)
		takeTicket := crossed && !(atomicSync && old.owned())
		if takeTicket {
			ticket = old.nxtTicket()
			nw = nw.withNxtTicket(ticket + 1)
		}
		if q.cas(old, nw) {
			return ticket, takeTicket
		}
	}
}

// takeTicket unconditionally hands out the next ticket (FAA-style via
// CAS), used by a worker that already holds exclusive possession of
// the queue through the lane (a successful condPopIfHead) and now
// needs to become its qschst owner so producers stop re-pushing it.
func (q *qschst) takeTicket() uint8 {
	for {
		old := q.load()
		ticket := old.nxtTicket()
		nw := old.withNxtTicket(ticket + 1)
		if q.cas(old, nw) {
			return ticket
		}
	}
}

// waitTicket spins (bounded backoff) until curTicket reaches t.
func (q *qschst) waitTicket(t uint8) {
	sw := spin.Wait{}
	for q.load().curTicket() != t {
		sw.Once()
	}
}

// releaseTicket stores cur_ticket = t+1 with release ordering,
// publishing the side effects the ticket holder performed.
func (q *qschst) releaseTicket(t uint8) {
	for {
		old := q.load()
		nw := old.withCurTicket(t + 1)
		if q.cas(old, nw) {
			return
		}
	}
}

// dequeueUpdate applies the consumer-side transition: numevts -= k,
// together with WRR budget bookkeeping. If the WRR budget would be
// exhausted (reaches 0) or the queue empties (numevts drops to <= 0),
// the caller is handed a ticket (if one is not already held) to
// serialize the lane-membership side effect, and the budget is reset
// to wrrWeight in that same CAS. yieldLane reports whether the queue
// should rotate off the lane head even though events remain (WRR
// exhaustion with events still pending).
func (q *qschst) dequeueUpdate(k int32, wrrWeight uint16, atomicSync bool) (ticket uint8, needTicket bool, yieldLane bool) {
	for {
		old := q.load()
		budget := old.wrrBudget()
		exhausted := budget <= uint16(k)
		nw := old.withNumevts(old.numevts() - k)
		emptied := nw.numevts() <= 0
		takeTicket := (emptied || exhausted) && !(atomicSync && old.owned())
		if exhausted {
			nw = nw.withWRRBudget(wrrWeight)
		} else {
			nw = nw.withWRRBudget(budget - uint16(k))
		}
		if takeTicket {
			ticket = old.nxtTicket()
			nw = nw.withNxtTicket(ticket + 1)
		}
		if q.cas(old, nw) {
			return ticket, takeTicket, exhausted && !emptied
		}
	}
}
