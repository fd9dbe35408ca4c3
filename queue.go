// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/sched/internal/ring"
)

// Sync is a queue's synchronization discipline.
type Sync int

const (
	// SyncParallel allows any number of workers to dequeue from the
	// queue concurrently; no ordering is preserved across them.
	SyncParallel Sync = iota
	// SyncAtomic grants exclusive ownership of the queue to one worker
	// at a time, held until the worker's next schedule call or an
	// explicit release.
	SyncAtomic
	// SyncOrdered preserves the original enqueue order of the queue's
	// own dequeues as observed by any ordered destination it forwards
	// to, via the reorder engine.
	SyncOrdered
)

func (s Sync) String() string {
	switch s {
	case SyncParallel:
		return "parallel"
	case SyncAtomic:
		return "atomic"
	case SyncOrdered:
		return "ordered"
	default:
		return "unknown"
	}
}

// QueueHandle identifies a [Queue] created by [Scheduler.QueueCreate].
type QueueHandle uint32

const invalidQueueHandle QueueHandle = ^QueueHandle(0)

// Queue is a scheduled object: a ring buffer of event handles plus the
// scheduler bookkeeping (qschst, lane membership, reorder window) that
// makes its contents visible to [Worker.Schedule].
type Queue struct {
	node laneNode // embeds this queue in its current lane, if any

	index    QueueHandle
	sync     Sync
	priority int
	group    GroupHandle
	lockCnt  int

	ring ring.Ring
	st   *qschst
	lane *schedq // this queue's (group, priority, spread-slot) lane

	// popDeficit counts lane pops this queue missed: a worker that
	// emptied the queue but failed to pop it from the lane head (a peer
	// had moved it) increments it, and a later producer crossing
	// empty-to-non-empty decrements it instead of pushing the queue
	// onto its lane again.
	popDeficit atomix.Int64

	// win is non-nil only for SyncOrdered queues.
	win *reorderWindow

	onLaneFlag atomix.Bool
	destroyed  atomix.Bool
}

func newQueue(idx QueueHandle, sync Sync, priority int, group GroupHandle, lockCnt int, capacity int, wrrWeight uint16, windowSize int, lane *schedq) *Queue {
	q := &Queue{
		index:    idx,
		sync:     sync,
		priority: priority,
		group:    group,
		lockCnt:  lockCnt,
		st:       newQschst(wrrWeight),
		lane:     lane,
	}
	q.node.queue = q
	if sync == SyncParallel {
		q.ring = ring.NewMPMC(capacity)
	} else {
		q.ring = ring.NewMPSC(capacity)
	}
	if sync == SyncOrdered {
		q.win = newReorderWindow(windowSize, lockCnt)
	}
	return q
}

// Handle returns the queue's stable identifier.
func (q *Queue) Handle() QueueHandle { return q.index }

// Sync returns the queue's synchronization discipline.
func (q *Queue) Sync() Sync { return q.sync }

// Priority returns the queue's priority level.
func (q *Queue) Priority() int { return q.priority }

// IsEmpty reports whether the queue currently holds no events,
// tolerating the qschst counter's transient sign noise under races.
func (q *Queue) IsEmpty() bool {
	return q.st.load().numevts() <= 0
}

// Enqueue pushes events into the queue's ring buffer and, on an
// empty-to-non-empty transition, makes the queue visible to workers by
// pushing it onto its schedule lane.
//
// Returns the number of events actually enqueued (0 if the ring is
// full); events beyond the ring's remaining room are not enqueued.
func (q *Queue) Enqueue(events []ring.Handle) int {
	n := ring.EnqueueBatch(q.ring, events)
	if n == 0 {
		return 0
	}
	q.publishEnqueue(int32(n))
	return n
}

// publishEnqueue runs the qschst transition and lane-membership side
// effect for n newly published events, atomic ownership already
// accounted for via atomicSync.
func (q *Queue) publishEnqueue(n int32) {
	atomicSync := q.sync == SyncAtomic
	ticket, needTicket := q.st.enqueueUpdate(n, atomicSync)
	if !needTicket {
		return
	}
	q.st.waitTicket(ticket)
	if !q.onLane() && q.popDeficit.Load() == 0 {
		q.lane.push(&q.node)
		q.setOnLane(true)
	} else if q.popDeficit.Load() > 0 {
		q.popDeficit.Add(-1)
	}
	q.st.releaseTicket(ticket)
}

// onLane/setOnLane track lane residency without scanning the lane
// list; an atomic bool is enough since publishEnqueue already
// serializes via the ticket it holds.
func (q *Queue) onLane() bool     { return q.onLaneFlag.Load() }
func (q *Queue) setOnLane(v bool) { q.onLaneFlag.Store(v) }
