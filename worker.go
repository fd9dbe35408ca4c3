// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/sched/internal/ring"
	"code.hybscloud.com/spin"
)

// ThreadType selects which default groups a worker auto-joins besides
// [GroupAll] on attach.
type ThreadType int

const (
	ThreadWorker ThreadType = iota
	ThreadControl
)

// WaitToken is the opaque wait duration accepted by [Worker.Schedule]
// and [Worker.ScheduleMulti], produced by [WaitTimeNs]. Its two
// sentinels, [NoWait] and [WaitForever], are reserved values outside
// the range of any real nanosecond duration [WaitTimeNs] can return.
type WaitToken int64

const (
	// NoWait returns immediately, even with no work found.
	NoWait WaitToken = 0
	// WaitForever blocks until work appears or the worker is paused.
	WaitForever WaitToken = -1
)

// WaitTimeNs converts a nanosecond duration into the opaque wait token
// consumed by [Worker.Schedule]. Non-positive durations collapse to
// [NoWait].
func WaitTimeNs(ns int64) WaitToken {
	if ns <= 0 {
		return NoWait
	}
	return WaitToken(ns)
}

// laneEntry is one subscribed lane in a worker's sorted scan list.
type laneEntry struct {
	group    GroupHandle
	priority int
	lane     *schedq
}

// Worker is one scheduler-attached thread's state: which lanes it
// currently subscribes to, what it holds exclusive rights to between
// calls, and the bookkeeping needed to notice and apply schedule-group
// membership changes.
type Worker struct {
	sched *Scheduler
	index uint32
	kind  ThreadType

	paused atomix.Bool
	sgSem  atomix.Bool

	lanes []laneEntry
	next  uint32 // rotation offset within a priority's lanes, for fairness across calls

	heldAtomic   *Queue
	heldTicket   uint8
	heldDequeued int32

	heldOrdered *reorderContext
	rctxPool    []reorderContext
	rctxFree    int

	wanted [maxPriorities]bitsetVal
	actual [maxPriorities]bitsetVal

	pktioNext  uint32
	pktioCount uint32
}

func newWorker(s *Scheduler, index uint32, kind ThreadType) *Worker {
	w := &Worker{
		sched:    s,
		index:    index,
		kind:     kind,
		rctxPool: make([]reorderContext, 16),
	}
	w.rctxFree = len(w.rctxPool)
	return w
}

func (w *Worker) allocRctx() *reorderContext {
	if w.rctxFree == 0 {
		return &reorderContext{}
	}
	w.rctxFree--
	return &w.rctxPool[w.rctxFree]
}

func (w *Worker) freeRctx(ctx *reorderContext) {
	if w.rctxFree < len(w.rctxPool) && ctx == &w.rctxPool[w.rctxFree] {
		w.rctxFree++
	}
}

// Pause sets the worker's pause flag; the next Schedule call releases
// any held context and returns 0 until Resume is called.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume clears the pause flag.
func (w *Worker) Resume() { w.paused.Store(false) }

// ReleaseAtomic releases any atomic queue ownership the worker holds:
// subtracts the dequeued count from numevts, pushes the queue back
// onto its lane if events remain, and advances cur_ticket so the next
// would-be owner (another worker via the lane, or a producer crossing
// empty-to-non-empty) can proceed.
func (w *Worker) ReleaseAtomic() {
	if w.heldAtomic == nil {
		return
	}
	q := w.heldAtomic
	for {
		old := q.st.load()
		nw := old.withNumevts(old.numevts() - w.heldDequeued)
		if q.st.cas(old, nw) {
			if nw.numevts() > 0 {
				q.lane.push(&q.node)
				q.setOnLane(true)
			}
			break
		}
	}
	q.st.releaseTicket(w.heldTicket)
	w.heldAtomic = nil
	w.heldDequeued = 0
}

// ReleaseOrdered releases the worker's reorder slot: waits for
// in-order if needed, advances un-released named locks, drains the
// stash, and advances the window head.
func (w *Worker) ReleaseOrdered() {
	if w.heldOrdered == nil {
		return
	}
	ctx := w.heldOrdered
	ctx.release()
	w.freeRctx(ctx)
	w.heldOrdered = nil
}

// OrderedEnqueue is the ordered_enqueue_multi path used while the
// worker holds a reorder slot: events go straight through if the
// worker is in order, otherwise they are stashed for replay.
func (w *Worker) OrderedEnqueue(dest *Queue, events []ring.Handle, nonStashable bool) int {
	if w.heldOrdered == nil {
		return dest.Enqueue(events)
	}
	return w.heldOrdered.orderedEnqueue(dest, events, nonStashable)
}

// OrderLock blocks until named lock i reaches the worker's sequence
// number in its held ordered slot. No-op if the worker holds no
// ordered slot.
func (w *Worker) OrderLock(i int) {
	if w.heldOrdered != nil {
		w.heldOrdered.orderLock(i)
	}
}

// OrderUnlock advances named lock i.
func (w *Worker) OrderUnlock(i int) {
	if w.heldOrdered != nil {
		w.heldOrdered.orderUnlock(i)
	}
}

// OrderUnlockLock is the atomic pair OrderUnlock(u); OrderLock(l).
func (w *Worker) OrderUnlockLock(u, l int) {
	if w.heldOrdered != nil {
		w.heldOrdered.orderUnlockLock(u, l)
	}
}

// OrderLockStart is advisory; the reference scheduler treats it as a
// no-op in the simplest design and so does this one.
func (w *Worker) OrderLockStart(i int) {}

// OrderLockWait is equivalent to OrderLock.
func (w *Worker) OrderLockWait(i int) { w.OrderLock(i) }

// scheduleOnce is a single no-wait schedule iteration: it tries the
// subscribed lanes in priority order and returns the source queue and
// events of the first dispatch that yields events, or nil if none does
// (after one external I/O poll). batchMax is capped at the configured
// burst size. [Worker.Schedule] and [Worker.ScheduleMulti]
// are both built by repeating this according to their wait token.
func (w *Worker) scheduleOnce(batchMax int) (*Queue, []ring.Handle) {
	if w.paused.Load() {
		w.ReleaseAtomic()
		w.ReleaseOrdered()
		return nil, nil
	}
	w.ReleaseAtomic()
	w.ReleaseOrdered()

	if w.sgSem.Load() {
		w.rebuildLanes()
	}

	if batchMax > w.sched.cfg.burstSize {
		batchMax = w.sched.cfg.burstSize
	}

	// Lanes are sorted by priority; the rotation offset only reorders
	// lanes within one priority, never ahead of a higher one.
	n := len(w.lanes)
	for start := 0; start < n; {
		end := start
		for end < n && w.lanes[end].priority == w.lanes[start].priority {
			end++
		}
		m := end - start
		for i := 0; i < m; i++ {
			idx := start + int(w.next+uint32(i))%m
			entry := w.lanes[idx]
			q := entry.lane.peek()
			if q == nil {
				continue
			}
			src, events := w.dispatch(entry.lane, q, batchMax)
			if src != nil {
				w.next = uint32(idx-start) + 1
				return src, events
			}
		}
		start = end
	}

	w.sched.pktio.Poll(&w.pktioNext, &w.pktioCount, w.sched.pollFunc)
	return nil, nil
}

// Schedule is schedule(batch_max, wait_mode): dequeue up to batchMax
// events (capped at the configured burst size) from the worker's
// highest-priority ready source queue,
// waiting for work according to wait. [NoWait] returns immediately;
// [WaitForever] blocks until work appears or the worker is paused; any
// other token (built by [WaitTimeNs]) blocks up to that many
// nanoseconds.
func (w *Worker) Schedule(batchMax int, wait WaitToken) (*Queue, []ring.Handle) {
	if wait == NoWait {
		return w.scheduleOnce(batchMax)
	}
	var deadline time.Time
	timed := wait != WaitForever
	if timed {
		deadline = time.Now().Add(time.Duration(wait))
	}
	sw := spin.Wait{}
	for {
		if w.paused.Load() {
			w.ReleaseAtomic()
			w.ReleaseOrdered()
			return nil, nil
		}
		if q, ev := w.scheduleOnce(batchMax); q != nil {
			return q, ev
		}
		if timed && time.Now().After(deadline) {
			return nil, nil
		}
		sw.Once()
	}
}

// ScheduleResult is one (source queue, events) pair returned by
// [Worker.ScheduleMulti].
type ScheduleResult struct {
	Queue  *Queue
	Events []ring.Handle
}

// ScheduleMulti is schedule_multi: like Schedule, but keeps scanning
// for up to maxQueues results in one call instead of returning after
// the first successful dispatch, amortizing the wait policy across a
// batch of sources. Results are not de-duplicated: a queue that still
// holds events after one dispatch may appear more than once.
//
// Because scheduleOnce releases the previous call's held atomic/
// ordered context as its first action, only the LAST dispatched
// atomic or ordered queue in the returned batch is still held once
// ScheduleMulti returns — earlier ones release as soon as the next
// internal dispatch begins. Callers that must hold an atomic or
// ordered queue across processing should pass maxQueues == 1, or use
// [Worker.Schedule].
func (w *Worker) ScheduleMulti(batchMax, maxQueues int, wait WaitToken) []ScheduleResult {
	if maxQueues < 1 {
		maxQueues = 1
	}
	var deadline time.Time
	timed := wait != NoWait && wait != WaitForever
	if timed {
		deadline = time.Now().Add(time.Duration(wait))
	}
	sw := spin.Wait{}
	var results []ScheduleResult
	for {
		if w.paused.Load() {
			w.ReleaseAtomic()
			w.ReleaseOrdered()
			return results
		}
		if q, ev := w.scheduleOnce(batchMax); q != nil {
			results = append(results, ScheduleResult{Queue: q, Events: ev})
			if len(results) >= maxQueues {
				return results
			}
			continue
		}
		if len(results) > 0 {
			return results
		}
		if wait == NoWait {
			return results
		}
		if timed && time.Now().After(deadline) {
			return results
		}
		sw.Once()
	}
}

// Prefetch is prefetch(hint): advisory only, a no-op in this
// implementation. The reference scheduler allows a no-op
// implementation explicitly.
func (w *Worker) Prefetch(hint int) {}

// dispatch implements the per-synchrony dequeue algorithm for the
// lane's current head queue.
func (w *Worker) dispatch(lane *schedq, q *Queue, batchMax int) (*Queue, []ring.Handle) {
	switch q.sync {
	case SyncAtomic:
		return w.dispatchAtomic(lane, q, batchMax)
	case SyncParallel:
		return w.dispatchParallel(lane, q, batchMax)
	case SyncOrdered:
		return w.dispatchOrdered(lane, q, batchMax)
	default:
		return nil, nil
	}
}

// dispatchAtomic implements §4.2's atomic dispatch: pop the queue from
// its lane, become its qschst owner by taking a fresh ticket, dequeue
// up to min(batchMax, WRR_WEIGHT), and hold the ticket (deferring the
// numevts/lane-membership side effect to [Worker.ReleaseAtomic], run
// either explicitly or at the top of the worker's next Schedule call)
// so the worker retains exclusive rights to the queue in the interim.
func (w *Worker) dispatchAtomic(lane *schedq, q *Queue, batchMax int) (*Queue, []ring.Handle) {
	if !lane.condPopIfHead(&q.node) {
		return nil, nil
	}
	q.setOnLane(false)
	ticket := q.st.takeTicket()
	q.st.waitTicket(ticket)

	burst := batchMax
	if budget := int(q.st.load().wrrBudget()); burst > budget {
		burst = budget
	}
	out := make([]ring.Handle, burst)
	k := ring.DequeueBatch(q.ring, out)
	out = out[:k]

	w.heldAtomic = q
	w.heldTicket = ticket
	w.heldDequeued = int32(k)
	if k == 0 {
		w.ReleaseAtomic()
		return nil, nil
	}
	return q, out
}

// dispatchParallel implements §4.2's parallel dispatch: dequeue
// without popping the queue from its lane; if the queue empties, take
// a ticket to serialize the pop-if-head against concurrent producers;
// otherwise, on WRR exhaustion, rotate the queue to the lane tail so
// the next queue in line gets a turn.
func (w *Worker) dispatchParallel(lane *schedq, q *Queue, batchMax int) (*Queue, []ring.Handle) {
	out := make([]ring.Handle, batchMax)
	k := ring.DequeueBatch(q.ring, out)
	if k == 0 {
		return nil, nil
	}
	out = out[:k]

	ticket, needTicket, yield := q.st.dequeueUpdate(int32(k), w.sched.cfg.wrrWeight, false)
	if needTicket {
		q.st.waitTicket(ticket)
		if q.st.load().numevts() <= 0 {
			if lane.condPopIfHead(&q.node) {
				q.setOnLane(false)
			} else {
				q.popDeficit.Add(1)
			}
		} else if yield {
			lane.condRotateIfHead(&q.node)
		}
		q.st.releaseTicket(ticket)
	} else if yield {
		lane.condRotateIfHead(&q.node)
	}
	return q, out
}

func (w *Worker) dispatchOrdered(lane *schedq, q *Queue, batchMax int) (*Queue, []ring.Handle) {
	sn, ok := q.win.reserve()
	if !ok {
		return nil, nil
	}
	q.win.waitTurn(sn)

	// One event at a time, to maximize inter-worker parallelism.
	out := make([]ring.Handle, 1)
	k := ring.DequeueBatch(q.ring, out)
	out = out[:k]
	q.win.advanceTurn(sn)

	if k == 0 {
		// Advance head in reservation order, exactly like a held
		// context's release does — otherwise an out-of-order empty
		// slot could move head past an sn a peer worker still holds,
		// and that peer's waitHead(sn) in release() would never again
		// observe itself as head.
		q.win.waitHead(sn)
		q.win.advanceHead()
		return nil, nil
	}

	ctx := w.allocRctx()
	ctx.reset(q.win, sn, q.lockCnt, w.sched.cfg.orderedStashSize)
	w.heldOrdered = ctx

	ticket, needTicket, _ := q.st.dequeueUpdate(int32(k), w.sched.cfg.wrrWeight, false)
	if needTicket {
		q.st.waitTicket(ticket)
		q.st.releaseTicket(ticket)
	}
	return q, out
}

// rebuildLanes diffs sg_wanted against sg_actual, per priority,
// inserting newly-joined groups' lanes and removing left groups' lanes
// from the worker's sorted scan list.
func (w *Worker) rebuildLanes() {
	w.sgSem.Store(false)
	w.sched.groups.lock()
	defer w.sched.groups.unlock()

	var list []laneEntry
	for p := 0; p < w.sched.cfg.priorities; p++ {
		wanted := w.wanted[p]
		for gi, g := range w.sched.groups.groups {
			if g == nil {
				continue
			}
			if !wanted.ffsAt(uint32(gi)) {
				continue
			}
			for k := uint32(0); k < g.xfactor; k++ {
				rotated := (k + w.index) % g.xfactor
				list = append(list, laneEntry{group: GroupHandle(gi), priority: p, lane: g.lanes[rotated][p]})
			}
			g.actual[p].atomicSet(w.index)
		}
	}
	for p := 0; p < w.sched.cfg.priorities; p++ {
		for gi, g := range w.sched.groups.groups {
			if g == nil {
				continue
			}
			if w.wanted[p].ffsAt(uint32(gi)) {
				continue
			}
			g.actual[p].atomicClr(w.index)
		}
	}
	w.lanes = list
	w.actual = w.wanted
}

// onMembershipNotify is called by the group fabric (under its lock for
// join/leave; without it when a queue is attached to or detached from
// a group) to update this worker's wanted mask for one (priority, group) and
// raise its sg_sem flag, to be picked up at the worker's next
// Schedule call.
func (w *Worker) onMembershipNotify(priority int, g GroupHandle, want bool) {
	if want {
		w.wanted[priority] = w.wanted[priority].set(uint32(g))
	} else {
		w.wanted[priority] = w.wanted[priority].clr(uint32(g))
	}
	w.sgSem.Store(true)
}
