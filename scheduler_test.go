// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/sched/internal/ring"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return NewScheduler(NewConfig().Priorities(2).WRRWeight(4).Build())
}

func TestSchedulerDefaultGroupsExist(t *testing.T) {
	s := newTestScheduler(t)
	for _, h := range []GroupHandle{GroupAll, GroupWorker, GroupControl} {
		if _, err := s.groups.get(h); err != nil {
			t.Fatalf("default group %d missing: %v", h, err)
		}
	}
}

func TestSchedulerAttachJoinsDefaultGroups(t *testing.T) {
	s := newTestScheduler(t)
	// A worker subscribes only to priorities that carry queues.
	if _, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: GroupAll}); err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}
	w := s.Attach(ThreadWorker)
	if len(w.lanes) == 0 {
		t.Fatal("a freshly attached worker should subscribe to GroupAll's populated lanes")
	}
}

func TestSchedulerParallelQueueAnyWorkerDrains(t *testing.T) {
	s := newTestScheduler(t)
	w1 := s.Attach(ThreadWorker)
	w2 := s.Attach(ThreadWorker)

	qh, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: GroupAll})
	if err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}
	s.EnqueueQueue(qh, []ring.Handle{1, 2, 3, 4, 5, 6, 7, 8})

	total := 0
	for _, w := range []*Worker{w1, w2} {
		for {
			q, events := w.Schedule(4, NoWait)
			if q == nil {
				break
			}
			total += len(events)
		}
	}
	if total != 8 {
		t.Fatalf("total dequeued = %d, want 8", total)
	}
}

func TestSchedulerAtomicQueueExclusiveOwnership(t *testing.T) {
	s := newTestScheduler(t)
	w1 := s.Attach(ThreadWorker)
	w2 := s.Attach(ThreadWorker)

	qh, err := s.QueueCreate(QueueParams{Sync: SyncAtomic, Priority: 0, Group: GroupAll})
	if err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}
	s.EnqueueQueue(qh, []ring.Handle{1, 2, 3})

	q1, ev1 := w1.Schedule(32, NoWait)
	if q1 == nil {
		t.Fatal("w1 should have dispatched the atomic queue")
	}
	if len(ev1) != 3 {
		t.Fatalf("w1 dequeued %d, want 3", len(ev1))
	}

	// The queue is off its lane while w1 holds it; w2 must find nothing.
	q2, _ := w2.Schedule(32, NoWait)
	if q2 != nil {
		t.Fatal("w2 must not see the atomic queue while w1 holds exclusive rights to it")
	}

	w1.ReleaseAtomic()
}

func TestSchedulerOrderedQueuePreservesEnqueueOrder(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)

	src, err := s.QueueCreate(QueueParams{Sync: SyncOrdered, Priority: 0, Group: GroupAll})
	if err != nil {
		t.Fatalf("QueueCreate src: %v", err)
	}
	// The destination lives in a group no worker joins, so the workers
	// never schedule (and re-enqueue) its events themselves.
	sink, err := s.GroupCreate("sink", bitsetVal{})
	if err != nil {
		t.Fatalf("GroupCreate sink: %v", err)
	}
	dst, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: sink})
	if err != nil {
		t.Fatalf("QueueCreate dst: %v", err)
	}
	destQueue := s.Queue(dst)

	const n = 20
	events := make([]ring.Handle, n)
	for i := range events {
		events[i] = ring.Handle(i)
	}
	s.EnqueueQueue(src, events)

	var wg sync.WaitGroup
	workers := []*Worker{w, s.Attach(ThreadWorker)}
	for _, ww := range workers {
		wg.Add(1)
		go func(ww *Worker) {
			defer wg.Done()
			for {
				q, ev := ww.Schedule(1, NoWait)
				if q == nil {
					break
				}
				ww.OrderedEnqueue(destQueue, ev, false)
				ww.ReleaseOrdered()
			}
		}(ww)
	}
	wg.Wait()

	out := make([]ring.Handle, n)
	k := ring.DequeueBatch(destQueue.ring, out)
	if k != n {
		t.Fatalf("dequeued %d events from destination, want %d", k, n)
	}
	for i, h := range out {
		if h != ring.Handle(i) {
			t.Fatalf("out-of-order at %d: got %d, want %d", i, h, i)
		}
	}
}

func TestSchedulerGroupJoinLeaveRebuildsLanes(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)

	g, err := s.GroupCreate("custom", bitsetVal{})
	if err != nil {
		t.Fatalf("GroupCreate: %v", err)
	}
	// Membership only covers priorities that carry queues.
	if _, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: g}); err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}
	before := len(w.lanes)

	var mask bitsetVal
	mask = mask.set(w.index)
	if err := s.GroupJoin(g, mask); err != nil {
		t.Fatalf("GroupJoin: %v", err)
	}
	w.Schedule(1, NoWait) // picks up sg_sem and rebuilds lanes
	if len(w.lanes) <= before {
		t.Fatal("joining a new group should add lanes to the worker's scan list")
	}

	if err := s.GroupLeave(g, mask); err != nil {
		t.Fatalf("GroupLeave: %v", err)
	}
	w.Schedule(1, NoWait)
	if len(w.lanes) != before {
		t.Fatalf("lanes after leave = %d, want back to %d", len(w.lanes), before)
	}
}

func TestSchedulerDestroyQueueRefusesNonEmpty(t *testing.T) {
	s := newTestScheduler(t)
	qh, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: GroupAll})
	if err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}
	s.EnqueueQueue(qh, []ring.Handle{1})
	if err := s.DestroyQueue(qh); err == nil {
		t.Fatal("expected mis-sequence error destroying a non-empty queue")
	}
}

func TestSchedulerPktioStartPollStop(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)

	if err := s.PktioStart(1, 0); err != nil {
		t.Fatalf("PktioStart: %v", err)
	}
	var polled bool
	s.SetPollFunc(func(iface, queue uint32, n int) bool {
		polled = true
		return false
	})
	w.Schedule(1, NoWait) // no scheduled work, falls through to pktio poll
	if !polled {
		t.Fatal("expected the poll callback to run when no scheduled work is found")
	}
	if last := s.PktioStop(1, 0); !last {
		t.Fatal("PktioStop should report last-for-iface")
	}
}

func TestWaitTimeNs(t *testing.T) {
	if tok := WaitTimeNs(0); tok != NoWait {
		t.Fatalf("WaitTimeNs(0) = %d, want NoWait", tok)
	}
	if tok := WaitTimeNs(-5); tok != NoWait {
		t.Fatalf("WaitTimeNs(-5) = %d, want NoWait", tok)
	}
	if tok := WaitTimeNs(1000); tok != WaitToken(1000) {
		t.Fatalf("WaitTimeNs(1000) = %d, want 1000", tok)
	}
}

func TestScheduleNoWaitReturnsImmediately(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)
	q, events := w.Schedule(4, NoWait)
	if q != nil || events != nil {
		t.Fatalf("Schedule(NoWait) on an empty scheduler = (%v, %v), want (nil, nil)", q, events)
	}
}

func TestScheduleWaitTimeNsTimesOut(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)
	q, _ := w.Schedule(4, WaitTimeNs(int64(time.Millisecond)))
	if q != nil {
		t.Fatal("Schedule should time out and return nil on an empty scheduler")
	}
}

func TestScheduleWaitForeverUnblocksOnEnqueue(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)
	qh, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: GroupAll})
	if err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}

	done := make(chan struct{})
	var q *Queue
	var events []ring.Handle
	go func() {
		q, events = w.Schedule(8, WaitForever)
		close(done)
	}()

	s.EnqueueQueue(qh, []ring.Handle{42})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Schedule(WaitForever) did not return after work was enqueued")
	}
	if q == nil || len(events) != 1 || events[0] != 42 {
		t.Fatalf("got (%v, %v), want the enqueued event", q, events)
	}
}

func TestScheduleMultiCollectsDistinctQueues(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)

	for i := 0; i < 3; i++ {
		qh, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: GroupAll})
		if err != nil {
			t.Fatalf("QueueCreate: %v", err)
		}
		s.EnqueueQueue(qh, []ring.Handle{ring.Handle(i + 1)})
	}

	results := w.ScheduleMulti(4, 3, NoWait)
	if len(results) != 3 {
		t.Fatalf("ScheduleMulti returned %d results, want 3", len(results))
	}
	seen := make(map[*Queue]bool)
	for _, r := range results {
		if seen[r.Queue] {
			t.Fatalf("ScheduleMulti returned the same queue twice: %v", r.Queue)
		}
		seen[r.Queue] = true
	}
}

func TestScheduleMultiMaxQueuesCapsBatch(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)

	for i := 0; i < 3; i++ {
		qh, err := s.QueueCreate(QueueParams{Sync: SyncParallel, Priority: 0, Group: GroupAll})
		if err != nil {
			t.Fatalf("QueueCreate: %v", err)
		}
		s.EnqueueQueue(qh, []ring.Handle{ring.Handle(i + 1)})
	}

	results := w.ScheduleMulti(4, 1, NoWait)
	if len(results) != 1 {
		t.Fatalf("ScheduleMulti(maxQueues=1) returned %d results, want 1", len(results))
	}
}

func TestPrefetchIsNoOp(t *testing.T) {
	s := newTestScheduler(t)
	w := s.Attach(ThreadWorker)
	w.Prefetch(4) // must not panic or block
}

func TestMaxOrderedLocks(t *testing.T) {
	if got := MaxOrderedLocks(); got != 2 {
		t.Fatalf("MaxOrderedLocks() = %d, want 2", got)
	}
}
