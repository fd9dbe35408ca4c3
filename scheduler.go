// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/sched/internal/ring"
)

const defaultQueueRingCapacity = 1024

// Scheduler is the top-level owner of every schedule group, queue, and
// attached worker. One Scheduler corresponds to one process-wide
// instance, created with [NewScheduler] in place of the reference
// design's init_global/init_local split: construction performs
// init_global's work (the three default groups), and [Scheduler.Attach]
// performs init_local's (per-worker group joins).
type Scheduler struct {
	cfg    Config
	groups *groupTable
	queues []*Queue
	qmu    atomix.Bool

	workers []*Worker
	wmu     atomix.Bool

	pktio    *pktioRegistry
	pollFunc PollFunc
}

// NewScheduler creates the three default groups (ALL, WORKER, CONTROL)
// and returns a ready-to-use Scheduler. Pass [PollFunc] later via
// [Scheduler.SetPollFunc] to wire in external I/O polling; a nil
// PollFunc makes [pktioRegistry.Poll] a no-op.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		groups: newGroupTable(cfg.groupCapacity),
		pktio:  newPktioRegistry(256, nil),
	}
	for _, name := range []string{"ALL", "WORKER", "CONTROL"} {
		if _, err := s.groups.create(name, bitsetVal{}, cfg.priorities, cfg.defaultXFactor); err != nil {
			panic("sched: failed to create default group " + name)
		}
	}
	return s
}

// SetPollFunc wires the external I/O poll callback invoked when a
// worker finds no scheduled work.
func (s *Scheduler) SetPollFunc(fn PollFunc) { s.pollFunc = fn }

// NumPrio returns the configured number of priority levels.
func (s *Scheduler) NumPrio() int { return s.cfg.priorities }

func (s *Scheduler) lockWorkers()   { spinLock(&s.wmu) }
func (s *Scheduler) unlockWorkers() { s.wmu.StoreRelease(false) }

func (s *Scheduler) lockQueues()   { spinLock(&s.qmu) }
func (s *Scheduler) unlockQueues() { s.qmu.StoreRelease(false) }

func spinLock(b *atomix.Bool) {
	for !b.CompareAndSwapAcqRel(false, true) {
	}
}

// Attach creates a new [Worker] of the given thread type, joining it
// to [GroupAll] plus [GroupWorker] or [GroupControl] per kind — the
// reference design's init_local.
func (s *Scheduler) Attach(kind ThreadType) *Worker {
	s.lockWorkers()
	idx := uint32(len(s.workers))
	w := newWorker(s, idx, kind)
	s.workers = append(s.workers, w)
	s.unlockWorkers()

	s.joinDefault(w, GroupAll)
	if kind == ThreadControl {
		s.joinDefault(w, GroupControl)
	} else {
		s.joinDefault(w, GroupWorker)
	}
	w.rebuildLanes()
	return w
}

func (s *Scheduler) joinDefault(w *Worker, g GroupHandle) {
	var mask bitsetVal
	mask = mask.set(w.index)
	_ = s.groups.join(g, mask, s.cfg.priorities, func(thread uint32, priority int, group GroupHandle, want bool) {
		if thread == w.index {
			w.onMembershipNotify(priority, group, want)
		}
	})
}

// Detach removes a worker from every group it has joined. Per the
// reference design's thread-detach contract, a worker holding an
// atomic ticket or reorder slot must release it first; Detach does
// this on the caller's behalf.
func (s *Scheduler) Detach(w *Worker) {
	w.ReleaseAtomic()
	w.ReleaseOrdered()
	s.groups.lock()
	for _, g := range s.groups.groups {
		if g == nil {
			continue
		}
		g.wanted.atomicClr(w.index)
		for p := 0; p < s.cfg.priorities; p++ {
			g.actual[p].atomicClr(w.index)
		}
	}
	s.groups.unlock()
}

// GroupCreate allocates a schedule group with the given wanted thread
// mask (the zero bitsetVal for none), defaulting xfactor from the mask's population
// count or [Config.defaultXFactor] if empty.
func (s *Scheduler) GroupCreate(name string, wanted bitsetVal) (GroupHandle, error) {
	return s.groups.create(name, wanted, s.cfg.priorities, s.cfg.defaultXFactor)
}

// GroupDestroy destroys a group, refusing if it still has queues or
// threads.
func (s *Scheduler) GroupDestroy(h GroupHandle) error {
	return s.groups.destroy(h, s.cfg.priorities)
}

// GroupJoin adds mask's threads to group h.
func (s *Scheduler) GroupJoin(h GroupHandle, mask bitsetVal) error {
	return s.groups.join(h, mask, s.cfg.priorities, s.notifyWorker)
}

// GroupLeave removes mask's threads from group h.
func (s *Scheduler) GroupLeave(h GroupHandle, mask bitsetVal) error {
	return s.groups.leave(h, mask, s.cfg.priorities, s.notifyWorker)
}

// GroupLookup returns the handle of the group with the given name, or
// [InvalidGroup] if none matches.
func (s *Scheduler) GroupLookup(name string) GroupHandle {
	s.groups.lock()
	defer s.groups.unlock()
	for i, g := range s.groups.groups {
		if g != nil && g.Name() == name {
			return GroupHandle(i)
		}
	}
	return InvalidGroup
}

// GroupThrmask returns group h's wanted thread mask.
func (s *Scheduler) GroupThrmask(h GroupHandle) (bitsetVal, error) {
	g, err := s.groups.get(h)
	if err != nil {
		return bitsetVal{}, err
	}
	return g.wanted.snapshot(), nil
}

// GroupInfo describes a schedule group for diagnostic purposes.
type GroupInfo struct {
	Name    string
	Wanted  bitsetVal
	XFactor uint32
}

// GroupInfo returns diagnostic information about group h.
func (s *Scheduler) GroupInfo(h GroupHandle) (GroupInfo, error) {
	g, err := s.groups.get(h)
	if err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{Name: g.Name(), Wanted: g.wanted.snapshot(), XFactor: g.xfactor}, nil
}

func (s *Scheduler) notifyWorker(thread uint32, priority int, group GroupHandle, want bool) {
	s.lockWorkers()
	defer s.unlockWorkers()
	if int(thread) >= len(s.workers) {
		return
	}
	s.workers[thread].onMembershipNotify(priority, group, want)
}

// QueueParams configures a new queue.
type QueueParams struct {
	Sync       Sync
	Priority   int
	Group      GroupHandle
	LockCount  int
	Capacity   int
	WindowSize int
}

// QueueCreate attaches a new queue to a schedule group at the given
// priority, choosing the group's lane via the same fetch_add-mod-xfactor
// placement the reference design uses to spread queues across a
// group's lanes (the lane's current load is not consulted).
func (s *Scheduler) QueueCreate(p QueueParams) (QueueHandle, error) {
	if p.Priority < 0 || p.Priority >= s.cfg.priorities {
		return invalidQueueHandle, errInvalidHandle("QueueCreate", "priority out of range")
	}
	if p.LockCount <= 0 {
		p.LockCount = s.cfg.orderedLocks
	}
	if p.Capacity <= 0 {
		p.Capacity = defaultQueueRingCapacity
	}
	if p.WindowSize <= 0 {
		p.WindowSize = s.cfg.orderedStashSize
	}

	lane, err := s.groups.queueAttached(p.Group, p.Priority, s.notifyWorker)
	if err != nil {
		return invalidQueueHandle, err
	}

	s.lockQueues()
	idx := QueueHandle(len(s.queues))
	q := newQueue(idx, p.Sync, p.Priority, p.Group, p.LockCount, p.Capacity, s.cfg.wrrWeight, p.WindowSize, lane)
	s.queues = append(s.queues, q)
	s.unlockQueues()
	return idx, nil
}

// DestroyQueue removes a queue, refusing if it is not empty, is still
// on a lane, or still holds reorder state.
func (s *Scheduler) DestroyQueue(h QueueHandle) error {
	s.lockQueues()
	if int(h) >= len(s.queues) || s.queues[h] == nil {
		s.unlockQueues()
		return errInvalidHandle("DestroyQueue", "index out of range")
	}
	q := s.queues[h]
	s.unlockQueues()

	if !q.IsEmpty() || q.lane.elemOnQueue(&q.node) {
		return errMisSequence("DestroyQueue", "queue not empty or still on a lane")
	}
	if q.win != nil && q.win.head.LoadAcquire() != q.win.tail.LoadAcquire() {
		return errMisSequence("DestroyQueue", "queue still holds reorder state")
	}

	if err := s.groups.queueDetached(q.group, q.priority, s.notifyWorker); err != nil {
		return err
	}

	s.lockQueues()
	s.queues[h] = nil
	s.unlockQueues()
	q.destroyed.Store(true)
	return nil
}

// Queue returns the queue identified by h, or nil if it does not
// exist.
func (s *Scheduler) Queue(h QueueHandle) *Queue {
	s.lockQueues()
	defer s.unlockQueues()
	if int(h) >= len(s.queues) {
		return nil
	}
	return s.queues[h]
}

// EnqueueQueue pushes events directly into queue h's ring buffer, for
// producers outside a worker's ordered-reorder context (the common
// case). Ordered-aware producers should instead go through
// [Worker.OrderedEnqueue] while holding a reorder slot.
func (s *Scheduler) EnqueueQueue(h QueueHandle, events []ring.Handle) int {
	q := s.Queue(h)
	if q == nil {
		return 0
	}
	return q.Enqueue(events)
}

// PktioStart registers queue for external-I/O polling on iface.
func (s *Scheduler) PktioStart(iface, queue uint16) error {
	return s.pktio.Start(iface, queue)
}

// PktioStop deregisters queue from iface's polling set.
func (s *Scheduler) PktioStop(iface, queue uint16) (lastForIface bool) {
	return s.pktio.Stop(iface, queue)
}
