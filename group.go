// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"math/bits"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// GroupHandle identifies a schedule group created by
// [Scheduler.GroupCreate].
type GroupHandle int32

// InvalidGroup is returned when a group operation fails.
const InvalidGroup GroupHandle = -1

// Pre-created default groups, joined automatically on worker attach
// per thread type.
const (
	GroupAll GroupHandle = iota
	GroupWorker
	GroupControl
	numDefaultGroups
)

const groupNameLen = 31

// group is a schedule group: a named set of lanes, spread `xfactor`
// ways per priority, plus the bookkeeping needed to diff a worker's
// wanted/actual membership and place queues across its lanes fairly.
type group struct {
	name    [groupNameLen + 1]byte
	wanted  bitset // threads that should join
	actual  [maxPriorities]bitset // threads that have processed the join, per priority
	xcount  [maxPriorities]atomix.Int32
	xfactor uint32
	lanes   [][maxPriorities]*schedq // lanes[k][p], k in [0, xfactor)
	free    bool
}

func (g *group) setName(name string) {
	n := copy(g.name[:groupNameLen], name)
	g.name[n] = 0
}

func (g *group) Name() string {
	n := 0
	for n < groupNameLen && g.name[n] != 0 {
		n++
	}
	return string(g.name[:n])
}

func (g *group) laneFor(priority int, slot uint32) *schedq {
	return g.lanes[slot%g.xfactor][priority]
}

// groupTable owns every schedule group and the single cold-path
// spinlock serializing create/destroy/join/leave — the fabric's
// structural changes are rare enough that a lock beats a CAS chain
// here, matching the reference design's own explicit choice of a
// spinlock for this side of the scheduler.
type groupTable struct {
	mu     atomix.Bool
	groups []*group
	free   bitsetVal // bits below capacity clear, the rest set; written once by newGroupTable, not read afterwards
}

func newGroupTable(capacity int) *groupTable {
	if capacity < int(numDefaultGroups) {
		capacity = int(numDefaultGroups)
	}
	gt := &groupTable{groups: make([]*group, capacity)}
	var free bitsetVal
	for i := range free {
		free[i] = ^uint64(0)
	}
	for i := 0; i < capacity; i++ {
		free = free.clr(uint32(i))
	}
	gt.free = free
	return gt
}

func (gt *groupTable) lock() {
	sw := spin.Wait{}
	for !gt.mu.CompareAndSwapAcqRel(false, true) {
		sw.Once()
	}
}

func (gt *groupTable) unlock() {
	gt.mu.StoreRelease(false)
}

// create allocates the lowest free group index (the first nil entry
// in groups, found by linear scan): wanted threads seed xfactor
// (falling back to defaultXFactor when the mask is empty), and every
// (priority, slot) lane is pre-built empty.
func (gt *groupTable) create(name string, wanted bitsetVal, priorities int, defaultXFactor uint32) (GroupHandle, error) {
	gt.lock()
	defer gt.unlock()

	idx := -1
	for i, g := range gt.groups {
		if g == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InvalidGroup, errCapacityExceeded("GroupCreate", "group table full")
	}

	xfactor := uint32(popcount(wanted))
	if xfactor == 0 {
		xfactor = defaultXFactor
	}

	g := &group{xfactor: xfactor, lanes: make([][maxPriorities]*schedq, xfactor)}
	g.setName(name)
	g.wanted.store(wanted)
	for k := uint32(0); k < xfactor; k++ {
		for p := 0; p < priorities; p++ {
			g.lanes[k][p] = &schedq{}
		}
	}
	gt.groups[idx] = g
	return GroupHandle(idx), nil
}

func popcount(v bitsetVal) int {
	n := 0
	for _, w := range v {
		n += bits.OnesCount64(w)
	}
	return n
}

func (gt *groupTable) get(h GroupHandle) (*group, error) {
	if h < 0 || int(h) >= len(gt.groups) {
		return nil, errInvalidHandle("group", "index out of range")
	}
	gt.lock()
	g := gt.groups[h]
	gt.unlock()
	if g == nil {
		return nil, errInvalidHandle("group", "not created")
	}
	return g, nil
}

// destroy requires the group to hold no queues and no threads. It
// first lets any in-flight join/leave quiesce — spinning until every
// thread's actual mask matches wanted for each priority with a
// nonzero queue count — then verifies the group is truly empty before
// freeing the slot. Per the reference design this ordering is a
// correctness requirement, not an optimization: a caller destroying a
// group that still has queues is an administrator error and is
// rejected rather than silently leaking.
func (gt *groupTable) destroy(h GroupHandle, priorities int) error {
	g, err := gt.get(h)
	if err != nil {
		return err
	}

	for p := 0; p < priorities; p++ {
		if g.xcount[p].Load() == 0 {
			continue
		}
		sw := spin.Wait{}
		for !g.actual[p].snapshot().equal(g.wanted.snapshot()) {
			sw.Once()
		}
	}

	for p := 0; p < priorities; p++ {
		if g.xcount[p].Load() != 0 {
			return errMisSequence("GroupDestroy", "group has queues")
		}
	}
	if !g.wanted.snapshot().isNull() {
		return errMisSequence("GroupDestroy", "group has threads")
	}

	gt.lock()
	gt.groups[h] = nil
	gt.unlock()
	return nil
}

// join toggles wanted bits and, for every priority already carrying
// queues, raises sg_sem on each newly-wanted thread so it rebuilds its
// lane list on its next schedule call.
func (gt *groupTable) join(h GroupHandle, mask bitsetVal, priorities int, notify func(thread uint32, priority int, group GroupHandle, want bool)) error {
	g, err := gt.get(h)
	if err != nil {
		return err
	}
	gt.lock()
	defer gt.unlock()
	nw := g.wanted.snapshot()
	for i := 0; i < bitsetWords*64; i++ {
		if mask.ffsAt(uint32(i)) {
			nw = nw.set(uint32(i))
		}
	}
	g.wanted.store(nw)
	for p := 0; p < priorities; p++ {
		if g.xcount[p].Load() == 0 {
			continue
		}
		for i := 0; i < bitsetWords*64; i++ {
			if mask.ffsAt(uint32(i)) {
				notify(uint32(i), p, h, true)
			}
		}
	}
	return nil
}

// leave is join's mirror image: clears wanted bits and notifies
// affected threads to drop the group at the affected priorities.
func (gt *groupTable) leave(h GroupHandle, mask bitsetVal, priorities int, notify func(thread uint32, priority int, group GroupHandle, want bool)) error {
	g, err := gt.get(h)
	if err != nil {
		return err
	}
	gt.lock()
	defer gt.unlock()
	cur := g.wanted.snapshot()
	nw := cur
	for i := 0; i < bitsetWords*64; i++ {
		if mask.ffsAt(uint32(i)) {
			nw = nw.clr(uint32(i))
		}
	}
	g.wanted.store(nw)
	for p := 0; p < priorities; p++ {
		if g.xcount[p].Load() == 0 {
			continue
		}
		for i := 0; i < bitsetWords*64; i++ {
			if mask.ffsAt(uint32(i)) {
				notify(uint32(i), p, h, false)
			}
		}
	}
	return nil
}

// queueAttached increments the group's per-priority queue count,
// notifying all currently-wanted threads the first time a priority
// goes from zero to one queue, and returns the lane slot the new
// queue should occupy.
func (gt *groupTable) queueAttached(h GroupHandle, priority int, notify func(thread uint32, priority int, group GroupHandle, want bool)) (*schedq, error) {
	g, err := gt.get(h)
	if err != nil {
		return nil, err
	}
	was := g.xcount[priority].Add(1) - 1
	if was == 0 {
		wanted := g.wanted.snapshot()
		for i := 0; i < bitsetWords*64; i++ {
			if wanted.ffsAt(uint32(i)) {
				notify(uint32(i), priority, h, true)
			}
		}
	}
	slot := (uint32(was)) % g.xfactor
	return g.laneFor(priority, slot), nil
}

// queueDetached is queueAttached's mirror: decrements the queue count
// and notifies threads to drop the priority once it reaches zero.
func (gt *groupTable) queueDetached(h GroupHandle, priority int, notify func(thread uint32, priority int, group GroupHandle, want bool)) error {
	g, err := gt.get(h)
	if err != nil {
		return err
	}
	nw := g.xcount[priority].Add(-1)
	if nw == 0 {
		wanted := g.wanted.snapshot()
		for i := 0; i < bitsetWords*64; i++ {
			if wanted.ffsAt(uint32(i)) {
				notify(uint32(i), priority, h, false)
			}
		}
	}
	return nil
}

// ffsAt reports whether bit i is set — a convenience used while
// iterating a mask bit by bit (joins/leaves touch few bits at a time,
// unlike the hot-path ffs() scan used for group allocation).
func (v bitsetVal) ffsAt(i uint32) bool {
	idx, bit := i/64, i%64
	return v[idx]&(uint64(1)<<bit) != 0
}
