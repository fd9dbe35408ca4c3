// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import "testing"

func TestGroupTableCreateAssignsXFactorFromMask(t *testing.T) {
	gt := newGroupTable(8)
	var mask bitsetVal
	mask = mask.set(0).set(1).set(2)

	h, err := gt.create("three-threads", mask, 4, DefaultXFactor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	g, err := gt.get(h)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.xfactor != 3 {
		t.Fatalf("xfactor = %d, want 3 (popcount of mask)", g.xfactor)
	}
	if g.Name() != "three-threads" {
		t.Fatalf("Name() = %q, want %q", g.Name(), "three-threads")
	}
}

func TestGroupTableCreateFallsBackToDefaultXFactor(t *testing.T) {
	gt := newGroupTable(8)
	h, err := gt.create("empty", bitsetVal{}, 4, 6)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	g, _ := gt.get(h)
	if g.xfactor != 6 {
		t.Fatalf("xfactor = %d, want 6 (default)", g.xfactor)
	}
}

func TestGroupTableCreateFullTableFails(t *testing.T) {
	gt := newGroupTable(int(numDefaultGroups))
	for i := 0; i < int(numDefaultGroups); i++ {
		if _, err := gt.create("g", bitsetVal{}, 1, 1); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := gt.create("overflow", bitsetVal{}, 1, 1); err == nil {
		t.Fatal("expected capacity-exceeded error on a full table")
	}
}

func TestGroupTableJoinLeaveNotifiesWantedThreads(t *testing.T) {
	gt := newGroupTable(4)
	h, err := gt.create("g", bitsetVal{}, 2, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := gt.queueAttached(h, 0, func(uint32, int, GroupHandle, bool) {}); err != nil {
		t.Fatalf("queueAttached: %v", err)
	}

	var joined []uint32
	var mask bitsetVal
	mask = mask.set(2).set(5)
	if err := gt.join(h, mask, 2, func(thread uint32, priority int, group GroupHandle, want bool) {
		if want && priority == 0 {
			joined = append(joined, thread)
		}
	}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(joined) != 2 {
		t.Fatalf("joined = %v, want 2 threads notified", joined)
	}

	var left []uint32
	if err := gt.leave(h, mask, 2, func(thread uint32, priority int, group GroupHandle, want bool) {
		if !want && priority == 0 {
			left = append(left, thread)
		}
	}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("left = %v, want 2 threads notified", left)
	}
}

func TestGroupTableDestroyRefusesNonEmptyGroup(t *testing.T) {
	gt := newGroupTable(4)
	h, _ := gt.create("g", bitsetVal{}, 1, 1)
	if _, err := gt.queueAttached(h, 0, func(uint32, int, GroupHandle, bool) {}); err != nil {
		t.Fatalf("queueAttached: %v", err)
	}
	if err := gt.destroy(h, 1); err == nil {
		t.Fatal("expected mis-sequence error destroying a group with queues")
	}
	if err := gt.queueDetached(h, 0, func(uint32, int, GroupHandle, bool) {}); err != nil {
		t.Fatalf("queueDetached: %v", err)
	}
	if err := gt.destroy(h, 1); err != nil {
		t.Fatalf("destroy after detach: %v", err)
	}
}

func TestGroupTableQueueAttachedRoundRobinsLanes(t *testing.T) {
	gt := newGroupTable(4)
	h, _ := gt.create("g", bitsetVal{}, 1, 2)
	notify := func(uint32, int, GroupHandle, bool) {}

	l0, _ := gt.queueAttached(h, 0, notify)
	l1, _ := gt.queueAttached(h, 0, notify)
	l2, _ := gt.queueAttached(h, 0, notify)
	if l0 == l1 {
		t.Fatal("consecutive queueAttached calls should spread across xfactor lanes")
	}
	if l0 != l2 {
		t.Fatal("queueAttached should wrap back to the first lane after xfactor attaches")
	}
}
