// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import "testing"

func TestPktioRegistryStartStop(t *testing.T) {
	r := newPktioRegistry(4, nil)
	if err := r.Start(1, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(1, 0); err != nil {
		t.Fatalf("Start (second queue): %v", err)
	}
	if last := r.Stop(1, 0); last {
		t.Fatal("Stop should not report last-for-iface: another queue remains")
	}
	if last := r.Stop(1, 0); !last {
		t.Fatal("Stop should report last-for-iface once count reaches zero")
	}
}

func TestPktioRegistryStartFullFails(t *testing.T) {
	r := newPktioRegistry(2, nil)
	if err := r.Start(1, 0); err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	if err := r.Start(1, 1); err != nil {
		t.Fatalf("Start 2: %v", err)
	}
	if err := r.Start(1, 2); err == nil {
		t.Fatal("expected capacity-exceeded error on a full registry")
	}
}

func TestPktioRegistryPollInvokesCallback(t *testing.T) {
	r := newPktioRegistry(4, nil)
	if err := r.Start(3, 7); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var gotIface, gotQueue uint32
	var calls int
	var next, count uint32
	r.Poll(&next, &count, func(iface, queue uint32, n int) bool {
		gotIface, gotQueue = iface, queue
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if gotIface != 3 || gotQueue != 7 {
		t.Fatalf("got (%d, %d), want (3, 7)", gotIface, gotQueue)
	}
}

func TestPktioRegistryPollTearsDownOnClose(t *testing.T) {
	var finalized uint32
	var finalizedCalled bool
	r := newPktioRegistry(4, func(iface uint32) {
		finalized = iface
		finalizedCalled = true
	})
	if err := r.Start(9, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var next, count uint32
	r.Poll(&next, &count, func(iface, queue uint32, n int) bool {
		return true // signal the interface closed
	})
	if !finalizedCalled {
		t.Fatal("expected FinalizeFunc to be invoked once the last slot for the interface closes")
	}
	if finalized != 9 {
		t.Fatalf("finalized iface = %d, want 9", finalized)
	}

	// The slot should be gone; a fresh Start must succeed immediately.
	if err := r.Start(9, 0); err != nil {
		t.Fatalf("Start after teardown: %v", err)
	}
}
