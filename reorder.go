// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/sched/internal/ring"
	"code.hybscloud.com/spin"
)

// reorderWindow is the per-ordered-queue reservation/replay protocol:
// a monotonically increasing reservation counter (tail), the current
// replay position (head), and a fixed set of named order locks.
//
// Invariant: head <= tail and tail - head <= size; a reservation
// outside the window fails and the caller retries on its next
// schedule iteration rather than blocking.
type reorderWindow struct {
	_     pad
	tail  atomix.Uint64
	_     pad
	head  atomix.Uint64
	_     pad
	turn  atomix.Uint64 // serializes physical dequeue order with reservation order
	_     pad
	olock []atomix.Uint64
	size  uint64
}

func newReorderWindow(size, lockCount int) *reorderWindow {
	if size < 1 {
		size = DefaultOrderedStash
	}
	return &reorderWindow{
		olock: make([]atomix.Uint64, lockCount),
		size:  uint64(size),
	}
}

// reserve allocates the next sequence number, or fails if the window
// is full (tail - head == size).
func (w *reorderWindow) reserve() (sn uint64, ok bool) {
	for {
		tail := w.tail.LoadAcquire()
		head := w.head.LoadAcquire()
		if tail-head >= w.size {
			return 0, false
		}
		if w.tail.CompareAndSwapAcqRel(tail, tail+1) {
			return tail, true
		}
	}
}

// waitTurn busy-waits until it is sn's turn to dequeue from the
// backing ring — serializing dequeue order with reservation order so
// two workers never interleave their physical reads out of sequence.
func (w *reorderWindow) waitTurn(sn uint64) {
	sw := spin.Wait{}
	for w.turn.LoadAcquire() != sn {
		sw.Once()
	}
}

func (w *reorderWindow) advanceTurn(sn uint64) {
	w.turn.StoreRelease(sn + 1)
}

// isHead reports whether sn is the window's current replay position.
func (w *reorderWindow) isHead(sn uint64) bool {
	return w.head.LoadAcquire() == sn
}

// waitHead busy-waits until sn becomes the current replay position.
func (w *reorderWindow) waitHead(sn uint64) {
	sw := spin.Wait{}
	for !w.isHead(sn) {
		sw.Once()
	}
}

// advanceHead moves the replay position past sn, releasing the next
// stashed worker (if any) to proceed.
func (w *reorderWindow) advanceHead() {
	w.head.AddAcqRel(1)
}

// lock blocks the caller until olock[i] reaches sn.
func (w *reorderWindow) lock(i int, sn uint64) {
	sw := spin.Wait{}
	for w.olock[i].LoadAcquire() != sn {
		sw.Once()
	}
}

// unlock advances olock[i] to sn+1, releasing the next worker waiting
// on that named sub-ordering.
func (w *reorderWindow) unlock(i int, sn uint64) {
	w.olock[i].StoreRelease(sn + 1)
}

// stashEntry is one deferred ordered_enqueue call: a destination queue
// plus the events bound for it, replayed in insertion order once the
// worker reaches the window's head.
type stashEntry struct {
	dest   *Queue
	events []ring.Handle
}

// reorderContext is the per-worker state while processing one ordered
// dequeue: its assigned sequence number, which named locks it has
// explicitly released, and its bounded stash of deferred enqueues.
type reorderContext struct {
	win        *reorderWindow
	sn         uint64
	lockCount  int
	unlocked   uint32 // bitmask of explicitly-released locks
	stash      []stashEntry
	stashLimit int
}

func (ctx *reorderContext) reset(win *reorderWindow, sn uint64, lockCount, stashLimit int) {
	ctx.win = win
	ctx.sn = sn
	ctx.lockCount = lockCount
	ctx.unlocked = 0
	ctx.stash = ctx.stash[:0]
	ctx.stashLimit = stashLimit
}

// inOrder reports whether the context's sn is currently the window's
// head — i.e. whether ordered_enqueue may proceed directly instead of
// stashing.
func (ctx *reorderContext) inOrder() bool {
	return ctx.win.isHead(ctx.sn)
}

// orderedEnqueue implements the ordered_enqueue_multi path: if the
// worker is in order, events go straight to dest's normal enqueue path;
// otherwise they are stashed for replay, unless the stash is full, in
// which case the worker busy-waits to become head and then drains the
// stash before proceeding — matching the reference scheduler's
// full-stash escape hatch. nonStashable destinations (packet-output
// interfaces) always force the in-order wait first.
func (ctx *reorderContext) orderedEnqueue(dest *Queue, events []ring.Handle, nonStashable bool) int {
	if nonStashable && !ctx.inOrder() {
		ctx.win.waitHead(ctx.sn)
	}
	if ctx.inOrder() {
		return dest.Enqueue(events)
	}
	if len(ctx.stash) >= ctx.stashLimit {
		ctx.win.waitHead(ctx.sn)
		ctx.drainStash()
		return dest.Enqueue(events)
	}
	cp := make([]ring.Handle, len(events))
	copy(cp, events)
	ctx.stash = append(ctx.stash, stashEntry{dest: dest, events: cp})
	return len(events)
}

func (ctx *reorderContext) drainStash() {
	for _, e := range ctx.stash {
		e.dest.Enqueue(e.events)
	}
	ctx.stash = ctx.stash[:0]
}

// orderLock blocks until named lock i reaches this context's turn.
// Locking the same index twice in one slot is a caller error.
func (ctx *reorderContext) orderLock(i int) {
	ctx.win.lock(i, ctx.sn)
}

// orderUnlock advances named lock i and records it as explicitly
// released, so [reorderContext.release] does not advance it again.
func (ctx *reorderContext) orderUnlock(i int) {
	ctx.win.unlock(i, ctx.sn)
	ctx.unlocked |= 1 << uint(i)
}

// orderUnlockLock is the atomic pair unlock(u); lock(l).
func (ctx *reorderContext) orderUnlockLock(u, l int) {
	ctx.orderUnlock(u)
	ctx.orderLock(l)
}

// release implements the end-of-slot protocol: wait for in-order (if
// not already), advance any named lock the worker did not explicitly
// release, drain the stash, and advance the window head. Returning the
// context to the worker's pool is done by [Worker.ReleaseOrdered].
func (ctx *reorderContext) release() {
	if !ctx.inOrder() {
		ctx.win.waitHead(ctx.sn)
	}
	for i := 0; i < ctx.lockCount; i++ {
		if ctx.unlocked&(1<<uint(i)) == 0 {
			ctx.win.unlock(i, ctx.sn)
		}
	}
	ctx.drainStash()
	ctx.win.advanceHead()
}
