// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import "code.hybscloud.com/atomix"

const (
	pktioUsed = uint32(1) << 31
	pktioBusy = uint32(1) << 30
	pktioMask = pktioUsed | pktioBusy
)

// PollFunc polls one interface/queue pair for at most n events,
// enqueuing anything received via the scheduler's normal enqueue path,
// and reports whether the interface has been closed (in which case the
// slot is torn down and, once the interface's last slot is gone,
// FinalizeFunc is invoked).
type PollFunc func(iface, queue uint32, n int) (closed bool)

// FinalizeFunc completes an interface stop once its last polling slot
// has been removed.
type FinalizeFunc func(iface uint32)

// pktioSlot is one registry entry: a tag packing (iface, queue) plus
// USED/BUSY bits, encoded so a single CAS claims it for polling.
type pktioSlot struct {
	tag atomix.Uint64 // high 32 bits: flags; low 32: packed (iface<<16 | queue)
}

func packPktioTag(flags uint32, iface, queue uint16) uint64 {
	return uint64(flags)<<32 | uint64(iface)<<16 | uint64(queue)
}

func unpackPktioTag(v uint64) (flags uint32, iface, queue uint16) {
	return uint32(v >> 32), uint16(v >> 16), uint16(v)
}

// pktioRegistry is the fixed-capacity external-I/O poll registry: a
// flat array of tags scanned by idle workers looking for NIC RX queues
// that don't themselves enqueue into scheduler queues.
type pktioRegistry struct {
	slots []pktioSlot
	hi    atomix.Int64 // high watermark bounding Poll's scan
	count []atomix.Int32
	poll  FinalizeFunc
}

func newPktioRegistry(capacity int, finalize FinalizeFunc) *pktioRegistry {
	return &pktioRegistry{
		slots: make([]pktioSlot, capacity),
		count: make([]atomix.Int32, 1<<16), // one counter per possible interface index
		poll:  finalize,
	}
}

// Start registers queue for polling under iface, claiming the first
// EMPTY slot found by linear scan.
func (r *pktioRegistry) Start(iface uint16, queue uint16) error {
	for i := range r.slots {
		old := r.slots[i].tag.LoadAcquire()
		if old != 0 {
			continue
		}
		nw := packPktioTag(pktioUsed, iface, queue)
		if r.slots[i].tag.CompareAndSwapAcqRel(0, nw) {
			for {
				h := r.hi.Load()
				if int64(i) < h || r.hi.CompareAndSwapAcqRel(h, int64(i)+1) {
					break
				}
			}
			r.count[iface].Add(1)
			return nil
		}
	}
	return errCapacityExceeded("PktioStart", "registry full")
}

// Stop removes queue's slot for iface. When the interface's count
// reaches zero, the caller should treat the interface as fully
// stopped.
func (r *pktioRegistry) Stop(iface, queue uint16) (lastForIface bool) {
	for i := range r.slots {
		old := r.slots[i].tag.LoadAcquire()
		flags, ifc, q := unpackPktioTag(old)
		if flags&pktioUsed == 0 || ifc != iface || q != queue {
			continue
		}
		if r.slots[i].tag.CompareAndSwapAcqRel(old, 0) {
			return r.count[iface].Add(-1) == 0
		}
	}
	return false
}

// Poll scans the registry starting at *next (a per-thread rotating
// cursor), calling fn on the first USED, non-BUSY slot it finds, then
// advances *next past it. It keeps scanning past a successful poll
// only on every 16th call (periodic full sweep), which prevents
// starvation of later slots when there are fewer threads than
// interfaces.
func (r *pktioRegistry) Poll(next *uint32, pollCount *uint32, fn PollFunc) {
	hi := uint32(r.hi.Load())
	if hi == 0 || len(r.slots) == 0 || fn == nil {
		return
	}
	n := hi
	for scanned := uint32(0); scanned < n; scanned++ {
		i := (*next + scanned) % n
		old := r.slots[i].tag.LoadAcquire()
		flags, iface, queue := unpackPktioTag(old)
		if flags&pktioMask != pktioUsed {
			continue
		}
		busy := packPktioTag(flags|pktioBusy, iface, queue)
		if !r.slots[i].tag.CompareAndSwapAcqRel(old, busy) {
			continue
		}
		closed := fn(uint32(iface), uint32(queue), 1)
		if closed {
			r.slots[i].tag.StoreRelease(0)
			if r.count[iface].Add(-1) == 0 && r.poll != nil {
				r.poll(uint32(iface))
			}
		} else {
			r.slots[i].tag.StoreRelease(packPktioTag(flags, iface, queue))
		}
		*next = i + 1
		*pollCount++
		if *pollCount&0xf != 0 {
			return
		}
	}
}
