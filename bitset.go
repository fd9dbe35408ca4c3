// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

import (
	"math/bits"

	"code.hybscloud.com/atomix"
)

// bitsetWords is the number of 64-bit words backing one bitset. It must
// be large enough to hold one bit per group (see [DefaultGroupCapacity]) and,
// separately, one bit per worker thread a scheduler ever attaches.
const bitsetWords = 4 // 256 bits

// bitset is a small fixed-width bitmask used for thread masks and
// schedule-group membership masks. Reads/writes of individual words are
// atomic so a thread's wanted/actual masks can be published without a
// lock on the hot path; updates spanning multiple words (rare — only
// group create/destroy/join/leave cross that path) are serialized by
// the caller (the schedule-group fabric's spinlock).
type bitset struct {
	w [bitsetWords]atomix.Uint64
}

func (b *bitset) set(i uint32) {
	idx, bit := i/64, i%64
	b.w[idx].StoreRelaxed(b.w[idx].LoadRelaxed() | (uint64(1) << bit))
}

func (b *bitset) clr(i uint32) {
	idx, bit := i/64, i%64
	b.w[idx].StoreRelaxed(b.w[idx].LoadRelaxed() &^ (uint64(1) << bit))
}

func (b *bitset) test(i uint32) bool {
	idx, bit := i/64, i%64
	return b.w[idx].LoadRelaxed()&(uint64(1)<<bit) != 0
}

// atomicSet atomically sets bit i with release ordering, for
// publication to other threads (e.g. a group informing a worker that
// it has joined).
func (b *bitset) atomicSet(i uint32) {
	idx, bit := i/64, i%64
	for {
		old := b.w[idx].LoadAcquire()
		nw := old | (uint64(1) << bit)
		if old == nw || b.w[idx].CompareAndSwapAcqRel(old, nw) {
			return
		}
	}
}

// atomicClr atomically clears bit i with release ordering.
func (b *bitset) atomicClr(i uint32) {
	idx, bit := i/64, i%64
	for {
		old := b.w[idx].LoadAcquire()
		nw := old &^ (uint64(1) << bit)
		if old == nw || b.w[idx].CompareAndSwapAcqRel(old, nw) {
			return
		}
	}
}

// snapshot loads every word with acquire ordering, producing a
// point-in-time copy safe to scan without further synchronization.
func (b *bitset) snapshot() bitsetVal {
	var v bitsetVal
	for i := range b.w {
		v[i] = b.w[i].LoadAcquire()
	}
	return v
}

func (b *bitset) store(v bitsetVal) {
	for i := range b.w {
		b.w[i].StoreRelease(v[i])
	}
}

// bitsetVal is a plain (non-atomic) value copy of a bitset, used for
// thread-local membership comparisons (sg_actual/sg_wanted diffing) and
// as the return type of [bitset.snapshot].
type bitsetVal [bitsetWords]uint64

func (v bitsetVal) isNull() bool {
	for _, w := range v {
		if w != 0 {
			return false
		}
	}
	return true
}

func (v bitsetVal) equal(o bitsetVal) bool {
	return v == o
}

// andNot returns v &^ o, the bits set in v but not in o.
func (v bitsetVal) andNot(o bitsetVal) bitsetVal {
	var r bitsetVal
	for i := range v {
		r[i] = v[i] &^ o[i]
	}
	return r
}

// ffs returns the index of the lowest set bit plus one, or 0 if v is
// null (mirroring the C `bitset_ffs` convention used throughout the
// original scheduler so the "0 = none" sentinel reads the same way).
func (v bitsetVal) ffs() uint32 {
	for i, w := range v {
		if w == 0 {
			continue
		}
		return uint32(i*64) + uint32(bits.TrailingZeros64(w)) + 1
	}
	return 0
}

// clr returns v with bit i cleared.
func (v bitsetVal) clr(i uint32) bitsetVal {
	idx, bit := i/64, i%64
	v[idx] &^= uint64(1) << bit
	return v
}

func (v bitsetVal) set(i uint32) bitsetVal {
	idx, bit := i/64, i%64
	v[idx] |= uint64(1) << bit
	return v
}

