// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ring

// Ring is the common shape shared by [MPMC] and [MPSC], letting a
// scheduled queue stay agnostic to which discipline backs it.
type Ring interface {
	Enqueue(h Handle) error
	Dequeue() (Handle, error)
	Cap() int
}

// EnqueueBatch enqueues up to len(hs) handles, stopping at the first
// ErrWouldBlock. Returns the number actually enqueued.
func EnqueueBatch(r Ring, hs []Handle) int {
	for i, h := range hs {
		if err := r.Enqueue(h); err != nil {
			return i
		}
	}
	return len(hs)
}

// DequeueBatch dequeues up to len(out) handles, stopping at the first
// ErrWouldBlock. Returns the number actually dequeued.
func DequeueBatch(r Ring, out []Handle) int {
	for i := range out {
		h, err := r.Dequeue()
		if err != nil {
			return i
		}
		out[i] = h
	}
	return len(out)
}
