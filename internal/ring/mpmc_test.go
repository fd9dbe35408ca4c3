// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ring_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/sched/internal/ring"
)

func TestMPMCBasicOperations(t *testing.T) {
	qEmpty := ring.NewMPMC(4)
	if _, err := qEmpty.Dequeue(); !errors.Is(err, ring.ErrWouldBlock) {
		t.Fatalf("empty dequeue: got %v, want ErrWouldBlock", err)
	}

	q := ring.NewMPMC(4)
	for i := range 4 {
		if err := q.Enqueue(ring.Handle(i + 100)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(999); !errors.Is(err, ring.ErrWouldBlock) {
		t.Fatalf("full enqueue: got %v, want ErrWouldBlock", err)
	}
	for i := range 4 {
		val, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if val != ring.Handle(i+100) {
			t.Fatalf("dequeue %d: got %d, want %d", i, val, i+100)
		}
	}
}

func TestMPMCWrapAround(t *testing.T) {
	q := ring.NewMPMC(4)
	for round := range 10 {
		for i := range 4 {
			if err := q.Enqueue(ring.Handle(round*100 + i)); err != nil {
				t.Fatalf("round %d enqueue %d: %v", round, i, err)
			}
		}
		for i := range 4 {
			val, err := q.Dequeue()
			if err != nil {
				t.Fatalf("round %d dequeue %d: %v", round, i, err)
			}
			want := ring.Handle(round*100 + i)
			if val != want {
				t.Fatalf("round %d dequeue %d: got %d, want %d", round, i, val, want)
			}
		}
	}
}

func TestMPMCCapacityRoundsUp(t *testing.T) {
	q := ring.NewMPMC(3)
	if q.Cap() != 4 {
		t.Fatalf("Cap: got %d, want 4", q.Cap())
	}
}

func TestMPMCPanicsBelowMinimum(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for capacity < 2")
		}
	}()
	ring.NewMPMC(1)
}

func TestMPMCDrainAllowsFullDequeueUnderThreshold(t *testing.T) {
	q := ring.NewMPMC(8)
	for i := range 8 {
		if err := q.Enqueue(ring.Handle(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	q.Drain()
	for i := range 8 {
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("drained dequeue %d: %v", i, err)
		}
	}
}

func TestMPMCConcurrentProducersConsumers(t *testing.T) {
	if ring.RaceEnabled {
		t.Skip("skipping concurrent test with race detector")
	}

	q := ring.NewMPMC(256)
	const producers = 4
	const consumers = 4
	const itemsPerProducer = 500

	var wg sync.WaitGroup
	var totalEnqueued atomix.Int64
	for p := range producers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			backoff := iox.Backoff{}
			base := ring.Handle(id * itemsPerProducer)
			deadline := time.Now().Add(5 * time.Second)
			for i := range itemsPerProducer {
				for q.Enqueue(base+ring.Handle(i)) != nil {
					if time.Now().After(deadline) {
						return
					}
					backoff.Wait()
				}
				backoff.Reset()
				totalEnqueued.Add(1)
			}
		}(p)
	}

	var totalDequeued atomix.Int64
	var cwg sync.WaitGroup
	stop := make(chan struct{})
	for range consumers {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			backoff := iox.Backoff{}
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := q.Dequeue(); err == nil {
					totalDequeued.Add(1)
					backoff.Reset()
				} else {
					backoff.Wait()
				}
			}
		}()
	}

	wg.Wait()
	waitBackoff := iox.Backoff{}
	deadline := time.Now().Add(5 * time.Second)
	for totalDequeued.Load() < producers*itemsPerProducer {
		if time.Now().After(deadline) {
			break
		}
		waitBackoff.Wait()
	}
	close(stop)
	cwg.Wait()

	if got := totalDequeued.Load(); got != producers*itemsPerProducer {
		t.Fatalf("dequeued %d, want %d", got, producers*itemsPerProducer)
	}
}

func TestMPMCImplementsRing(t *testing.T) {
	var _ ring.Ring = ring.NewMPMC(8)
}
