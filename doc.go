// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sched is a scalable, work-stealing-free event scheduler: a
// fixed set of priority-ordered, group-scoped queues dispatched to
// worker threads under one of three synchronization disciplines
// (parallel, atomic, ordered), plus a registry for polling external
// I/O interfaces that don't enqueue events themselves.
//
// # Quick Start
//
//	sch := sched.NewScheduler(sched.NewConfig().Build())
//	w := sch.Attach(sched.ThreadWorker)
//
//	qh, err := sch.QueueCreate(sched.QueueParams{
//		Sync:     sched.SyncAtomic,
//		Priority: 0,
//		Group:    sched.GroupWorker,
//	})
//	if err != nil {
//		// handle
//	}
//	sch.EnqueueQueue(qh, []ring.Handle{1, 2, 3})
//
//	for {
//		q, events := w.Schedule(32, sched.NoWait)
//		if q == nil {
//			continue
//		}
//		process(events)
//	}
//
// # Sync Selection
//
// Pick the loosest discipline the workload allows:
//
//   - [SyncParallel]: independent events, no cross-event relationship.
//     Cheapest; any number of workers may drain the same queue.
//   - [SyncAtomic]: events that share mutable state the application
//     would otherwise have to lock itself (a per-flow counter, a
//     session object). One worker at a time, held until release.
//   - [SyncOrdered]: events whose processing order must be visible at
//     an ordered destination (packet forwarding, log replay) even
//     though multiple workers process them concurrently.
//
// # Thread Safety
//
// Every exported method on [Scheduler] is safe for concurrent use by
// multiple goroutines. A [Worker] returned by [Scheduler.Attach] is
// NOT: it is meant to be driven by exactly one goroutine at a time,
// matching one hardware or logical thread in the reference design this
// package is modeled on.
//
// # Graceful Shutdown
//
// Call [Worker.Pause] to have a worker stop picking up new work; its
// next [Worker.Schedule] call releases any held atomic/ordered context
// and returns immediately. [Scheduler.Detach] does the same before
// removing the worker from every group it had joined.
//
// # Error Handling
//
// Lifecycle and configuration failures are reported as [*Error], whose
// [ErrKind] callers can switch on. Transient conditions inside internal
// retry points are never surfaced as errors to [Worker.Schedule] — a
// lack of work is a nil queue, not an error. [IsWouldBlock] and
// [IsSemantic] are exported as thin wrappers over the iox classifiers;
// [Scheduler.EnqueueQueue] reports a full ring as a short count rather
// than an error.
//
// # Dependencies
//
// Atomics are code.hybscloud.com/atomix, bounded backoff is
// code.hybscloud.com/spin, and the queues' ring buffers
// (internal/ring) share their SCQ-derived algorithm and
// code.hybscloud.com/iox error sentinels with this module's sibling
// lock-free queue library.
package sched
