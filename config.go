// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sched

// Default configuration values, mirroring the reference scheduler's
// compile-time constants.
const (
	DefaultPriorities      = 8
	DefaultGroupCapacity   = 256
	DefaultWRRWeight       = 64
	DefaultXFactor         = 4
	DefaultOrderedLocks    = 2
	DefaultOrderedStash    = 512
	DefaultBurstSize       = 32
	maxPriorities          = 8
	maxOrderedLocksPerQueue = 2
)

// MaxOrderedLocks is max_ordered_locks(): the maximum number of named
// order locks supported per ordered queue, regardless of how many a
// particular queue was configured with.
func MaxOrderedLocks() int { return maxOrderedLocksPerQueue }

// Config holds the scheduler's init-time configuration. It is
// constructed with [NewConfig] and a chain of fluent setters, then
// consumed by [NewScheduler] — mirroring the builder pattern used
// throughout this module's ring buffers, but for a single composite
// object instead of algorithm selection.
//
// Example:
//
//	sch := sched.NewScheduler(sched.NewConfig().
//		Priorities(8).
//		GroupCapacity(256).
//		WRRWeight(64).
//		Build())
type Config struct {
	priorities       int
	groupCapacity    int
	wrrWeight        uint16
	defaultXFactor   uint32
	orderedLocks     int
	orderedStashSize int
	burstSize        int
	splitProdCons    bool
	useQschstLock    bool
	processMode      bool
}

// ConfigBuilder configures a [Config] with fluent setters. The builder
// returned by [NewConfig] carries every documented default; a zero
// ConfigBuilder does not.
type ConfigBuilder struct {
	cfg Config
}

// NewConfig returns a builder pre-loaded with the reference defaults
// (8 priorities, 256 groups, WRR weight 64, xfactor 4, 2 ordered locks
// per queue, a 512-entry reorder stash, and a 32-event burst cap).
func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		priorities:       DefaultPriorities,
		groupCapacity:    DefaultGroupCapacity,
		wrrWeight:        DefaultWRRWeight,
		defaultXFactor:   DefaultXFactor,
		orderedLocks:     DefaultOrderedLocks,
		orderedStashSize: DefaultOrderedStash,
		burstSize:        DefaultBurstSize,
	}}
}

// Priorities sets the number of priority levels. Panics outside
// [1, 8] — the per-priority tables of groups and workers are sized
// for at most 8 priorities.
func (b *ConfigBuilder) Priorities(n int) *ConfigBuilder {
	if n < 1 || n > maxPriorities {
		panic("sched: priorities must be in [1, 8]")
	}
	b.cfg.priorities = n
	return b
}

// GroupCapacity sets the maximum number of concurrently live schedule
// groups.
func (b *ConfigBuilder) GroupCapacity(n int) *ConfigBuilder {
	if n < 1 {
		panic("sched: group capacity must be >= 1")
	}
	b.cfg.groupCapacity = n
	return b
}

// WRRWeight sets the number of events a worker drains from one queue
// before rotating to the next, per lane visit.
func (b *ConfigBuilder) WRRWeight(w uint16) *ConfigBuilder {
	if w == 0 {
		panic("sched: WRR weight must be >= 1")
	}
	b.cfg.wrrWeight = w
	return b
}

// XFactor sets the lane spread used for a group created with no
// threads yet wanted.
func (b *ConfigBuilder) XFactor(x uint32) *ConfigBuilder {
	if x == 0 {
		panic("sched: default xfactor must be >= 1")
	}
	b.cfg.defaultXFactor = x
	return b
}

// OrderedLocksPerQueue sets the upper bound on named order locks per
// ordered queue. Panics outside [1, 2] — the reorder window's olock
// array is fixed-size.
func (b *ConfigBuilder) OrderedLocksPerQueue(n int) *ConfigBuilder {
	if n < 1 || n > maxOrderedLocksPerQueue {
		panic("sched: ordered locks per queue must be in [1, 2]")
	}
	b.cfg.orderedLocks = n
	return b
}

// OrderedStashSize sets the maximum number of deferred enqueue calls
// (each one destination plus its events) a reorder context will stash
// before forcing a worker to wait in order.
func (b *ConfigBuilder) OrderedStashSize(n int) *ConfigBuilder {
	if n < 1 {
		panic("sched: ordered stash size must be >= 1")
	}
	b.cfg.orderedStashSize = n
	return b
}

// BurstSize sets the per-dequeue batch cap handed back from Schedule.
func (b *ConfigBuilder) BurstSize(n int) *ConfigBuilder {
	if n < 1 {
		panic("sched: burst size must be >= 1")
	}
	b.cfg.burstSize = n
	return b
}

// SplitProdCons records whether a queue's producer and consumer
// metadata should sit on separate cache lines. The value is stored on
// the Config only: nothing reads it, and queue layout is the same
// either way.
func (b *ConfigBuilder) SplitProdCons(v bool) *ConfigBuilder {
	b.cfg.splitProdCons = v
	return b
}

// UseQschstLock records whether the per-queue scheduler-state CAS loop
// should be replaced with a ticket lock. The value is stored on the
// Config only: nothing reads it, and qschst updates always use the CAS
// loop.
func (b *ConfigBuilder) UseQschstLock(v bool) *ConfigBuilder {
	b.cfg.useQschstLock = v
	return b
}

// ProcessMode launches workers as processes rather than goroutines.
// Recorded for parity with the reference configuration surface but not
// wired to anything: this module schedules within one process, and
// cross-process worker placement is out of scope.
func (b *ConfigBuilder) ProcessMode(v bool) *ConfigBuilder {
	b.cfg.processMode = v
	return b
}

// Build finalizes the configuration.
func (b *ConfigBuilder) Build() Config {
	return b.cfg
}
