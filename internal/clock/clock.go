// Package clock implements the time oracle: monotonic wall-clock and
// per-CPU accounting, and deadline arithmetic, mirroring id/time.h.
package clock

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Oracle tracks the driver's wall-clock budget and per-CPU busy intervals.
// One Oracle is constructed per driver run and shared by reference with the
// scheduler and every job.
type Oracle struct {
	mu        sync.Mutex
	start     time.Time
	maxUsecs  uint64
	cpuBusy   []time.Time // non-zero start time means CPU i is currently in use
	cpuAccum  []time.Duration
}

// Start records the epoch and the time/CPU budget for this run. It must be
// called exactly once before Elapsed/Remaining are meaningful.
func (o *Oracle) Start(maxUsecs uint64, numCPUs int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.start = time.Now()
	o.maxUsecs = maxUsecs
	o.cpuBusy = make([]time.Time, numCPUs)
	o.cpuAccum = make([]time.Duration, numCPUs)
}

// Elapsed returns the wall-clock microseconds since Start.
func (o *Oracle) Elapsed() uint64 {
	o.mu.Lock()
	start := o.start
	o.mu.Unlock()
	return uint64(time.Since(start).Microseconds())
}

// Remaining returns the wall-clock microseconds left in the budget; zero
// once the deadline has been reached.
func (o *Oracle) Remaining() uint64 {
	elapsed := o.Elapsed()
	o.mu.Lock()
	budget := o.maxUsecs
	o.mu.Unlock()
	if elapsed >= budget {
		return 0
	}
	return budget - elapsed
}

// TimeUp reports whether the deadline has been reached.
func (o *Oracle) TimeUp() bool {
	return o.Remaining() == 0
}

// StartUsingCPU brackets the beginning of a period during which a running
// child occupies CPU i. Reentrancy on the same CPU is forbidden; callers
// (the scheduler) are responsible for only admitting one job per CPU slot.
func (o *Oracle) StartUsingCPU(i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cpuBusy[i] = time.Now()
}

// StopUsingCPU closes the interval opened by StartUsingCPU, folding the
// elapsed duration into the CPU's running total.
func (o *Oracle) StopUsingCPU(i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cpuBusy[i].IsZero() {
		return
	}
	o.cpuAccum[i] += time.Since(o.cpuBusy[i])
	o.cpuBusy[i] = time.Time{}
}

// TotalCPUTime returns the sum, across all CPUs, of their active intervals
// in microseconds; open intervals count through now.
func (o *Oracle) TotalCPUTime() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var total time.Duration
	for i, accum := range o.cpuAccum {
		total += accum
		if !o.cpuBusy[i].IsZero() {
			total += time.Since(o.cpuBusy[i])
		}
	}
	return uint64(total.Microseconds())
}

// FriendlyTime is the decomposed years/days/hours/minutes/seconds
// rendering of a microsecond duration, with a distinguished Inf state used
// when an ETA estimator hasn't stabilized.
type FriendlyTime struct {
	Years, Days, Hours, Mins, Secs uint64
	Inf                            bool
}

// HumanFriendlyTime decomposes usecs into the struct above. A negative or
// non-finite input (used by callers representing an unstable ETA) yields
// Inf=true.
func HumanFriendlyTime(usecs float64) FriendlyTime {
	if usecs < 0 || math.IsNaN(usecs) || math.IsInf(usecs, 0) {
		return FriendlyTime{Inf: true}
	}
	secsTotal := uint64(usecs / 1e6)
	var h FriendlyTime
	h.Years, secsTotal = secsTotal/(365*24*3600), secsTotal%(365*24*3600)
	h.Days, secsTotal = secsTotal/(24*3600), secsTotal%(24*3600)
	h.Hours, secsTotal = secsTotal/3600, secsTotal%3600
	h.Mins, secsTotal = secsTotal/60, secsTotal%60
	h.Secs = secsTotal
	return h
}

// String renders the human-friendly time, e.g. "1d2h3m4s" or "inf".
func (h FriendlyTime) String() string {
	if h.Inf {
		return "inf"
	}
	switch {
	case h.Years > 0:
		return fmt.Sprintf("%dy%dd%dh%dm%ds", h.Years, h.Days, h.Hours, h.Mins, h.Secs)
	case h.Days > 0:
		return fmt.Sprintf("%dd%dh%dm%ds", h.Days, h.Hours, h.Mins, h.Secs)
	case h.Hours > 0:
		return fmt.Sprintf("%dh%dm%ds", h.Hours, h.Mins, h.Secs)
	case h.Mins > 0:
		return fmt.Sprintf("%dm%ds", h.Mins, h.Secs)
	default:
		return fmt.Sprintf("%ds", h.Secs)
	}
}
