// Package job implements the lifecycle of one child experiment: its static
// configuration, process handle, progress stats, and the state machine
// described in spec.md §3/§4.6 (Pending is modeled by the scheduler's
// workqueue; a Job itself only knows NORMAL/BLOCKED/DONE).
package job

import (
	"sync"
	"time"

	"github.com/concheck/ppdriver/internal/childio"
	"github.com/concheck/ppdriver/internal/ppset"
)

// State is one of the three driver-side states a spawned Job can be in.
// Pending/Running/Deprioritized (spec.md §3 "Workqueue") are queue
// placements the scheduler tracks; State here tracks only what the job
// itself observes about its own child dialog.
type State int

const (
	// StateNormal is running and exchanging messages normally.
	StateNormal State = iota
	// StateBlocked means the child acknowledged SUSPEND; the job occupies no
	// CPU and sits in the scheduler's Deprioritized queue.
	StateBlocked
	// StateDone means the child has exited and the job will not run again.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateBlocked:
		return "BLOCKED"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Config is a job's static configuration: everything fixed at construction
// time (spec.md §3 "Static").
type Config struct {
	JobID          uint32
	PPSet          ppset.Set
	Generation     int
	Reproduce      bool
	AvoidRecompile bool
	Verbose        bool
	NumCPUs        int
	TimeoutUsecs   uint64
	ProgramName    string
	Args           []string
	Env            []string
	WorkDir        string
}

// Stats is the mutable per-job progress snapshot. Writer is the job's own
// worker goroutine; readers are the scheduler and the display goroutine,
// guarded by Job.statsMu (spec.md §3 "Stats").
type Stats struct {
	ElapsedBranches    int
	Proportion         float64 // in [0,1]
	ElapsedUsecs       uint64
	TotalEstimateUsecs uint64
	ETAUsecs           float64 // numeric ETA for comparisons; -1 means unstable
	ICBPreemptionCount int
	ICBBound           int
	CPUTimeUsecs       uint64
}

// EtaThresholdDefault is the default minimum elapsed-branches count before
// an ETA is trusted enough to deprioritize on (spec.md §4.6).
const EtaThresholdDefault = 32

// Job is one admitted child experiment. Jobs hold no back-pointer to the
// scheduler (spec.md §9); the scheduler indexes them by id.
type Job struct {
	Config Config

	etaThreshold int

	lifecycleMu sync.Mutex
	doneCond    *sync.Cond
	blockedCond *sync.Cond

	state       State
	cancelled   bool
	complete    bool
	timedOut    bool
	killJob     bool
	needRerun   bool
	bugFoundAt  time.Time
	bugFoundCPU uint64
	traceFile   string

	statsMu sync.RWMutex
	stats   Stats

	Proc *childio.Process
}

// New constructs a Job in state NORMAL, ready for the scheduler to spawn its
// child process. etaThreshold of 0 selects EtaThresholdDefault.
func New(cfg Config, etaThreshold int) *Job {
	if etaThreshold <= 0 {
		etaThreshold = EtaThresholdDefault
	}
	j := &Job{
		Config:       cfg,
		etaThreshold: etaThreshold,
		stats:        Stats{ETAUsecs: -1},
	}
	j.doneCond = sync.NewCond(&j.lifecycleMu)
	j.blockedCond = sync.NewCond(&j.lifecycleMu)
	return j
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.state
}

// Cancel marks the job cancelled. Observed cooperatively by the job's
// worker at its next messaging checkpoint (spec.md §4.6 "Cancellation").
func (j *Job) Cancel() {
	j.lifecycleMu.Lock()
	j.cancelled = true
	j.lifecycleMu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.cancelled
}

// MarkTimedOut sets timedOut then cancelled, per spec.md §5's "Timeouts are
// modelled the same way" as cancellation.
func (j *Job) MarkTimedOut() {
	j.lifecycleMu.Lock()
	j.timedOut = true
	j.cancelled = true
	j.lifecycleMu.Unlock()
}

// TimedOut reports whether the job was cancelled via a deadline.
func (j *Job) TimedOut() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.timedOut
}

// MarkKillJob flags that the job's child resources could not be cleanly
// established (spec.md §7 "OS resource error") and should be disposed of
// without further retries.
func (j *Job) MarkKillJob() {
	j.lifecycleMu.Lock()
	j.killJob = true
	j.lifecycleMu.Unlock()
}

// KillJob reports whether MarkKillJob was called.
func (j *Job) KillJob() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.killJob
}

// MarkNeedRerun flags that the child crashed before producing useful state
// (spec.md §7 "Child crash").
func (j *Job) MarkNeedRerun() {
	j.lifecycleMu.Lock()
	j.needRerun = true
	j.lifecycleMu.Unlock()
}

// NeedRerun reports whether MarkNeedRerun was called.
func (j *Job) NeedRerun() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.needRerun
}

// Suspend transitions a NORMAL job to BLOCKED once the child has
// acknowledged a SUSPEND request, and wakes anyone waiting in WaitOnJob.
func (j *Job) Suspend() {
	j.lifecycleMu.Lock()
	j.state = StateBlocked
	j.doneCond.Broadcast()
	j.blockedCond.Broadcast()
	j.lifecycleMu.Unlock()
}

// WaitOnJob blocks until the job becomes BLOCKED or DONE, returning the
// state reached (spec.md §4.6 "wait_on_job"). Called by the scheduler, not
// by the job's own worker goroutine.
func (j *Job) WaitOnJob() State {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	for j.state == StateNormal {
		j.doneCond.Wait()
	}
	return j.state
}

// WaitWhileBlocked blocks until the job leaves BLOCKED (via Resume back to
// NORMAL, or MarkDone on a timeout while suspended), returning the state
// reached. Called by the job's own worker goroutine after it has suspended
// itself, to wait for the scheduler's eventual decision.
func (j *Job) WaitWhileBlocked() State {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	for j.state == StateBlocked {
		j.blockedCond.Wait()
	}
	return j.state
}

// Resume flips a BLOCKED job back to NORMAL. It is an error (silently
// ignored, per the cooperative model) to call Resume on a job that is not
// BLOCKED (spec.md §4.6 "resume_job requires the job to be in the blocked
// state").
func (j *Job) Resume() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	if j.state != StateBlocked {
		return false
	}
	j.state = StateNormal
	j.blockedCond.Broadcast()
	return true
}

// MarkDone transitions the job to DONE, records whether it completed
// cleanly, and broadcasts the done condition. Once complete is set, no
// stats fields are permitted to change again (spec.md §8 invariant 4).
func (j *Job) MarkDone(complete bool) {
	j.lifecycleMu.Lock()
	j.state = StateDone
	j.complete = complete
	j.doneCond.Broadcast()
	j.blockedCond.Broadcast()
	j.lifecycleMu.Unlock()
}

// Complete reports whether the job's child terminated normally (not
// crashed, timed out, or cancelled mid-flight).
func (j *Job) Complete() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.complete
}

// SetBugFound records the bug-discovery timestamp, CPU time, and trace
// filename on the job (spec.md §3 "bug-found timestamp and CPU-time").
func (j *Job) SetBugFound(traceFile string, cpuUsecs uint64) {
	j.lifecycleMu.Lock()
	j.bugFoundAt = time.Now()
	j.bugFoundCPU = cpuUsecs
	j.traceFile = traceFile
	j.lifecycleMu.Unlock()
}

// TraceFilename returns the trace file recorded by SetBugFound, or "" if no
// bug was found.
func (j *Job) TraceFilename() string {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.traceFile
}

// UpdateProgress folds one PROGRESS sample into the job's stats (spec.md
// §4.5 PROGRESS handling) and recomputes the ETA heuristic:
//
//	ETA = elapsed * (1 - proportion) / proportion
//
// stable only once ElapsedBranches >= the job's etaThreshold. Until stable,
// ETAUsecs reads as -1, which every comparator treats as "worse than any
// finite ETA" (spec.md §4.6 "compare_job_eta").
func (j *Job) UpdateProgress(branches int, proportion float64, elapsedUsecs, totalEstUsecs uint64, icbCount, icbBound int) {
	j.statsMu.Lock()
	defer j.statsMu.Unlock()
	j.stats.ElapsedBranches = branches
	j.stats.Proportion = proportion
	j.stats.ElapsedUsecs = elapsedUsecs
	j.stats.TotalEstimateUsecs = totalEstUsecs
	j.stats.ICBPreemptionCount = icbCount
	j.stats.ICBBound = icbBound

	if branches < j.etaThreshold || proportion <= 0 {
		j.stats.ETAUsecs = -1
		return
	}
	j.stats.ETAUsecs = float64(elapsedUsecs) * (1 - proportion) / proportion
}

// SetCPUTime records the job's current accounted CPU time.
func (j *Job) SetCPUTime(usecs uint64) {
	j.statsMu.Lock()
	j.stats.CPUTimeUsecs = usecs
	j.statsMu.Unlock()
}

// Stats returns a snapshot copy of the job's current progress stats.
func (j *Job) Stats() Stats {
	j.statsMu.RLock()
	defer j.statsMu.RUnlock()
	return j.stats
}

// Stable reports whether the job's ETA is trustworthy yet.
func (j *Job) Stable() bool {
	j.statsMu.RLock()
	defer j.statsMu.RUnlock()
	return j.stats.ETAUsecs >= 0
}

// ETA returns the job's latest numeric ETA in microseconds, and whether it
// is stable. An unstable ETA reads as a sentinel -1 and must compare as
// worse than any stable, finite ETA (spec.md §4.6).
func (j *Job) ETA() (float64, bool) {
	j.statsMu.RLock()
	defer j.statsMu.RUnlock()
	return j.stats.ETAUsecs, j.stats.ETAUsecs >= 0
}

// ShouldDeprioritize reports whether, given the current time remaining and
// the scheduler's eta factor, this job has earned a SUSPEND (spec.md §4.6
// "ETA-based deprioritization"): its ETA must be stable and exceed
// etaFactor * remainingUsecs.
func (j *Job) ShouldDeprioritize(etaFactor float64, remainingUsecs uint64) bool {
	eta, stable := j.ETA()
	if !stable {
		return false
	}
	return eta > etaFactor*float64(remainingUsecs)
}

// CompareETA implements compare_job_eta(j0, j1): a negative result means j
// should be preferred for resumption ahead of other (i.e. j has the smaller
// ETA). A job whose ETA is not yet stable compares as greater than (worse
// than) any stable ETA; ties are broken by generation, ascending.
func (j *Job) CompareETA(other *Job) int {
	aETA, aStable := j.ETA()
	bETA, bStable := other.ETA()

	switch {
	case aStable && !bStable:
		return -1
	case !aStable && bStable:
		return 1
	case !aStable && !bStable:
		return compareInt(j.Config.Generation, other.Config.Generation)
	}

	switch {
	case aETA < bETA:
		return -1
	case aETA > bETA:
		return 1
	default:
		return compareInt(j.Config.Generation, other.Config.Generation)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
