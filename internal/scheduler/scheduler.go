// Package scheduler implements the global work scheduler (spec.md §4.7):
// the pending/running/deprioritized workqueue, CPU admission, ETA-based
// deprioritization, deadline enforcement, and the periodic display thread.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/concheck/ppdriver/internal/bugs"
	"github.com/concheck/ppdriver/internal/clock"
	"github.com/concheck/ppdriver/internal/job"
	"github.com/concheck/ppdriver/internal/ppset"
)

// Options configures a Scheduler for one driver run.
type Options struct {
	NumCPUs          int
	ProgressInterval time.Duration
	EtaFactor        float64
	EtaThreshold     int
	ProgramName      string
	ExtraArgs        []string
	ExtraEnv         []string
	WorkDir          string // where per-job config files are rendered
	FifoDir          string // where per-job FIFOs and logs are created
	TraceDir         string // where bug traces are relocated
	LeaveLogs        bool
	Clock            *clock.Oracle
	Registry         *bugs.Registry
	Logger           log.Logger
}

// Scheduler owns the three workqueues described in spec.md §3 and
// coordinates per-job goroutines under a single global mutex (spec.md §4.7,
// §5 lock order: workqueue mutex before any job lock).
type Scheduler struct {
	opts Options
	log  log.Logger

	mu            sync.Mutex
	pending       []*job.Job
	deprioritized []*job.Job
	running       map[uint32]*job.Job
	allJobs       map[uint32]*job.Job
	freeCPU       []int // stack of free CPU slot indices
	nextJobID     uint32
	shuttingDown  bool
	deadlineHit   bool

	wg          sync.WaitGroup
	displayStop chan struct{}
	displayDone chan struct{}

	jobCPUStart   map[uint32]time.Time
	runningCPUIdx map[uint32]int
}

// New constructs a Scheduler ready to accept AddWork calls. Call Start to
// begin running admitted jobs.
func New(opts Options) *Scheduler {
	if opts.EtaThreshold <= 0 {
		opts.EtaThreshold = job.EtaThresholdDefault
	}
	if opts.EtaFactor <= 0 {
		opts.EtaFactor = 2.0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Scheduler{
		opts:        opts,
		log:         logger.Named("scheduler"),
		running:       make(map[uint32]*job.Job),
		allJobs:       make(map[uint32]*job.Job),
		jobCPUStart:   make(map[uint32]time.Time),
		runningCPUIdx: make(map[uint32]int),
	}
	for i := 0; i < opts.NumCPUs; i++ {
		s.freeCPU = append(s.freeCPU, i)
	}
	return s
}

// AddWork inserts a new job for config into Pending and wakes the
// dispatcher (spec.md §4.7 "add_work"). It returns the constructed Job.
func (s *Scheduler) AddWork(cfg ppset.Set, generation int, reproduce bool) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextJobID
	s.nextJobID++

	jcfg := job.Config{
		JobID:        id,
		PPSet:        ppset.Clone(cfg),
		Generation:   generation,
		Reproduce:    reproduce,
		NumCPUs:      s.opts.NumCPUs,
		TimeoutUsecs: 0,
		ProgramName:  s.opts.ProgramName,
		Args:         append([]string(nil), s.opts.ExtraArgs...),
		Env:          append([]string(nil), s.opts.ExtraEnv...),
		WorkDir:      s.opts.WorkDir,
	}
	j := job.New(jcfg, s.opts.EtaThreshold)

	if s.opts.Registry != nil && s.opts.Registry.BugAlreadyFound(cfg) {
		// spec.md §4.6 "admit": if bug_already_found becomes true anywhere
		// on the way, cancelled is set and the job is disposed without
		// spawning.
		j.Cancel()
		j.MarkDone(false)
		s.allJobs[id] = j
		s.log.Debug("job pruned before admission", "job", id, "config", cfg.String())
		return j
	}

	s.allJobs[id] = j
	s.pending = append(s.pending, j)
	s.sortPendingLocked()
	s.dispatchLocked()
	return j
}

// sortPendingLocked orders Pending by (generation ascending, priority
// descending) per spec.md §3 "Workqueue".
func (s *Scheduler) sortPendingLocked() {
	sort.SliceStable(s.pending, func(i, k int) bool {
		a, b := s.pending[i], s.pending[k]
		if a.Config.Generation != b.Config.Generation {
			return a.Config.Generation < b.Config.Generation
		}
		return a.Config.PPSet.Priority() > b.Config.PPSet.Priority()
	})
}

// sortDeprioritizedLocked orders Deprioritized by ETA ascending so the
// smallest-ETA job is resumed first (spec.md §3 "Workqueue").
func (s *Scheduler) sortDeprioritizedLocked() {
	sort.SliceStable(s.deprioritized, func(i, k int) bool {
		return s.deprioritized[i].CompareETA(s.deprioritized[k]) < 0
	})
}

// popAdmissiblePendingLocked removes and returns the best Pending candidate
// not already rendered redundant by the bug registry, pruning (cancelling,
// without spawning) any bug-superset jobs it passes over. Returns nil if no
// admissible candidate exists.
func (s *Scheduler) popAdmissiblePendingLocked() *job.Job {
	s.sortPendingLocked()
	kept := s.pending[:0]
	var chosen *job.Job
	for _, j := range s.pending {
		if chosen == nil && !s.bugSupersetLocked(j) {
			chosen = j
			continue
		}
		if s.bugSupersetLocked(j) {
			j.Cancel()
			j.MarkDone(false)
			continue
		}
		kept = append(kept, j)
	}
	s.pending = kept
	return chosen
}

// popBestDeprioritizedLocked removes and returns the smallest-ETA
// Deprioritized job not rendered redundant by the bug registry, pruning any
// bug-superset job it passes over. Returns nil if none remain.
func (s *Scheduler) popBestDeprioritizedLocked() *job.Job {
	s.sortDeprioritizedLocked()
	kept := s.deprioritized[:0]
	var chosen *job.Job
	for _, j := range s.deprioritized {
		if chosen == nil && !s.bugSupersetLocked(j) {
			chosen = j
			continue
		}
		if s.bugSupersetLocked(j) {
			j.Cancel()
			j.MarkDone(false)
			continue
		}
		kept = append(kept, j)
	}
	s.deprioritized = kept
	return chosen
}

func (s *Scheduler) bugSupersetLocked(j *job.Job) bool {
	if s.opts.Registry == nil {
		return false
	}
	return s.opts.Registry.BugAlreadyFound(j.Config.PPSet)
}

// dispatchLocked admits as much work as there are free CPU slots: preferring
// (a) a Pending job, lowest generation then highest priority, not a bug
// superset; (b) a Deprioritized job with lowest ETA; (c) idle (spec.md §4.6
// "Admission").
func (s *Scheduler) dispatchLocked() {
	for len(s.freeCPU) > 0 {
		if j := s.popAdmissiblePendingLocked(); j != nil {
			s.admitLocked(j)
			continue
		}
		if j := s.popBestDeprioritizedLocked(); j != nil {
			s.resumeLocked(j)
			continue
		}
		break
	}
}

func (s *Scheduler) admitLocked(j *job.Job) {
	idx := s.freeCPU[len(s.freeCPU)-1]
	s.freeCPU = s.freeCPU[:len(s.freeCPU)-1]
	s.running[j.Config.JobID] = j
	s.runningCPUIdx[j.Config.JobID] = idx
	if s.opts.Clock != nil {
		s.opts.Clock.StartUsingCPU(idx)
	}
	s.jobCPUStart[j.Config.JobID] = time.Now()
	s.wg.Add(1)
	go s.runJob(j, idx)
}

func (s *Scheduler) resumeLocked(j *job.Job) {
	idx := s.freeCPU[len(s.freeCPU)-1]
	s.freeCPU = s.freeCPU[:len(s.freeCPU)-1]
	s.running[j.Config.JobID] = j
	s.runningCPUIdx[j.Config.JobID] = idx
	if s.opts.Clock != nil {
		s.opts.Clock.StartUsingCPU(idx)
	}
	s.jobCPUStart[j.Config.JobID] = time.Now()
	j.Resume()
}

// freeCPULocked returns a CPU slot to the free pool and wakes the
// dispatcher.
func (s *Scheduler) freeCPULocked(idx int) {
	if s.opts.Clock != nil {
		s.opts.Clock.StopUsingCPU(idx)
	}
	s.freeCPU = append(s.freeCPU, idx)
}

// jobCPUStartLocked returns when jobID's current CPU-occupied interval
// began. Unlike the other *Locked helpers it takes s.mu itself, so callers
// must not hold it.
func (s *Scheduler) jobCPUStartLocked(jobID uint32) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.jobCPUStart[jobID]
	return t, ok
}

// finalizeJob releases a job's CPU slot (if it still holds one -- a job
// that was suspended and never resumed before the deadline already freed
// its slot in maybeDeprioritize), removes it from Running/Deprioritized,
// marks it Done, and wakes the dispatcher so the vacancy can be reused.
func (s *Scheduler) finalizeJob(j *job.Job, complete bool) {
	s.mu.Lock()
	if idx, ok := s.runningCPUIdx[j.Config.JobID]; ok {
		s.freeCPULocked(idx)
		delete(s.runningCPUIdx, j.Config.JobID)
	}
	delete(s.running, j.Config.JobID)
	delete(s.jobCPUStart, j.Config.JobID)
	kept := s.deprioritized[:0]
	for _, d := range s.deprioritized {
		if d.Config.JobID != j.Config.JobID {
			kept = append(kept, d)
		}
	}
	s.deprioritized = kept
	s.dispatchLocked()
	s.mu.Unlock()

	if j.Proc != nil {
		j.Proc.Close()
	}
	j.MarkDone(complete)
}

// Start launches the scheduler's per-CPU admission (driven by dispatchLocked
// whenever work is added or a slot frees) and the display goroutine that
// prints per-job stats every ProgressInterval (spec.md §4.7 "start_work").
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.dispatchLocked()
	s.mu.Unlock()

	s.displayStop = make(chan struct{})
	s.displayDone = make(chan struct{})
	go s.displayLoop()
}

// displayLoop prints one progress line per running/deprioritized job every
// ProgressInterval, taking only per-job read locks -- never the workqueue
// mutex while printing (spec.md §4.7).
func (s *Scheduler) displayLoop() {
	defer close(s.displayDone)
	interval := s.opts.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.printProgress()
		case <-s.displayStop:
			return
		}
	}
}

func (s *Scheduler) printProgress() {
	s.mu.Lock()
	snapshot := make([]*job.Job, 0, len(s.running)+len(s.deprioritized))
	for _, j := range s.running {
		snapshot = append(snapshot, j)
	}
	snapshot = append(snapshot, s.deprioritized...)
	s.mu.Unlock()

	for _, j := range snapshot {
		st := j.Stats()
		state := j.State()
		eta := "inf"
		if e, stable := j.ETA(); stable {
			eta = clock.HumanFriendlyTime(e).String()
		}
		s.log.Info(fmt.Sprintf("[%d %d] %s — %.1f%% (%d) ETA=%s elapsed=%s state=%s",
			j.Config.JobID, j.Config.Generation, j.Config.PPSet.String(),
			st.Proportion*100, st.ElapsedBranches, eta,
			clock.HumanFriendlyTime(float64(st.ElapsedUsecs)).String(), state))
	}
}

// WaitToFinishWork blocks until every queue is empty, or the deadline
// arrives, whichever is first (spec.md §4.7 "wait_to_finish_work"). On
// deadline, ABORT is signalled to every live job.
func (s *Scheduler) WaitToFinishWork(deadline <-chan time.Time) {
	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()

	if deadline != nil {
		select {
		case <-idle:
		case <-deadline:
			s.abortAll()
			<-idle
		}
	} else {
		<-idle
	}

	if s.displayStop != nil {
		close(s.displayStop)
		<-s.displayDone
	}
}

// abortAll marks every Pending/Running/Deprioritized job cancelled-by-
// timeout and drains Pending without dispatching (spec.md §4.6 "timeout").
func (s *Scheduler) abortAll() {
	s.mu.Lock()
	s.shuttingDown = true
	s.deadlineHit = true
	for _, j := range s.pending {
		j.MarkTimedOut()
		j.MarkDone(false)
	}
	s.pending = nil
	live := make([]*job.Job, 0, len(s.running)+len(s.deprioritized))
	for _, j := range s.running {
		live = append(live, j)
	}
	for _, j := range s.deprioritized {
		live = append(live, j)
	}
	s.mu.Unlock()

	for _, j := range live {
		j.MarkTimedOut()
		if j.State() == job.StateBlocked {
			// The job's own goroutine is parked in WaitWhileBlocked; wake it
			// with DONE directly rather than RESUME, since the deadline has
			// already passed and the dialog must not continue.
			j.MarkDone(false)
		}
	}
}

// CancelSupersets cancels every Pending and Deprioritized job whose config
// is a superset of buggyConfig (spec.md §4.6 "bug found").
func (s *Scheduler) CancelSupersets(buggyConfig ppset.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0]
	for _, j := range s.pending {
		if ppset.Subset(buggyConfig, j.Config.PPSet) {
			j.Cancel()
			j.MarkDone(false)
			continue
		}
		kept = append(kept, j)
	}
	s.pending = kept

	keptD := s.deprioritized[:0]
	for _, j := range s.deprioritized {
		if ppset.Subset(buggyConfig, j.Config.PPSet) {
			j.Cancel()
			if j.State() == job.StateBlocked {
				// Its own goroutine is parked in WaitWhileBlocked (dialog.go);
				// only Resume or MarkDone wakes it, and it must not run again,
				// so wake it with DONE directly, as abortAll does for the
				// deadline case.
				j.MarkDone(false)
			}
			continue
		}
		keptD = append(keptD, j)
	}
	s.deprioritized = keptD

	for _, j := range s.running {
		if ppset.Subset(buggyConfig, j.Config.PPSet) {
			j.Cancel()
		}
	}
}

// Jobs returns every job ever admitted, by id, for reporting.
func (s *Scheduler) Jobs() map[uint32]*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]*job.Job, len(s.allJobs))
	for k, v := range s.allJobs {
		out[k] = v
	}
	return out
}
