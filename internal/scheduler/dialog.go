package scheduler

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/concheck/ppdriver/internal/childio"
	"github.com/concheck/ppdriver/internal/job"
	"github.com/concheck/ppdriver/internal/ppset"
	"github.com/concheck/ppdriver/internal/wire"
)

// runJob owns a job for its entire life: spawning its child, rendering its
// two config files, running the messaging dialog (spec.md §4.5), and
// finalizing it on exit, timeout, or cancellation. It is the sole reader and
// writer of the job's FIFO pair (spec.md §9 "do not multiplex multiple jobs
// onto a single reader").
func (s *Scheduler) runJob(j *job.Job, cpuIdx int) {
	_ = cpuIdx // CPU slot index is tracked by runningCPUIdx; kept for call-site symmetry with admitLocked/resumeLocked.
	defer s.wg.Done()

	logger := s.log.Named(fmt.Sprintf("job.%d", j.Config.JobID))

	staticCfg, err := job.WriteStaticConfig(s.opts.WorkDir, j.Config, "", "")
	if err != nil {
		logger.Error("render static config", "err", err)
		j.MarkKillJob()
		s.finalizeJob(j, false)
		return
	}
	dynamicCfg, err := job.WriteDynamicConfig(s.opts.WorkDir, j.Config)
	if err != nil {
		logger.Error("render dynamic config", "err", err)
		j.MarkKillJob()
		s.finalizeJob(j, false)
		return
	}

	proc, err := childio.Spawn(s.opts.FifoDir, j.Config.JobID, j.Config.ProgramName,
		j.Config.Args, j.Config.Env, staticCfg, dynamicCfg)
	if err != nil {
		logger.Error("spawn child", "err", err)
		j.MarkKillJob()
		s.finalizeJob(j, false)
		return
	}
	j.Proc = proc

	complete := s.dialog(j, proc, logger)

	// A non-zero exit without FOUND_A_BUG is a child crash (spec.md §7).
	var exitErr *exec.ExitError
	if err := proc.Cmd.Wait(); errors.As(err, &exitErr) && j.TraceFilename() == "" {
		logger.Warn("child crashed", "err", err)
		complete = false
	}

	if complete && j.TraceFilename() == "" && !s.opts.LeaveLogs {
		proc.RemoveLogs()
	}
	s.finalizeJob(j, complete)
}

// dialog runs the request/response exchange with one child until it exits,
// is cancelled, or the protocol breaks (spec.md §4.5). It returns whether
// the job completed its run without crashing or being aborted mid-flight.
func (s *Scheduler) dialog(j *job.Job, proc *childio.Process, logger interface {
	Info(string, ...interface{})
	Warn(string, ...interface{})
	Error(string, ...interface{})
	Debug(string, ...interface{})
}) bool {
	sawHello := false
	for {
		if j.Cancelled() {
			_ = wire.WriteMessage(proc.In, wire.TagAbort, nil)
			return false
		}

		tag, env, err := wire.ReadMessage(proc.Out)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawHello {
					// Protocol error: premature FIFO closure before HELLO
					// (spec.md §7). Not deemed buggy.
					logger.Warn("child exited before HELLO")
					return false
				}
				return true
			}
			logger.Warn("read message", "err", err)
			return false
		}

		switch tag {
		case wire.TagHello:
			var hello wire.Hello
			if err := env.Decode(&hello); err != nil {
				logger.Warn("malformed hello", "err", err)
				_ = wire.WriteMessage(proc.In, wire.TagAbort, nil)
				return false
			}
			sawHello = true
			logger.Debug("hello", "pid", hello.ChildPID, "version", hello.ProtocolVersion)

		case wire.TagProgress:
			var p wire.Progress
			if err := env.Decode(&p); err != nil {
				logger.Warn("malformed progress", "err", err)
				continue
			}
			j.UpdateProgress(p.ElapsedBranches, p.Proportion, p.ElapsedUsecs, p.TotalEstimateUsecs, p.ICBPreemptionCount, p.ICBBound)
			if start, ok := s.jobCPUStartLocked(j.Config.JobID); ok {
				j.SetCPUTime(uint64(time.Since(start).Microseconds()))
			}

			if s.checkSelfCancel(j) {
				_ = wire.WriteMessage(proc.In, wire.TagAbort, nil)
				return false
			}
			if s.maybeDeprioritize(j, proc, logger) == dialogAborted {
				return false
			}

		case wire.TagDataRace:
			var dr wire.DataRace
			if err := env.Decode(&dr); err != nil {
				logger.Warn("malformed data_race", "err", err)
				continue
			}
			s.handleDataRace(j, dr, logger)

		case wire.TagFoundABug:
			var fab wire.FoundABug
			if err := env.Decode(&fab); err != nil {
				logger.Warn("malformed found_a_bug", "err", err)
				continue
			}
			s.handleFoundABug(j, proc, fab, logger)

		case wire.TagAssertFail:
			var af wire.AssertFail
			if err := env.Decode(&af); err != nil {
				logger.Warn("malformed assert_fail", "err", err)
				continue
			}
			logger.Error("child assertion failure", "file", af.File, "line", af.Line, "func", af.Function, "msg", af.Message)
			// Reported as failed-but-not-a-found-bug (spec.md §4.5).
			return false

		case wire.TagShouldContinue:
			if j.Cancelled() {
				_ = wire.WriteMessage(proc.In, wire.TagAbort, nil)
				return false
			}
			_ = wire.WriteMessage(proc.In, wire.TagContinue, nil)

		default:
			logger.Error("unknown protocol tag", "tag", tag)
			_ = wire.WriteMessage(proc.In, wire.TagAbort, nil)
			return false
		}
	}
}

type dialogResult int

const (
	dialogContinue dialogResult = iota
	dialogAborted
)

// checkSelfCancel lets a running job notice, between messages, that its own
// config has become redundant with a bug found elsewhere meanwhile (spec.md
// §4.3 "periodically... by running jobs to self-cancel").
func (s *Scheduler) checkSelfCancel(j *job.Job) bool {
	if s.opts.Registry == nil {
		return false
	}
	if s.opts.Registry.BugAlreadyFound(j.Config.PPSet) {
		j.Cancel()
		return true
	}
	return false
}

// maybeDeprioritize implements spec.md §4.6's ETA-based deprioritization: if
// this job's ETA is stable and exceeds etaFactor*timeRemaining, and an
// admissible Pending job exists, SUSPEND it, wait for the child's
// quiescence ack, move it to Deprioritized, and block this goroutine until
// the scheduler later RESUMEs it (reusing this same goroutine and FIFO
// pair, per the "sole reader" invariant).
func (s *Scheduler) maybeDeprioritize(j *job.Job, proc *childio.Process, logger interface {
	Warn(string, ...interface{})
	Debug(string, ...interface{})
}) dialogResult {
	remaining := uint64(0)
	if s.opts.Clock != nil {
		remaining = s.opts.Clock.Remaining()
	}

	s.mu.Lock()
	hasAdmissiblePending := s.peekAdmissiblePendingLocked() != nil
	shouldSuspend := hasAdmissiblePending && j.ShouldDeprioritize(s.opts.EtaFactor, remaining)
	s.mu.Unlock()

	if !shouldSuspend {
		return dialogContinue
	}

	if err := wire.WriteMessage(proc.In, wire.TagSuspend, nil); err != nil {
		logger.Warn("write suspend", "err", err)
		return dialogAborted
	}

	tag, _, err := wire.ReadMessage(proc.Out)
	if err != nil || tag != wire.TagSuspended {
		logger.Warn("suspend handshake failed", "tag", tag, "err", err)
		return dialogAborted
	}

	// Mark BLOCKED before the job becomes visible in Deprioritized, so a
	// resume or prune issued by the dispatch pass below cannot be missed.
	j.Suspend()

	s.mu.Lock()
	delete(s.running, j.Config.JobID)
	s.deprioritized = append(s.deprioritized, j)
	if idx, ok := s.cpuIndexForLocked(j.Config.JobID); ok {
		s.freeCPULocked(idx)
		delete(s.runningCPUIdx, j.Config.JobID)
	}
	s.dispatchLocked()
	s.mu.Unlock()

	logger.Debug("deprioritized", "job", j.Config.JobID)

	// Blocks until the scheduler RESUMEs this job (back to NORMAL) or marks
	// it DONE out from under it (e.g. the deadline arrived while suspended).
	if j.WaitWhileBlocked() == job.StateDone {
		_ = wire.WriteMessage(proc.In, wire.TagAbort, nil)
		return dialogAborted
	}

	if err := wire.WriteMessage(proc.In, wire.TagResume, nil); err != nil {
		logger.Warn("write resume", "err", err)
		return dialogAborted
	}
	return dialogContinue
}

// handleDataRace records a newly discovered PP and, if new, enqueues a
// derived child configuration unioning it into the parent config at
// generation = parent + 1 (spec.md §4.5 "DATA_RACE").
func (s *Scheduler) handleDataRace(j *job.Job, dr wire.DataRace, logger interface {
	Debug(string, ...interface{})
}) {
	name := fmt.Sprintf("race@0x%x", dr.EIP)
	priority := int(ppset.PrioritySTI) + 1 // newly discovered PPs outrank the static priority classes
	racePP := ppset.NewRace(name, priority, j.Config.PPSet.Generation())
	derived := ppset.Union(j.Config.PPSet, racePP)
	s.mu.Lock()
	for _, existing := range s.allJobs {
		if ppset.Equal(existing.Config.PPSet, derived) {
			s.mu.Unlock()
			logger.Debug("data race already queued", "eip", dr.EIP, "derived", derived.String())
			return
		}
	}
	s.mu.Unlock()
	s.AddWork(derived, derived.Generation(), true)
	logger.Debug("data race", "eip", dr.EIP, "confirmed", dr.Confirmed, "derived", derived.String())
}

// handleFoundABug relocates the trace file, records the bug, marks the job,
// and prunes every pending/deprioritized superset (spec.md §4.5
// "FOUND_A_BUG").
func (s *Scheduler) handleFoundABug(j *job.Job, proc *childio.Process, fab wire.FoundABug, logger interface {
	Warn(string, ...interface{})
}) {
	traceFile := fab.TraceFilename
	if s.opts.TraceDir != "" && traceFile != "" {
		if moved, err := childio.MoveFileTo(traceFile, s.opts.TraceDir); err != nil {
			logger.Warn("move trace file", "err", err)
		} else {
			traceFile = moved
		}
	}
	if abs, err := filepath.Abs(traceFile); err == nil && traceFile != "" {
		traceFile = abs
	}
	logFile := proc.Paths.StdoutPath
	if abs, err := filepath.Abs(logFile); err == nil && logFile != "" {
		logFile = abs
	}

	cpuUsecs := j.Stats().CPUTimeUsecs
	j.SetBugFound(traceFile, cpuUsecs)

	if s.opts.Registry != nil {
		s.opts.Registry.Record(traceFile, j.Config.PPSet, logFile)
	}
	s.CancelSupersets(j.Config.PPSet)
}

// peekAdmissiblePendingLocked reports whether an admissible Pending job
// exists, without removing anything (used by maybeDeprioritize's decision,
// which must not consume the candidate it is merely checking for).
func (s *Scheduler) peekAdmissiblePendingLocked() *job.Job {
	for _, j := range s.pending {
		if !s.bugSupersetLocked(j) {
			return j
		}
	}
	return nil
}

// cpuIndexForLocked looks up, in runningCPUIdx, which CPU slot a running job
// currently occupies. The suspend path uses it to free that same index.
func (s *Scheduler) cpuIndexForLocked(jobID uint32) (int, bool) {
	idx, ok := s.runningCPUIdx[jobID]
	return idx, ok
}
