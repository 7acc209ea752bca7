package job

import (
	"testing"

	"github.com/concheck/ppdriver/internal/ppset"
)

func newTestJob(id uint32, gen int) *Job {
	return New(Config{JobID: id, PPSet: ppset.New(ppset.PriorityMutexLock), Generation: gen}, 32)
}

func TestETAUnstableBelowThreshold(t *testing.T) {
	j := newTestJob(1, 1)
	j.UpdateProgress(10, 0.5, 1000, 2000, 0, 0)
	if j.Stable() {
		t.Error("ETA should be unstable below the branches threshold")
	}
	eta, stable := j.ETA()
	if stable || eta != -1 {
		t.Errorf("unstable ETA should read (-1, false), got (%v, %v)", eta, stable)
	}
}

func TestETAHeuristic(t *testing.T) {
	j := newTestJob(1, 1)
	// elapsed=1s (1e6 usec), proportion=0.001, branches=64 >= threshold 32.
	j.UpdateProgress(64, 0.001, 1_000_000, 0, 0, 0)
	eta, stable := j.ETA()
	if !stable {
		t.Fatal("ETA should be stable at branches >= threshold")
	}
	want := 1_000_000.0 * (1 - 0.001) / 0.001
	if eta != want {
		t.Errorf("ETA = %v, want %v", eta, want)
	}
}

// TestDeprioritizationScenario mirrors spec.md §8 end-to-end scenario 4:
// PROGRESS with proportion=0.001, elapsed=1s, eta_factor=2, remaining=10s,
// branches=64 >= threshold 32 should earn a deprioritization.
func TestDeprioritizationScenario(t *testing.T) {
	j := newTestJob(1, 1)
	j.UpdateProgress(64, 0.001, 1_000_000, 0, 0, 0)
	if !j.ShouldDeprioritize(2.0, 10_000_000) {
		t.Error("job with a huge ETA relative to the remaining budget should be deprioritized")
	}
}

func TestShouldNotDeprioritizeWhenUnstable(t *testing.T) {
	j := newTestJob(1, 1)
	j.UpdateProgress(5, 0.0001, 1_000_000, 0, 0, 0)
	if j.ShouldDeprioritize(2.0, 10) {
		t.Error("an unstable ETA must never trigger deprioritization")
	}
}

func TestCompareETAUnstableIsWorse(t *testing.T) {
	stable := newTestJob(1, 1)
	stable.UpdateProgress(64, 0.5, 1000, 0, 0, 0)
	unstable := newTestJob(2, 1)
	unstable.UpdateProgress(1, 0.5, 1000, 0, 0, 0)

	if stable.CompareETA(unstable) >= 0 {
		t.Error("a stable ETA should compare as better (lower) than an unstable one")
	}
	if unstable.CompareETA(stable) <= 0 {
		t.Error("an unstable ETA should compare as worse (higher) than a stable one")
	}
}

func TestSuspendResumeBlockCycle(t *testing.T) {
	j := newTestJob(1, 1)
	if j.State() != StateNormal {
		t.Fatal("new job should start NORMAL")
	}
	done := make(chan State, 1)
	go func() { done <- j.WaitOnJob() }()

	j.Suspend()
	if st := <-done; st != StateBlocked {
		t.Errorf("WaitOnJob returned %v, want BLOCKED", st)
	}
	if !j.Resume() {
		t.Error("Resume on a BLOCKED job should succeed")
	}
	if j.State() != StateNormal {
		t.Error("job should be NORMAL again after Resume")
	}
	if j.Resume() {
		t.Error("Resume on an already-NORMAL job should fail")
	}
}

func TestMarkDoneFreezesComplete(t *testing.T) {
	j := newTestJob(1, 1)
	done := make(chan State, 1)
	go func() { done <- j.WaitOnJob() }()
	j.MarkDone(true)
	if st := <-done; st != StateDone {
		t.Errorf("WaitOnJob returned %v, want DONE", st)
	}
	if !j.Complete() {
		t.Error("Complete() should reflect the MarkDone argument")
	}
}

func TestCancelAndTimeout(t *testing.T) {
	j := newTestJob(1, 1)
	if j.Cancelled() {
		t.Fatal("new job should not be cancelled")
	}
	j.MarkTimedOut()
	if !j.Cancelled() || !j.TimedOut() {
		t.Error("MarkTimedOut must set both timedOut and cancelled")
	}
}
