package clock

import (
	"testing"
	"time"
)

func TestRemainingZeroAtDeadline(t *testing.T) {
	var o Oracle
	o.Start(0, 1)
	if !o.TimeUp() {
		t.Error("a zero-usec budget should be up immediately")
	}
}

func TestStartStopUsingCPU(t *testing.T) {
	var o Oracle
	o.Start(1e9, 2)
	o.StartUsingCPU(0)
	time.Sleep(5 * time.Millisecond)
	o.StopUsingCPU(0)
	total := o.TotalCPUTime()
	if total == 0 {
		t.Error("expected non-zero accumulated CPU time")
	}
}

func TestTotalCPUTimeCountsOpenInterval(t *testing.T) {
	var o Oracle
	o.Start(1e9, 1)
	o.StartUsingCPU(0)
	time.Sleep(5 * time.Millisecond)
	open := o.TotalCPUTime()
	if open == 0 {
		t.Error("an open interval should still count toward total CPU time")
	}
	o.StopUsingCPU(0)
}

func TestHumanFriendlyTimeInf(t *testing.T) {
	h := HumanFriendlyTime(-1)
	if !h.Inf || h.String() != "inf" {
		t.Errorf("negative usecs should render as inf, got %+v", h)
	}
}

func TestHumanFriendlyTimeDecomposition(t *testing.T) {
	h := HumanFriendlyTime(float64((2*24*3600 + 3*3600 + 4*60 + 5) * 1e6))
	if h.Days != 2 || h.Hours != 3 || h.Mins != 4 || h.Secs != 5 {
		t.Errorf("unexpected decomposition: %+v", h)
	}
}

func TestStartUsingCPUReentrancyIsCallerResponsibility(t *testing.T) {
	var o Oracle
	o.Start(1e9, 1)
	o.StartUsingCPU(0)
	o.StopUsingCPU(0)
	o.StopUsingCPU(0) // second stop on an already-closed interval must be a no-op
}
