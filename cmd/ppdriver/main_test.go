package main

import (
	"testing"

	"github.com/concheck/ppdriver/internal/driver"
)

func TestRunRejectsControlAndVerifyTogether(t *testing.T) {
	code := run([]string{"-C", "-M"})
	if code != driver.ExitUsage {
		t.Errorf("run(-C -M) = %d, want ExitUsage", code)
	}
}

func TestRunRejectsConflictingTMModes(t *testing.T) {
	code := run([]string{"-X", "-A"})
	if code != driver.ExitUsage {
		t.Errorf("run(-X -A) = %d, want ExitUsage", code)
	}
}

func TestRunRejectsMissingTraceDir(t *testing.T) {
	code := run([]string{"-d", "/no/such/directory/surely"})
	if code != driver.ExitUsage {
		t.Errorf("run with a nonexistent trace dir = %d, want ExitUsage", code)
	}
}

func TestRunRejectsMalformedTimeBudget(t *testing.T) {
	code := run([]string{"-t", "not-a-duration"})
	if code != driver.ExitUsage {
		t.Errorf("run with a malformed -t value = %d, want ExitUsage", code)
	}
}

func TestNormalizeProgramNameDefaultsWhenEmpty(t *testing.T) {
	if got := normalizeProgramName(""); got != "thr_exit_join" {
		t.Errorf("normalizeProgramName(\"\") = %q, want the default program name", got)
	}
	if got := normalizeProgramName("custom_test"); got != "custom_test" {
		t.Errorf("normalizeProgramName(%q) = %q, want it unchanged", "custom_test", got)
	}
}
