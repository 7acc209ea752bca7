package driver

import "testing"

func TestParseTimeBudgetSuffixes(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"30m", uint64(30 * 60 * 1e6)},
		{"2h", uint64(2 * 3600 * 1e6)},
		{"1d", uint64(24 * 3600 * 1e6)},
	}
	for _, c := range cases {
		got, err := ParseTimeBudget(c.in)
		if err != nil {
			t.Fatalf("ParseTimeBudget(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseTimeBudget(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseTimeBudgetClampsToMinimum(t *testing.T) {
	got, err := ParseTimeBudget("5s")
	if err != nil {
		t.Fatal(err)
	}
	if got != uint64(minTimeBudget.Microseconds()) {
		t.Errorf("a 5s budget should clamp up to the 10-minute floor, got %d usecs", got)
	}
}

func TestParseTimeBudgetEmptyDefaultsToMinimum(t *testing.T) {
	got, err := ParseTimeBudget("")
	if err != nil {
		t.Fatal(err)
	}
	if got != uint64(minTimeBudget.Microseconds()) {
		t.Errorf("empty budget should default to the minimum, got %d", got)
	}
}

func TestDefaultNumCPUsCeilsHalf(t *testing.T) {
	if got := DefaultNumCPUs(7); got != 4 {
		t.Errorf("DefaultNumCPUs(7) = %d, want 4 (ceil(7/2))", got)
	}
	if got := DefaultNumCPUs(8); got != 4 {
		t.Errorf("DefaultNumCPUs(8) = %d, want 4", got)
	}
}

func TestClampNumCPUsCapsAtSystemCPUs(t *testing.T) {
	if got := ClampNumCPUs(16, 4); got != 4 {
		t.Errorf("ClampNumCPUs(16, 4) = %d, want 4", got)
	}
	if got := ClampNumCPUs(0, 4); got != 1 {
		t.Errorf("ClampNumCPUs(0, 4) = %d, want 1 (floor of 1)", got)
	}
}

func TestValidateFlagsRejectsICBWithVerificationMode(t *testing.T) {
	cfg := Config{NumCPUs: 1, Mode: ModeVerification}
	err := ValidateFlags(cfg, FlagSet{ICB: true})
	if err == nil {
		t.Fatal("expected ErrIncompatibleFlags for -I with verification mode")
	}
}

func TestValidateFlagsRejectsMultipleTMModes(t *testing.T) {
	cfg := Config{NumCPUs: 1}
	err := ValidateFlags(cfg, FlagSet{TMExec: true, TMAbort: true})
	if err == nil {
		t.Fatal("expected ErrIncompatibleFlags for -X and -A together")
	}
}

func TestValidateFlagsRejectsBothKernelVariants(t *testing.T) {
	cfg := Config{NumCPUs: 1}
	err := ValidateFlags(cfg, FlagSet{KernelPintos: true, KernelPathos: true})
	if err == nil {
		t.Fatal("expected ErrIncompatibleFlags for -P and -4 together")
	}
}

func TestValidateFlagsAcceptsCleanConfig(t *testing.T) {
	cfg := Config{NumCPUs: 4}
	if err := ValidateFlags(cfg, FlagSet{HappensBeforePure: true}); err != nil {
		t.Errorf("unexpected error for a single valid flag: %v", err)
	}
}

func TestValidateFlagsRejectsZeroCPUs(t *testing.T) {
	cfg := Config{NumCPUs: 0}
	if err := ValidateFlags(cfg, FlagSet{}); err == nil {
		t.Error("expected an error for NumCPUs <= 0")
	}
}
