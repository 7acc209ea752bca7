// Command ppdriver is the iterative-deepening driver binary: it parses the
// flag surface described in spec.md §6, validates the mode-compatibility
// matrix, and hands off to the internal/driver package.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/concheck/ppdriver/internal/driver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds the cobra command, executes it, and returns the process exit
// code -- kept separate from main so tests can drive it without os.Exit.
func run(args []string) int {
	var (
		programName      string
		timeBudget       string
		numCPUs          int
		progressInterval int
		traceDir         string
		verbose          bool
		leaveLogs        bool
		controlMode      bool
		verifyMode       bool
		icb              bool
		preemptEverywhere bool
		hbPure           bool
		hbLimited        bool
		tmExec           bool
		tmAbort          bool
		tmSuspend        bool
		tmRetry          bool
		tmWriteback      bool
		kernelPintos     bool
		kernelPathos     bool
		wrapperLog       string
		etaFactor        float64
		etaThreshold     int
		interrupts       bool
	)

	exitCode := driver.ExitSuccess

	root := &cobra.Command{
		Use:   "ppdriver [child args...]",
		Short: "Iterative-deepening driver for the stateless model checker",
		Long: `ppdriver enumerates preemption-point configurations breadth-first,
runs each as an independent child process under a CPU and wall-clock budget,
and records concurrency bugs it discovers along the way.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, childArgs []string) error {
			if controlMode && verifyMode {
				return fmt.Errorf("%w: -C (control mode) and -M (verification mode) are mutually exclusive", driver.ErrIncompatibleFlags)
			}

			usecs, err := driver.ParseTimeBudget(timeBudget)
			if err != nil {
				return err
			}

			mode := driver.ModeIterativeDeepening
			switch {
			case controlMode:
				mode = driver.ModeControl
			case verifyMode:
				mode = driver.ModeVerification
			}

			sysCPUs := runtime.NumCPU()
			if numCPUs <= 0 {
				numCPUs = driver.DefaultNumCPUs(sysCPUs)
			}
			numCPUs = driver.ClampNumCPUs(numCPUs, sysCPUs)

			cfg := driver.Config{
				ProgramName:      normalizeProgramName(programName),
				Args:             childArgs,
				MaxTimeUsecs:     usecs,
				NumCPUs:          numCPUs,
				ProgressInterval: time.Duration(progressInterval) * time.Second,
				TraceDir:         traceDir,
				Verbose:          verbose,
				LeaveLogs:        leaveLogs,
				Mode:             mode,
				Interrupts:       interrupts,
				EtaFactor:        etaFactor,
				EtaThreshold:     etaThreshold,
				WorkDir:          os.TempDir(),
				FifoDir:          os.TempDir(),
			}

			fs := driver.FlagSet{
				ICB:               icb,
				PreemptEverywhere: preemptEverywhere,
				HappensBeforePure: hbPure,
				HappensBeforeLtd:  hbLimited,
				TMExec:            tmExec,
				TMAbort:           tmAbort,
				TMSuspend:         tmSuspend,
				TMRetry:           tmRetry,
				TMWriteback:       tmWriteback,
				KernelPintos:      kernelPintos,
				KernelPathos:      kernelPathos,
			}
			if err := driver.ValidateFlags(cfg, fs); err != nil {
				return err
			}
			if err := validateTraceDir(traceDir); err != nil {
				return err
			}

			logger := newLogger(verbose, wrapperLog)
			d := driver.New(cfg, logger)
			exitCode = d.Run()
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&programName, "program", "p", "thr_exit_join", "test program name")
	flags.StringVarP(&timeBudget, "time", "t", "", "total time budget (suffixes s/m/h/d/y, minimum 10m)")
	flags.IntVarP(&numCPUs, "cpus", "c", 0, "number of CPUs (default ceil(system/2), capped at system)")
	flags.IntVarP(&progressInterval, "interval", "i", 5, "progress interval, seconds")
	flags.StringVarP(&traceDir, "dest", "d", "", "destination directory for trace files")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	flags.BoolVarP(&leaveLogs, "leave-logs", "l", false, "leave logs even for bug-free jobs")
	flags.BoolVarP(&controlMode, "control", "C", false, "control mode: seed exactly one maximal configuration")
	flags.BoolVarP(&verifyMode, "verify", "M", false, "verification mode: maximal configuration only, still iterative")
	flags.BoolVarP(&icb, "icb", "I", false, "iterative context bounding")
	flags.BoolVarP(&preemptEverywhere, "preempt-everywhere", "0", false, "preempt at every safe point")
	flags.BoolVarP(&hbPure, "happens-before", "V", false, "pure happens-before race analysis")
	flags.BoolVarP(&hbLimited, "happens-before-limited", "H", false, "limited happens-before race analysis")
	flags.BoolVarP(&tmExec, "tm-exec", "X", false, "transactional memory: exec testing mode")
	flags.BoolVarP(&tmAbort, "tm-abort", "A", false, "transactional memory: abort testing mode")
	flags.BoolVarP(&tmSuspend, "tm-suspend", "S", false, "transactional memory: suspend testing mode")
	flags.BoolVarP(&tmRetry, "tm-retry", "R", false, "transactional memory: retry testing mode")
	flags.BoolVarP(&tmWriteback, "tm-writeback", "W", false, "transactional memory: writeback testing mode")
	flags.BoolVarP(&kernelPintos, "pintos", "P", false, "target the Pintos kernel variant")
	flags.BoolVarP(&kernelPathos, "pathos", "4", false, "target the Pathos kernel variant")
	flags.StringVarP(&wrapperLog, "log", "L", "", "wrapper log file")
	flags.Float64VarP(&etaFactor, "eta-factor", "e", 2.0, "ETA deprioritization factor")
	flags.IntVarP(&etaThreshold, "eta-threshold", "E", 32, "ETA stability threshold, elapsed branches")
	flags.BoolVar(&interrupts, "interrupts", false, "seed {CLI}/{STI} baseline configurations for interrupt-driven kernels")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return driver.ExitUsage
	}
	return exitCode
}

func newLogger(verbose bool, wrapperLog string) log.Logger {
	level := log.Info
	if verbose {
		level = log.Debug
	}
	opts := &log.LoggerOptions{
		Name:  "ppdriver",
		Level: level,
	}
	if wrapperLog != "" {
		if f, err := os.OpenFile(wrapperLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			opts.Output = f
		}
	}
	return log.New(opts)
}

func validateTraceDir(dir string) error {
	if dir == "" {
		return nil
	}
	return driver.ValidateTraceDir(dir, func(path string) (bool, error) {
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		return info.IsDir(), nil
	})
}

func normalizeProgramName(name string) string {
	if name == "" {
		return "thr_exit_join"
	}
	return name
}
