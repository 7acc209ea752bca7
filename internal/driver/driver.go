// Package driver wires together the time oracle, bug registry, and work
// scheduler into one run: seeding the baseline configurations, installing
// the signal handlers the core protocol requires, and printing the final
// report (spec.md §4.8).
package driver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/hashicorp/go-hclog"

	"github.com/concheck/ppdriver/internal/bugs"
	"github.com/concheck/ppdriver/internal/clock"
	"github.com/concheck/ppdriver/internal/ppset"
	"github.com/concheck/ppdriver/internal/scheduler"
)

// Exit codes (spec.md §6 "Exit codes").
const (
	ExitSuccess  = 0
	ExitBugFound = 1
	ExitUsage    = 2
	ExitInternal = 3
)

// Mode selects how the baseline configurations are seeded (spec.md §4.8).
type Mode int

const (
	// ModeIterativeDeepening seeds NONE, {MUTEX_LOCK}, {MUTEX_UNLOCK}, and
	// (when Config.Interrupts is set) {CLI}/{STI} and their union.
	ModeIterativeDeepening Mode = iota
	// ModeControl seeds exactly one maximal configuration instead of the
	// iterative-deepening seeds. Configurations derived from data races the
	// child reports are still queued, as in the other modes.
	ModeControl
	// ModeVerification runs exactly one maximal configuration, but still
	// iterative (the scheduler may still derive supersets from it).
	ModeVerification
)

// Config collects everything the CLI layer parses out of spec.md §6's flag
// table; Driver itself never touches flags or os.Args.
type Config struct {
	ProgramName      string
	Args             []string
	Env              []string
	MaxTimeUsecs     uint64
	NumCPUs          int
	ProgressInterval time.Duration
	TraceDir         string
	Verbose          bool
	LeaveLogs        bool
	Mode             Mode
	Interrupts       bool // seed {CLI}/{STI} for interrupt-driven kernels
	EtaFactor        float64
	EtaThreshold     int
	WorkDir          string
	FifoDir          string
}

// Driver owns the services constructed once per run and passed by reference
// to the scheduler and every job (spec.md §9 "wrap these as process-wide
// services... passed by reference").
type Driver struct {
	cfg Config

	ctx            context.Context
	signalShutdown context.CancelFunc

	logger    log.Logger
	clock     *clock.Oracle
	registry  *bugs.Registry
	scheduler *scheduler.Scheduler
}

// New constructs a Driver ready to Run. logger may be nil, in which case a
// default hclog logger is created (matching the teacher's own
// `logger.Named(...)` convention).
func New(cfg Config, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.New(&log.LoggerOptions{Name: "ppdriver", Level: log.Info})
	}
	if cfg.EtaThreshold <= 0 {
		cfg.EtaThreshold = 32
	}
	if cfg.EtaFactor <= 0 {
		cfg.EtaFactor = 2.0
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.Named("ppdriver")
	registry := bugs.New(logger)
	oracle := &clock.Oracle{}

	d := &Driver{
		cfg:            cfg,
		ctx:            ctx,
		signalShutdown: cancel,
		logger:         logger,
		clock:          oracle,
		registry:       registry,
	}
	d.scheduler = scheduler.New(scheduler.Options{
		NumCPUs:          cfg.NumCPUs,
		ProgressInterval: cfg.ProgressInterval,
		EtaFactor:        cfg.EtaFactor,
		EtaThreshold:     cfg.EtaThreshold,
		ProgramName:      cfg.ProgramName,
		ExtraArgs:        cfg.Args,
		ExtraEnv:         cfg.Env,
		WorkDir:          cfg.WorkDir,
		FifoDir:          cfg.FifoDir,
		TraceDir:         cfg.TraceDir,
		LeaveLogs:        cfg.LeaveLogs,
		Clock:            oracle,
		Registry:         registry,
		Logger:           logger,
	})
	return d
}

// Run seeds the baseline configurations, starts the scheduler, installs
// signal handlers, waits for the run to finish (normally or at the
// deadline), prints the final report, and returns the process exit code.
func (d *Driver) Run() int {
	d.clock.Start(d.cfg.MaxTimeUsecs, d.cfg.NumCPUs)

	d.notifyReady()
	defer d.notifyStopping()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	reapCh := make(chan os.Signal, 1)
	signal.Notify(reapCh, syscall.SIGCHLD)
	defer signal.Stop(reapCh)

	go d.reapLoop(reapCh)

	d.seed()
	d.scheduler.Start()

	deadline := d.deadlineChannel()
	watchdogStop := d.startWatchdog()
	defer close(watchdogStop)

	done := make(chan struct{})
	go func() {
		d.scheduler.WaitToFinishWork(deadline)
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		d.logger.Warn("SIGINT received, printing bug registry and shutting down")
		d.signalShutdown()
	}

	return d.report()
}

// seed inserts the baseline configurations into the scheduler's workqueue
// (spec.md §4.8 "Seed the baseline configurations"). Every seed except NONE
// is marked reproduce=true so any bug it finds persists a trace.
func (d *Driver) seed() {
	if d.cfg.MaxTimeUsecs == 0 && d.clock.Remaining() == 0 {
		// spec.md §8 boundary: a zero remaining deadline at startup admits
		// no jobs at all.
		return
	}

	switch d.cfg.Mode {
	case ModeControl, ModeVerification:
		maximal := d.maximalConfig()
		d.scheduler.AddWork(maximal, maximal.Generation(), true)
		return
	}

	lock := ppset.New(ppset.PriorityMutexLock)
	unlock := ppset.New(ppset.PriorityMutexUnlock)
	d.scheduler.AddWork(ppset.None, ppset.None.Generation(), false)
	d.scheduler.AddWork(lock, lock.Generation(), true)
	d.scheduler.AddWork(unlock, unlock.Generation(), true)

	union := ppset.Union(lock, unlock)
	if d.cfg.Interrupts {
		cli := ppset.New(ppset.PriorityCLI)
		sti := ppset.New(ppset.PrioritySTI)
		d.scheduler.AddWork(cli, cli.Generation(), true)
		d.scheduler.AddWork(sti, sti.Generation(), true)
		union = ppset.Union(union, ppset.Union(cli, sti))
	}
	d.scheduler.AddWork(union, union.Generation(), true)
}

// maximalConfig returns the union of every built-in priority class, used by
// control and verification mode, which run exactly one seed.
func (d *Driver) maximalConfig() ppset.Set {
	mask := ppset.PriorityMutexLock | ppset.PriorityMutexUnlock
	if d.cfg.Interrupts {
		mask |= ppset.PriorityCLI | ppset.PrioritySTI
	}
	return ppset.New(mask)
}

// deadlineChannel returns a channel that fires once MaxTimeUsecs after
// Start. MaxTimeUsecs == 0 means the budget is already exhausted (spec.md
// §8 "zero remaining deadline at startup"), so it fires immediately.
func (d *Driver) deadlineChannel() <-chan time.Time {
	return time.After(time.Duration(d.cfg.MaxTimeUsecs) * time.Microsecond)
}

// reapLoop drains SIGCHLD without blocking, so zombie children (whose
// os/exec.Cmd.Wait the owning job goroutine already calls) never pile up
// from stray signals (spec.md §4.8 "SIGCHLD: reap zombies without
// blocking").
func (d *Driver) reapLoop(ch <-chan os.Signal) {
	for range ch {
		for {
			var status syscall.WaitStatus
			pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
		}
	}
}

// startWatchdog pings the systemd watchdog at half the interval named by
// WATCHDOG_USEC, when running supervised (spec.md's ambient "Readiness/
// watchdog" concern, SPEC_FULL §4.8). Returns a channel to close to stop it.
func (d *Driver) startWatchdog() chan struct{} {
	stop := make(chan struct{})
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return stop
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func (d *Driver) notifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

func (d *Driver) notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// report prints the bug registry and CPU saturation line, and returns the
// process exit code (spec.md §4.8, §6 "Exit codes").
func (d *Driver) report() int {
	foundBugs := d.registry.FoundAnyBugs()

	elapsed := d.clock.Elapsed()
	saturation := 0.0
	if elapsed > 0 && d.cfg.NumCPUs > 0 {
		saturation = float64(d.clock.TotalCPUTime()) / (float64(d.cfg.NumCPUs) * float64(elapsed)) * 100
	}
	d.logger.Info(fmt.Sprintf("core saturation: %.1f%%", saturation))

	if foundBugs {
		return ExitBugFound
	}
	return ExitSuccess
}
