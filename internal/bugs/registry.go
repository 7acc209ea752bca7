// Package bugs implements the append-only bug registry: the set of
// (trace file, PP configuration, log file) triples recorded when a child
// reports FOUND_A_BUG, and the subset test used to prune redundant future
// configurations.
package bugs

import (
	"sync"

	log "github.com/hashicorp/go-hclog"

	"github.com/concheck/ppdriver/internal/ppset"
)

// Record is one recorded bug. Per the Open Question in spec.md §9, the
// original's hard-coded "id/" log-filename prefix is replaced here by
// always storing an absolute LogFilename.
type Record struct {
	TraceFilename string
	Config        ppset.Set
	LogFilename   string
}

// Registry is the append-only bug list, constructed with New (the driver
// owns exactly one Registry for the run, passed by reference). The zero
// value has no logger and is not usable: Record and FoundAnyBugs panic on it.
type Registry struct {
	mu      sync.Mutex
	records []Record
	logger  log.Logger
}

// New returns a ready Registry. logger may be nil, in which case a discard
// logger is used.
func New(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Registry{logger: logger.Named("bugs")}
}

// Record appends a bug. Duplicate bugs (the same config found twice) are
// allowed; the list is never deduplicated.
func (r *Registry) Record(traceFilename string, config ppset.Set, logFilename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{
		TraceFilename: traceFilename,
		Config:        ppset.Clone(config),
		LogFilename:   logFilename,
	})
	r.logger.Warn("bug recorded", "config", config.String(), "trace", traceFilename)
}

// BugAlreadyFound reports whether any recorded entry's config is a subset of
// the given config — i.e. whether config is redundant with an
// already-discovered bug and should be pruned.
func (r *Registry) BugAlreadyFound(config ppset.Set) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if ppset.Subset(rec.Config, config) {
			return true
		}
	}
	return false
}

// Records returns a snapshot copy of every recorded bug.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// FoundAnyBugs prints every record (trace, config, log) via the registry's
// logger and reports whether any existed. Used at driver shutdown.
func (r *Registry) FoundAnyBugs() bool {
	records := r.Records()
	for _, rec := range records {
		r.logger.Info("bug found",
			"trace", rec.TraceFilename,
			"config", rec.Config.String(),
			"log", rec.LogFilename,
		)
	}
	if len(records) == 0 {
		r.logger.Info("No bugs were found — you survived!")
	}
	return len(records) > 0
}
