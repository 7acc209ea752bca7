package job

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

var funcMaps = template.FuncMap{
	"join": strings.Join,
}

// staticConfigTemplate renders the child's static configuration file: the
// parts of a job's setup that never change across a run (timeout, CPU
// count, reproduction mode). Modeled on the teacher's systemd-unit template
// in shape (a single text/template rendering a flat key=value file) but
// generalized away from nspawn-unit syntax to this protocol's own format.
const staticConfigTemplate = `timeout_usecs={{ .TimeoutUsecs }}
num_cpus={{ .NumCPUs }}
job_id={{ .JobID }}
reproduce={{if .Reproduce}}true{{else}}false{{end}}
verbose={{if .Verbose}}true{{else}}false{{end}}
fifo_in={{ .FifoIn }}
fifo_out={{ .FifoOut }}
`

// dynamicConfigTemplate renders the per-configuration file: the preemption
// point set under test, rendered once when the job's worker starts.
const dynamicConfigTemplate = `generation={{ .Generation }}
priority={{ .Priority }}
pps={{join .PPNames ","}}
`

var (
	staticTmpl  = template.Must(template.New("static").Funcs(funcMaps).Parse(staticConfigTemplate))
	dynamicTmpl = template.Must(template.New("dynamic").Funcs(funcMaps).Parse(dynamicConfigTemplate))
)

type staticConfigData struct {
	TimeoutUsecs uint64
	NumCPUs      int
	JobID        uint32
	Reproduce    bool
	Verbose      bool
	FifoIn       string
	FifoOut      string
}

type dynamicConfigData struct {
	Generation int
	Priority   int
	PPNames    []string
}

// WriteStaticConfig renders cfg's compile-time-macro config file into dir
// and returns its path (spec.md §3 "two config files handed to the
// child... compile-time macros vs runtime tunables").
func WriteStaticConfig(dir string, cfg Config, fifoIn, fifoOut string) (string, error) {
	data := staticConfigData{
		TimeoutUsecs: cfg.TimeoutUsecs,
		NumCPUs:      cfg.NumCPUs,
		JobID:        cfg.JobID,
		Reproduce:    cfg.Reproduce,
		Verbose:      cfg.Verbose,
		FifoIn:       fifoIn,
		FifoOut:      fifoOut,
	}
	return renderToFile(dir, fmt.Sprintf("job_%d.static.cfg", cfg.JobID), staticTmpl, data)
}

// WriteDynamicConfig renders cfg's runtime-tunable config file (the
// preemption-point set under test) into dir and returns its path. Called
// once per job, before its child is spawned; resuming a deprioritized job
// does not render it again.
func WriteDynamicConfig(dir string, cfg Config) (string, error) {
	data := dynamicConfigData{
		Generation: cfg.Generation,
		Priority:   cfg.PPSet.Priority(),
		PPNames:    cfg.PPSet.Names(),
	}
	return renderToFile(dir, fmt.Sprintf("job_%d.dynamic.cfg", cfg.JobID), dynamicTmpl, data)
}

func renderToFile(dir, name string, tmpl *template.Template, data interface{}) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create config file %s: %w", path, err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, data); err != nil {
		return "", fmt.Errorf("render config file %s: %w", path, err)
	}
	return path, nil
}
