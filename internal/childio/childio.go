// Package childio manages the per-job FIFO pair, the child process itself,
// and log capture (spec.md §4.4). FIFO opening order is chosen to avoid the
// classic named-pipe deadlock: the driver opens the child's output path for
// read in a dedicated goroutine first, then opens the input path for write.
package childio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sys/unix"
)

// Paths names the two FIFOs and the log files belonging to one job.
type Paths struct {
	Dir        string
	InPath     string // driver -> child
	OutPath    string // child -> driver
	StdoutPath string
	StderrPath string
}

// NewPaths creates the FIFO pair and log file paths for jobID under dir,
// using a random token, freshly generated on every call, to avoid collisions
// across concurrent driver invocations (spec.md §6).
func NewPaths(dir string, jobID uint32) (Paths, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return Paths{}, fmt.Errorf("generate fifo token: %w", err)
	}
	prefix := fmt.Sprintf("job_%d_%s", jobID, token[:8])
	p := Paths{
		Dir:        dir,
		InPath:     filepath.Join(dir, prefix+"_in"),
		OutPath:    filepath.Join(dir, prefix+"_out"),
		StdoutPath: filepath.Join(dir, prefix+".stdout.log"),
		StderrPath: filepath.Join(dir, prefix+".stderr.log"),
	}
	if err := unix.Mkfifo(p.InPath, 0o600); err != nil {
		return Paths{}, fmt.Errorf("mkfifo %s: %w", p.InPath, err)
	}
	if err := unix.Mkfifo(p.OutPath, 0o600); err != nil {
		os.Remove(p.InPath)
		return Paths{}, fmt.Errorf("mkfifo %s: %w", p.OutPath, err)
	}
	return p, nil
}

// Remove unlinks both FIFOs. Per spec.md §8 invariant 6, every FIFO created
// for a job is unlinked by the time the job is Done, regardless of whether
// logs are kept.
func (p Paths) Remove() {
	os.Remove(p.InPath)
	os.Remove(p.OutPath)
}

// Process wraps one child experiment: its exec.Cmd and its opened FIFO
// endpoints. A Process is owned exclusively by the job that created it.
type Process struct {
	Paths  Paths
	Cmd    *exec.Cmd
	In     io.WriteCloser // driver writes here, child reads
	Out    io.ReadCloser  // driver reads here, child writes
	Stdout *os.File
	Stderr *os.File

	openOnce sync.Once
	openErr  error
}

// Spawn creates the FIFOs, starts the child command, and opens both FIFO
// ends in the deadlock-avoiding order described in spec.md §4.4: the
// driver's read end of Out is opened in a background goroutine (so it does
// not block waiting for the child to open its write end) before the driver
// opens In for write.
func Spawn(dir string, jobID uint32, name string, args, env []string, staticCfg, dynamicCfg string) (*Process, error) {
	paths, err := NewPaths(dir, jobID)
	if err != nil {
		return nil, err
	}

	stdout, err := os.Create(paths.StdoutPath)
	if err != nil {
		paths.Remove()
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(paths.StderrPath)
	if err != nil {
		stdout.Close()
		paths.Remove()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env,
		"LANDSLIDE_CONFIG_STATIC="+staticCfg,
		"LANDSLIDE_CONFIG_DYNAMIC="+dynamicCfg,
		"LANDSLIDE_FIFO_IN="+paths.InPath,
		"LANDSLIDE_FIFO_OUT="+paths.OutPath,
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		paths.Remove()
		return nil, fmt.Errorf("start child: %w", err)
	}

	type openResult struct {
		f   *os.File
		err error
	}
	outCh := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(paths.OutPath, os.O_RDONLY, 0)
		outCh <- openResult{f, err}
	}()

	in, err := os.OpenFile(paths.InPath, os.O_WRONLY, 0)
	if err != nil {
		cmd.Process.Kill()
		stdout.Close()
		stderr.Close()
		paths.Remove()
		return nil, fmt.Errorf("open input fifo: %w", err)
	}

	res := <-outCh
	if res.err != nil {
		in.Close()
		cmd.Process.Kill()
		stdout.Close()
		stderr.Close()
		paths.Remove()
		return nil, fmt.Errorf("open output fifo: %w", res.err)
	}

	return &Process{
		Paths:  paths,
		Cmd:    cmd,
		In:     in,
		Out:    res.f,
		Stdout: stdout,
		Stderr: stderr,
	}, nil
}

// Close releases the FIFOs and log file handles and unlinks the FIFOs. It
// does not wait on or kill the child process; callers do that separately
// (job.Cancel / exec.Cmd.Wait) so the lifecycle mutex discipline in
// spec.md §5 stays in the job package.
func (p *Process) Close() {
	p.openOnce.Do(func() {
		if p.In != nil {
			p.In.Close()
		}
		if p.Out != nil {
			p.Out.Close()
		}
		if p.Stdout != nil {
			p.Stdout.Close()
		}
		if p.Stderr != nil {
			p.Stderr.Close()
		}
		p.Paths.Remove()
	})
}

// RemoveLogs deletes the stdout/stderr log files. Called on successful,
// bug-free termination unless leaveLogs is set (spec.md §4.4, CLI flag -l).
func (p *Process) RemoveLogs() {
	os.Remove(p.Paths.StdoutPath)
	os.Remove(p.Paths.StderrPath)
}

// MoveFileTo relocates a completed trace file into dir, atomically via
// rename within the same filesystem, falling back to copy+unlink across
// filesystems (spec.md §4.4).
func MoveFileTo(traceFile, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Base(traceFile))
	if err := os.Rename(traceFile, dest); err == nil {
		return dest, nil
	}

	src, err := os.Open(traceFile)
	if err != nil {
		return "", fmt.Errorf("open trace file for fallback copy: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create destination trace file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("copy trace file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close destination trace file: %w", err)
	}
	if err := os.Remove(traceFile); err != nil {
		return "", fmt.Errorf("unlink source trace file after copy: %w", err)
	}
	return dest, nil
}
