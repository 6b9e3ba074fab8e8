package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the child exits,
// e.g. when a grandchild still holds the pipe open.
const waitDelay = time.Second

// Process wraps one OS child process: start, terminate-then-kill and output draining.
// The handle is owned by a single supervisor; methods are safe for concurrent use.
type Process struct {
	spec Spec
	log  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{} // closed once cmd.Wait returns
	closers  []io.Closer
	drains   sync.WaitGroup
	status   Status

	stopMu sync.Mutex

	// signal hooks, replaced in tests
	terminate func(pid int) error
	kill      func(pid int) error
}

// New creates a Process for spec. A nil logger means slog.Default().
func New(spec Spec, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{
		spec:      spec,
		log:       log.With("process", spec.displayName()),
		status:    Status{Name: spec.displayName()},
		terminate: terminateGroup,
		kill:      killGroup,
	}
}

// outputFiles prepares the rotated stdout/stderr writers. The parent
// directories must be creatable up front, since lumberjack only fails on
// the first write.
func (p *Process) outputFiles() (io.WriteCloser, io.WriteCloser, error) {
	l := p.spec.Log
	for _, dir := range []string{l.Dir, dirOf(l.StdoutPath), dirOf(l.StderrPath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	return l.Writers(p.spec.displayName())
}

func dirOf(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

// Spec returns the spec the process was created with.
func (p *Process) Spec() Spec { return p.spec }

// Start spawns the configured command from its working directory.
// Stdin is always discarded. Output goes to the debug drain, to rotated log
// files, or is discarded, in that order of preference.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.spec.Validate(); err != nil {
		return &SpawnError{Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		select {
		case <-p.waitDone:
			for _, c := range p.closers {
				_ = c.Close()
			}
			p.closers = nil
		default:
			return ErrAlreadyRunning
		}
	}

	path, err := exec.LookPath(p.spec.Command[0])
	if err != nil {
		return &SpawnError{Path: p.spec.Command[0], Err: err}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	cmd := exec.Command(path, p.spec.Command[1:]...)
	cmd.Dir = p.spec.workDir(path)
	cmd.Env = p.spec.mergeEnv()
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	var pipes []*io.PipeWriter
	var closers []io.Closer
	switch {
	case p.spec.Debug:
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		cmd.Stdout, cmd.Stderr = outW, errW
		pipes = append(pipes, outW, errW)
		p.drains.Add(2)
		go p.readOutput("stdout", outR)
		go p.readOutput("stderr", errR)
	case p.spec.Log.Dir != "" || p.spec.Log.StdoutPath != "" || p.spec.Log.StderrPath != "":
		outW, errW, err := p.outputFiles()
		if err != nil {
			p.log.Warn("output log files unavailable, discarding output", "error", err)
			break
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		for _, w := range pipes {
			_ = w.Close()
		}
		for _, c := range closers {
			_ = c.Close()
		}
		return &SpawnError{Path: path, Err: err}
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.waitDone = done
	p.closers = closers
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.StoppedAt = time.Time{}
	p.status.ExitErr = nil
	p.status.Starts++
	p.log.Info("process started", "pid", cmd.Process.Pid, "dir", cmd.Dir)

	go func() {
		err := cmd.Wait()
		for _, w := range pipes {
			_ = w.Close()
		}
		p.mu.Lock()
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		p.status.ExitErr = err
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

// Stop requests graceful termination, waits up to the grace period and then
// kills the process group. It always waits for the final exit before
// returning. Calling it with no process, or after the process exited, is a
// no-op that sends no signal. If ctx ends during the grace period the kill
// happens early.
func (p *Process) Stop(ctx context.Context) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	p.mu.Lock()
	cmd, done := p.cmd, p.waitDone
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		p.release()
		return nil
	default:
	}

	pid := cmd.Process.Pid
	p.log.Info("terminating process", "pid", pid)
	if err := p.terminate(pid); err != nil {
		p.log.Debug("terminate signal failed", "pid", pid, "error", err)
	}

	timer := time.NewTimer(p.spec.grace())
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.log.Error("process ignored termination, killing", "pid", pid, "grace", p.spec.grace())
		_ = p.kill(pid)
		<-done
	case <-ctx.Done():
		p.log.Warn("stop interrupted, killing", "pid", pid)
		_ = p.kill(pid)
		<-done
	}
	p.release()
	return nil
}

// release clears the handle after exit and closes per-run resources.
func (p *Process) release() {
	p.drains.Wait()
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.cmd = nil
	p.waitDone = nil
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

// Running reports whether the OS process is still alive. It says nothing
// about application health.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// readOutput forwards lines from one stream to the logger until the stream
// closes. Closure is the normal way for it to end.
func (p *Process) readOutput(stream string, r *io.PipeReader) {
	defer p.drains.Done()
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.log.Info(sc.Text(), "stream", stream)
	}
	if err := sc.Err(); err != nil {
		p.log.Debug("output stream ended", "stream", stream, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// String implements fmt.Stringer for log fields.
func (p *Process) String() string {
	st := p.Snapshot()
	return fmt.Sprintf("%s(pid=%d running=%t)", st.Name, st.PID, st.Running)
}
