// Package process owns a single node child process: spawning it with piped
// stdout/stderr, observing its exit and terminating it exactly once.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Klingon-tech/localchain/internal/log"
)

// Defaults for Spec timing fields.
const (
	DefaultGracePeriod  = 3 * time.Second
	DefaultStreamLinger = 500 * time.Millisecond
)

// Spec describes the command to launch.
type Spec struct {
	Path string
	Args []string
	Env  []string // appended to the parent environment
	Dir  string

	// GracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// StreamLinger is how long the output pipes stay open after the process
	// exits before they are force-closed. Covers descendants that inherited
	// the pipes.
	StreamLinger time.Duration
}

// SpawnError reports that the executable could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminateError reports that the platform kill call failed.
type TerminateError struct {
	PID int
	Err error
}

func (e *TerminateError) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.PID, e.Err)
}

func (e *TerminateError) Unwrap() error { return e.Err }

// Handle is a running (or exited) child process.
type Handle struct {
	cmd     *exec.Cmd
	spec    Spec
	stdout  *os.File
	stderr  *os.File
	started time.Time

	done    chan struct{}
	exitErr error // set before done is closed

	killOnce  sync.Once
	killErr   error
	closeOnce sync.Once
}

// Spawn starts the process described by spec.
func Spawn(spec Spec) (*Handle, error) {
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}
	if spec.StreamLinger <= 0 {
		spec.StreamLinger = DefaultStreamLinger
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	h := &Handle{
		cmd:     cmd,
		spec:    spec,
		stdout:  outR,
		stderr:  errR,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go h.wait()

	log.Process.Debug().
		Str("path", spec.Path).
		Strs("args", spec.Args).
		Int("pid", cmd.Process.Pid).
		Msg("Process spawned")
	return h, nil
}

func (h *Handle) wait() {
	h.exitErr = h.cmd.Wait()
	close(h.done)

	log.Process.Debug().
		Int("pid", h.PID()).
		AnErr("exit", h.exitErr).
		Msg("Process exited")

	time.AfterFunc(h.spec.StreamLinger, h.closeStreams)
}

func (h *Handle) closeStreams() {
	h.closeOnce.Do(func() {
		h.stdout.Close()
		h.stderr.Close()
	})
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time {
	return h.started
}

// Stdout returns the child's standard output. It reaches EOF when the
// process exits.
func (h *Handle) Stdout() io.Reader {
	return streamReader{h.stdout}
}

// Stderr returns the child's standard error. It reaches EOF when the
// process exits.
func (h *Handle) Stderr() io.Reader {
	return streamReader{h.stderr}
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from waiting on the process. Only meaningful
// after Done is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Terminate asks the process to exit, escalating to SIGKILL after the grace
// period, and waits for it to be reaped or for ctx to end. It is safe to call
// any number of times and on a process that already exited.
func (h *Handle) Terminate(ctx context.Context) error {
	h.killOnce.Do(func() { h.killErr = h.kill() })
	if h.killErr != nil {
		return h.killErr
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pid %d: %w", h.PID(), ctx.Err())
	}
}

func (h *Handle) kill() error {
	if h.Exited() {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-h.done:
			return nil
		case <-time.After(h.spec.GracePeriod):
			log.Process.Warn().Int("pid", h.PID()).Msg("Process ignored SIGTERM, killing")
		}
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &TerminateError{PID: h.PID(), Err: err}
	}
	return nil
}

// streamReader maps a read on a force-closed pipe to EOF.
type streamReader struct {
	f *os.File
}

func (r streamReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}
