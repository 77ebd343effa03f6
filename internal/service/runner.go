package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jupyter/itest/internal/model"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// waitDelay bounds how long Wait waits for the output pipe to be closed once
// the process is gone. Children of the process may keep it open.
const waitDelay = 2 * time.Second

// LineFunc receives every line of the combined stdout and stderr of a
// process, without the trailing newline.
type LineFunc func(ctx context.Context, line string)

// Runner is a wrapper around os/exec running at most one process at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	done       chan struct{}
	output     chan struct{}
	readers    sync.WaitGroup
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// CommandFromModel converts a configured command.
func CommandFromModel(c model.Command, timeout time.Duration) Command {
	var env []string
	if len(c.Env) > 0 {
		env = c.Environ()
	}
	return Command{
		Path:    c.Path,
		Args:    append([]string(nil), c.Args...),
		Env:     env,
		Dir:     c.Dir,
		Timeout: timeout,
	}
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the exit status of a finished process or -1 when it
// did not exit normally (not started, killed by a signal).
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the underlying process, it ensures only single instance is active
// returns ErrInProgress or an exec error, otherwise nil. Does NOT wait on
// command to finish, use Wait or Done instead.
// Stdout and stderr are merged and passed line by line to lineFunc from
// a single goroutine. The output is drained even if lineFunc is nil.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.cancelFunc()
		_ = pw.Close()
		_ = pr.Close()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "args", proto.Args, "pid", cmd.Process.Pid)

	r.cmd = cmd
	r.done = make(chan struct{})
	r.output = make(chan struct{})
	output := r.output
	r.readers.Go(func() {
		defer close(output)
		processOutput(ctx, pr, lineFunc)
	})
	go r.wait(cmd, pw, r.done)
	return nil
}

func processOutput(ctx context.Context, out io.ReadCloser, lineFunc LineFunc) {
	defer func() {
		_ = out.Close()
	}()
	if lineFunc == nil {
		_, _ = io.Copy(io.Discard, out)
		return
	}
	// lines of any length, a long line must not stop the stream
	rd := bufio.NewReaderSize(out, 64*1024)
	for {
		line, err := rd.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			lineFunc(ctx, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.ErrorContext(ctx, "processing output", "error", err)
				_, _ = io.Copy(io.Discard, out)
			}
			return
		}
	}
}

func (r *Runner) wait(cmd *exec.Cmd, pw *io.PipeWriter, done chan struct{}) {
	err := cmd.Wait()
	// the group does not outlive its leader
	_ = killProcessGroup(cmd.Process)
	_ = pw.Close()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancelFunc()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	close(done)
}

// Done is closed when the last started process exits. It's nil before
// the first Start.
func (r *Runner) Done() <-chan struct{} {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.done
}

// OutputDone is closed when the output stream of the last started process
// ends and every line was passed to the LineFunc.
func (r *Runner) OutputDone() <-chan struct{} {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.output
}

// Wait blocks until the running process exits and its output is consumed,
// then returns its result.
func (r *Runner) Wait() Result {
	if done := r.Done(); done != nil {
		<-done
	}
	r.readers.Wait()
	return r.LastResult()
}

// Kill sends SIGKILL to the process group of the running process and waits
// until it's gone.
// Returns ErrNotStarted if nothing was started and os.ErrProcessDone
// if the process had already exited.
func (r *Runner) Kill() error {
	r.mx.RLock()
	cmd, done := r.cmd, r.done
	r.mx.RUnlock()
	if done == nil {
		return ErrNotStarted
	}
	var err error
	if cmd == nil {
		err = os.ErrProcessDone
	} else {
		err = killProcessGroup(cmd.Process)
	}
	r.Wait()
	return err
}

// Close stops the running process, if any, and waits for all goroutines
// of the Runner.
func (r *Runner) Close() {
	r.mx.RLock()
	cancel := r.cancelFunc
	r.mx.RUnlock()
	if cancel != nil {
		cancel()
	}
	r.Wait()
}

// LastResult returns a last command result
// or result with ErrNotStarted if nothing has been executed yet
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
