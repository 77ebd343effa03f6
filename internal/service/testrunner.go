package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jupyter/itest/internal/readiness"
)

var ErrRunnerLaunch = errors.New("test runner failed")

// Options are the user facing knobs forwarded to the test runner.
type Options struct {
	Browsers string
	Debug    bool
}

// TestRunner executes the test suite against a ready server and returns
// its exit status.
type TestRunner interface {
	Run(ctx context.Context, opts Options, baseURL string) (int, error)
}

// CommandTestRunner runs an external program. Arguments may refer to
// {base_url}, {token} and {browsers}.
type CommandTestRunner struct {
	cmd       Command
	debugArgs []string
	out       io.Writer
}

func NewCommandTestRunner(cmd Command, debugArgs []string, out io.Writer) *CommandTestRunner {
	return &CommandTestRunner{
		cmd:       cmd,
		debugArgs: append([]string(nil), debugArgs...),
		out:       out,
	}
}

// Command returns the command which would be executed for given options
// and url.
func (r *CommandTestRunner) Command(opts Options, baseURL string) Command {
	replacer := strings.NewReplacer(
		"{base_url}", baseURL,
		"{token}", readiness.TokenOf(baseURL),
		"{browsers}", opts.Browsers,
	)
	cmd := r.cmd
	args := make([]string, 0, len(r.cmd.Args)+len(r.debugArgs))
	for _, arg := range r.cmd.Args {
		args = append(args, replacer.Replace(arg))
	}
	if opts.Debug {
		for _, arg := range r.debugArgs {
			args = append(args, replacer.Replace(arg))
		}
	}
	cmd.Args = args
	return cmd
}

// Run returns the exit status of the runner unchanged. When the runner
// can't be started or doesn't exit normally, it returns ExitRunnerFailed
// and an error wrapping ErrRunnerLaunch.
func (r *CommandTestRunner) Run(ctx context.Context, opts Options, baseURL string) (int, error) {
	cmd := r.Command(opts, baseURL)

	_, _ = fmt.Fprintln(r.out, strings.Repeat("*", 60))
	_, _ = fmt.Fprintln(r.out, strings.Join(append([]string{cmd.Path}, cmd.Args...), " "))

	runner := NewRunner()
	defer runner.Close()
	err := runner.Start(ctx, cmd, func(_ context.Context, line string) {
		_, _ = fmt.Fprintln(r.out, line)
	})
	if err != nil {
		return ExitRunnerFailed, fmt.Errorf("%w: %w", ErrRunnerLaunch, err)
	}

	res := runner.Wait()
	code := res.ExitCode()
	slog.DebugContext(ctx, "test runner finished", "exit_code", code, "elapsed", res.Stopped.Sub(res.Started).String())
	if code < 0 {
		return ExitRunnerFailed, fmt.Errorf("%w: %s", ErrRunnerLaunch, describe(res))
	}
	return code, nil
}
