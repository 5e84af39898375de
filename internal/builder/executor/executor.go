// Package executor runs package-manager install and build commands and
// captures their output.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/internal/builder/pkgmanager"
)

const (
	initialScannerBufferSize = 4096
	maxScannerBufferSize     = 10 * 1024 * 1024
	defaultWaitDelay         = 5 * time.Second
)

// Step names an executor operation.
type Step string

const (
	StepInstall Step = "install"
	StepBuild   Step = "build"
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineSink receives each output line as it is produced. It may be called
// from two goroutines at once.
type LineSink func(step Step, stream Stream, line string)

// Result is the outcome of one install or build run.
type Result struct {
	Step     Step
	Success  bool
	Output   string
	ExitCode int
	Duration time.Duration
	// Err holds the launch, wait or timeout error behind a failed run.
	Err error
}

// Failure converts an unsuccessful result into an ExecutionFailure.
func (r Result) Failure() error {
	if r.Success {
		return nil
	}
	return &ExecutionFailure{Step: r.Step, ExitCode: r.ExitCode, Output: r.Output, Err: r.Err}
}

// ExecutionFailure reports a non-zero exit or a launch failure.
type ExecutionFailure struct {
	Step     Step
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecutionFailure) Error() string {
	switch {
	case e.ExitCode > 0:
		return fmt.Sprintf("%s failed with exit code %d", e.Step, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("%s failed", e.Step)
	}
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// ErrTimeout marks a run that was killed because its context expired.
var ErrTimeout = errors.New("command timed out")

// Runner spawns package-manager processes.
type Runner struct {
	logger    *slog.Logger
	env       []string
	waitDelay time.Duration
}

// Option customises a Runner.
type Option func(*Runner)

// WithEnv appends KEY=value pairs to the inherited environment.
func WithEnv(kv ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, kv...)
	}
}

// New constructs a Runner.
func New(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{logger: logger, env: []string{"CI=true"}, waitDelay: defaultWaitDelay}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install runs the profile's install command in root.
func (r *Runner) Install(ctx context.Context, root string, profile pkgmanager.Profile, sink LineSink) Result {
	return r.Run(ctx, StepInstall, root, profile.Command, profile.InstallArgs, sink)
}

// Build runs the profile's build command in root.
func (r *Runner) Build(ctx context.Context, root string, profile pkgmanager.Profile, sink LineSink) Result {
	return r.Run(ctx, StepBuild, root, profile.Command, profile.BuildArgs, sink)
}

// Run executes name with args in dir, stdin disabled. It never returns an
// error; failures are reported through Result.
func (r *Runner) Run(ctx context.Context, step Step, dir, name string, args []string, sink LineSink) Result {
	start := time.Now()
	out := &combinedBuffer{}
	res := Result{Step: step, ExitCode: -1}
	finish := func(err error) Result {
		if err != nil {
			out.appendLine(fmt.Sprintf("\nerror: %v", err))
			res.Err = err
		}
		res.Output = out.String()
		res.Duration = time.Since(start)
		return res
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), r.env...)
	cmd.WaitDelay = r.waitDelay
	killProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finish(fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return finish(fmt.Errorf("create stderr pipe: %w", err))
	}

	r.logger.Debug("starting command", "step", step, "command", name, "args", args, "dir", dir)
	if err := cmd.Start(); err != nil {
		return finish(fmt.Errorf("start %s: %w", name, err))
	}

	emit := func(stream Stream) func(string) {
		return func(line string) {
			out.appendLine(line)
			if sink == nil || strings.TrimSpace(line) == "" {
				return
			}
			sink(step, stream, strings.TrimRight(line, " \t"))
		}
	}

	// A descendant that outlives the kill still holds the write ends, so
	// the readers are cut loose once the wait delay has passed.
	readersDone := make(chan struct{})
	go func() {
		select {
		case <-readersDone:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(r.waitDelay)
		defer timer.Stop()
		select {
		case <-readersDone:
		case <-timer.C:
			_ = stdout.Close()
			_ = stderr.Close()
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return streamLines(stdout, emit(Stdout)) })
	g.Go(func() error { return streamLines(stderr, emit(Stderr)) })
	streamErr := g.Wait()
	close(readersDone)

	waitErr := cmd.Wait()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil && waitErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return finish(fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Second)))
		}
		return finish(ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return finish(nil)
		}
		return finish(waitErr)
	}
	if streamErr != nil {
		r.logger.Warn("output stream error", "step", step, "error", streamErr)
	}
	res.Success = res.ExitCode == 0
	return finish(nil)
}

func streamLines(rd io.Reader, handle func(string)) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, initialScannerBufferSize), maxScannerBufferSize)
	for scanner.Scan() {
		for _, line := range splitLines(scanner.Text()) {
			handle(line)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		handle(fmt.Sprintf("scanner error: %v", err))
		_, _ = io.Copy(io.Discard, rd)
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// splitLines breaks progress-bar style carriage returns into separate lines.
// A trailing CR from a CRLF ending does not produce an extra line.
func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\r")
	return strings.Split(text, "\r")
}

type combinedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *combinedBuffer) appendLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *combinedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
