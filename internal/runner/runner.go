package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kebairia/bacli/internal/logger"
)

const (
	// DefaultTimeout bounds one subprocess when the caller gives none.
	DefaultTimeout = 30 * time.Minute
	// DefaultGrace is how long a terminated process group may take to exit
	// before it is killed outright.
	DefaultGrace = 5 * time.Second

	stderrLimit = 64 << 10
)

var (
	// ErrDeadlineExceeded is the cause attached to the subprocess context.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrNonZeroExit wraps a subprocess that exited with a failure status.
	ErrNonZeroExit = errors.New("non-zero exit")
)

// Command describes one subprocess invocation. Env is scoped to this
// process only and is never rendered into Args.
type Command struct {
	Path    string
	Args    []string
	Env     map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
	Timeout time.Duration
}

// Result reports what happened to a finished subprocess.
type Result struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// ProcessRunner runs a Command to completion.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Option overrides defaults on an Exec.
type Option func(*Exec)

// Exec is the os/exec backed ProcessRunner.
type Exec struct {
	grace time.Duration
	log   logger.Logger
}

// Ensure Exec satisfies ProcessRunner.
var _ ProcessRunner = (*Exec)(nil)

// New returns an Exec runner.
func New(opts ...Option) *Exec {
	e := &Exec{grace: DefaultGrace, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithGrace sets the delay between SIGTERM and SIGKILL.
func WithGrace(d time.Duration) Option {
	return func(e *Exec) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Exec) {
		if log != nil {
			e.log = log
		}
	}
}

// Run starts cmd under its own deadline. On expiry or cancellation the whole
// process group receives SIGTERM, then SIGKILL after the grace period. The
// returned error wraps ErrDeadlineExceeded, context.Canceled or
// ErrNonZeroExit so callers can classify the failure.
func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrDeadlineExceeded)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.Stdin = c.Stdin
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = io.Discard
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	cmd.WaitDelay = e.grace

	tool := filepath.Base(c.Path)
	e.log.Debug("process started", "tool", tool, "timeout", timeout.String())

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: exitCode(cmd),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrDeadlineExceeded) {
			return res, fmt.Errorf("%s: %w after %s", tool, ErrDeadlineExceeded, timeout)
		}
		if cause != nil && cause != ctxErr {
			return res, fmt.Errorf("%s: %w (%v)", tool, ctxErr, cause)
		}
		return res, fmt.Errorf("%s: %w", tool, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("%s: %w (status %d)", tool, ErrNonZeroExit, res.ExitCode)
		}
		return res, fmt.Errorf("%s: %w", tool, err)
	}

	e.log.Debug("process finished", "tool", tool, "duration", res.Duration.String())
	return res, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// mergeEnv appends scoped variables after the inherited ones so they win,
// in a stable order.
func mergeEnv(base []string, scoped map[string]string) []string {
	env := make([]string, 0, len(base)+len(scoped))
	env = append(env, base...)
	keys := make([]string, 0, len(scoped))
	for k := range scoped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+scoped[k])
	}
	return env
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
