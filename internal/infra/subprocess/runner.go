// File: internal/infra/subprocess/runner.go
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxStderrBytes bounds the captured stderr tail.
const maxStderrBytes = 8 << 10

type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type RunResult struct {
	ExitCode   int
	Stdout     []byte
	StderrTail string
	Duration   time.Duration
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (RunResult, error)
}

// CommandError is a non-zero exit. Output exposes the stderr tail so
// callers can classify the failure.
type CommandError struct {
	Cmd      string
	ExitCode int
	Tail     string
	Err      error
}

func (e *CommandError) Error() string {
	tail := strings.TrimSpace(e.Tail)
	if i := strings.LastIndex(tail, "\n"); i >= 0 {
		tail = tail[i+1:]
	}
	if tail == "" {
		return fmt.Sprintf("%s: exit %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit %d: %s", e.Cmd, e.ExitCode, tail)
}

func (e *CommandError) Unwrap() error  { return e.Err }
func (e *CommandError) Output() string { return e.Tail }

type ExecRunner struct {
	log *zerolog.Logger
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner(logger *zerolog.Logger) *ExecRunner {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ExecRunner{log: logger}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (RunResult, error) {
	if c.Name == "" {
		return RunResult{}, errors.New("subprocess: empty command")
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	r.log.Debug().Str("cmd", c.String()).Str("dir", c.Dir).Msg("executing command")
	err := cmd.Run()
	res := RunResult{Stdout: stdout.Bytes(), StderrTail: stderr.String(), Duration: time.Since(start)}

	if err == nil {
		r.log.Debug().Str("cmd", c.Name).Dur("took", res.Duration).Msg("command succeeded")
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	r.log.Warn().
		Str("cmd", c.Name).
		Int("exit_code", res.ExitCode).
		Dur("took", res.Duration).
		Str("stderr_tail", lastLines(res.StderrTail, 5)).
		Msg("command failed")
	return res, &CommandError{Cmd: c.Name, ExitCode: res.ExitCode, Tail: res.StderrTail, Err: err}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Vars are the placeholders a command template may use.
type Vars struct {
	JobID      string
	Video      string
	Transcript string
	WorkDir    string
	Out        string
}

// Expand substitutes {job_id} {video} {transcript} {work_dir} and {out}
// in every argument of tmpl.
func Expand(tmpl []string, v Vars) (Command, error) {
	if len(tmpl) == 0 || strings.TrimSpace(tmpl[0]) == "" {
		return Command{}, errors.New("subprocess: empty command template")
	}
	rep := strings.NewReplacer(
		"{job_id}", v.JobID,
		"{video}", v.Video,
		"{transcript}", v.Transcript,
		"{work_dir}", v.WorkDir,
		"{out}", v.Out,
	)
	args := make([]string, len(tmpl)-1)
	for i, a := range tmpl[1:] {
		args[i] = rep.Replace(a)
	}
	return Command{Name: rep.Replace(tmpl[0]), Args: args}, nil
}
