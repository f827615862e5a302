// Package compose brings module profiles up and down through the docker
// compose CLI. Calls are attempt-once: success means the tool exited 0, not
// that the containers reached any particular state.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultUpTimeout   = 120 * time.Second
	DefaultStopTimeout = 60 * time.Second
)

var (
	profilePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	filePattern    = regexp.MustCompile(`^[a-zA-Z0-9_./][a-zA-Z0-9_./-]*$`)

	// ErrInvalidArgument is returned for a profile or file that could be
	// mistaken for a flag or contains unexpected characters.
	ErrInvalidArgument = errors.New("invalid compose argument")
)

// Output is what the tool wrote.
type Output struct {
	Stdout string
	Stderr string
}

// Composer enables and disables compose profiles. file may be empty to let
// compose find its project file.
type Composer interface {
	EnableModule(ctx context.Context, profile, file string) (Output, error)
	DisableModule(ctx context.Context, profile, file string) (Output, error)
}

// CommandError is a compose invocation that failed or ran out of time.
type CommandError struct {
	Args     []string
	Output   Output
	Err      error
	TimedOut bool
}

// Diagnostic is the tool's own explanation: stderr, else stdout, else the
// process error.
func (e *CommandError) Diagnostic() string {
	if s := strings.TrimSpace(e.Output.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Output.Stdout); s != "" {
		return s
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return "timed out: " + e.Diagnostic()
	}
	return e.Diagnostic()
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exec runs the real docker CLI.
type Exec struct {
	Binary      string // default "docker"
	DockerHost  string // exported as DOCKER_HOST when set
	Dir         string // working directory; empty means the server's
	UpTimeout   time.Duration
	StopTimeout time.Duration
}

// EnableModule runs `docker compose [-f file] --profile P up -d`.
func (e *Exec) EnableModule(ctx context.Context, profile, file string) (Output, error) {
	return e.run(ctx, profile, file, orDefault(e.UpTimeout, DefaultUpTimeout), "up", "-d")
}

// DisableModule runs `docker compose [-f file] --profile P stop`.
func (e *Exec) DisableModule(ctx context.Context, profile, file string) (Output, error) {
	return e.run(ctx, profile, file, orDefault(e.StopTimeout, DefaultStopTimeout), "stop")
}

// Args builds the argument vector for a compose action after validating
// profile and file.
func Args(profile, file string, action ...string) ([]string, error) {
	if !profilePattern.MatchString(profile) {
		return nil, fmt.Errorf("%w: profile %q", ErrInvalidArgument, profile)
	}
	args := []string{"compose"}
	if file != "" {
		if !filePattern.MatchString(file) {
			return nil, fmt.Errorf("%w: file %q", ErrInvalidArgument, file)
		}
		args = append(args, "-f", file)
	}
	args = append(args, "--profile", profile)
	return append(args, action...), nil
}

func (e *Exec) run(ctx context.Context, profile, file string, timeout time.Duration, action ...string) (Output, error) {
	args, err := Args(profile, file, action...)
	if err != nil {
		return Output{}, err
	}

	// A request that goes away must not kill compose half way through.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	bin := e.Binary
	if bin == "" {
		bin = "docker"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = e.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	if e.DockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+e.DockerHost)
	}

	start := time.Now()
	err = cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		cerr := &CommandError{
			Args:     append([]string{bin}, args...),
			Output:   out,
			Err:      err,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
		slog.Warn("compose command failed", "args", strings.Join(args, " "), "timedOut", cerr.TimedOut, "err", cerr)
		return out, cerr
	}

	slog.Info("compose command done", "args", strings.Join(args, " "), "elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

var _ Composer = (*Exec)(nil)
