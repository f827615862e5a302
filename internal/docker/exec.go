package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

func (s *SDKClient) execTimeout() time.Duration {
	if s.ExecTimeout > 0 {
		return s.ExecTimeout
	}
	return DefaultExecTimeout
}

// ExecInContainer runs argv inside the container and returns everything it
// wrote to stdout and stderr. The caller's cancellation is ignored: a client
// that disconnects mid-download does not abort the transfer. The run is cut
// off at ExecTimeout instead, by closing the hijacked stream.
func (s *SDKClient) ExecInContainer(ctx context.Context, id string, argv, env []string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("exec: empty command")
	}

	limit := s.execTimeout()
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
	defer cancel()

	created, err := s.cli.ContainerExecCreate(runCtx, id, container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", s.execErr("exec create", err, limit)
	}

	att, err := s.cli.ContainerExecAttach(runCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", s.execErr("exec attach", err, limit)
	}
	defer att.Close()

	// StdCopy writes both streams from one goroutine, so a single buffer
	// keeps the interleaving the daemon sent.
	var out bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, att.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return "", fmt.Errorf("exec read: %w", err)
		}
	case <-runCtx.Done():
		att.Close()
		<-copied
		slog.Warn("exec ceiling reached, stream closed", "container", id, "cmd", argv[0], "limit", limit)
		return "", fmt.Errorf("%w after %s", ErrExecTimeout, limit)
	}

	inspect, err := s.cli.ContainerExecInspect(runCtx, created.ID)
	if err != nil {
		return "", s.execErr("exec inspect", err, limit)
	}
	if inspect.ExitCode != 0 {
		return "", &ExecExitError{Code: inspect.ExitCode, Output: out.String()}
	}
	return out.String(), nil
}

func (s *SDKClient) execErr(op string, err error, limit time.Duration) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrExecTimeout, limit)
	case client.IsErrNotFound(err):
		return ErrContainerNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
