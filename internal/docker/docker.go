package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/jarvis-platform/jarvis-admin/internal/opt"
)

// Runtime is the container-runtime gateway. It is only ever handed out after
// a successful liveness probe; when the daemon is unreachable at startup the
// capability is absent rather than failing later.
type Runtime interface {
	// IsAvailable pings the daemon.
	IsAvailable(ctx context.Context) bool

	// ListManagedContainers returns every managed container, stopped ones
	// included, sorted by name.
	ListManagedContainers(ctx context.Context) ([]ContainerRecord, error)

	// GetContainerStatus inspects one container. A missing container yields
	// ErrContainerNotFound; any other failure is returned wrapped.
	GetContainerStatus(ctx context.Context, id string) (ContainerRecord, error)

	// RestartContainer restarts with a 10s grace period before the kill.
	RestartContainer(ctx context.Context, id string) error

	// GetContainerStats takes one non-streaming stats reading.
	GetContainerStats(ctx context.Context, id string) (ResourceSnapshot, error)

	// ExecInContainer runs argv (no shell) and returns combined stdout and
	// stderr. The run is bounded by its own ceiling, not by ctx.
	ExecInContainer(ctx context.Context, id string, argv, env []string) (string, error)

	// Events streams container lifecycle events until ctx is cancelled.
	Events(ctx context.Context) (<-chan ContainerEvent, <-chan error)

	Close() error
}

const pingTimeout = 5 * time.Second

// Connect builds an SDK client for host (empty means DOCKER_HOST or the
// default socket) and probes it. On any failure the returned value is absent
// and err says why.
func Connect(ctx context.Context, host string) (opt.Value[Runtime], error) {
	var (
		cli *SDKClient
		err error
	)
	if host == "" {
		cli, err = NewSDKClient()
	} else {
		cli, err = NewSDKClientWithHost(host)
	}
	if err != nil {
		return opt.None[Runtime](), err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.cli.Ping(pingCtx); err != nil {
		cli.Close()
		return opt.None[Runtime](), fmt.Errorf("docker ping: %w", err)
	}
	return opt.Some[Runtime](cli), nil
}
