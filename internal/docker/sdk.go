package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DefaultExecTimeout bounds ExecInContainer. Sized for model downloads.
const DefaultExecTimeout = 10 * time.Minute

const (
	callTimeout   = 30 * time.Second
	restartGraceS = 10
	shortIDLength = 12
)

// SDKClient implements Runtime using the Docker Engine SDK.
type SDKClient struct {
	cli *client.Client

	// ExecTimeout overrides DefaultExecTimeout when positive.
	ExecTimeout time.Duration
}

// NewSDKClient creates an SDKClient that connects to the Docker daemon
// via the default socket (DOCKER_HOST or /var/run/docker.sock).
func NewSDKClient() (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

// NewSDKClientWithHost creates an SDKClient connected to a specific Docker host.
// The host parameter should be a full URI like "unix:///path/to/docker.sock".
func NewSDKClientWithHost(host string) (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk with host: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

func (s *SDKClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	_, err := s.cli.Ping(ctx)
	return err == nil
}

func (s *SDKClient) ListManagedContainers(ctx context.Context) ([]ContainerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	raw, err := s.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]ContainerRecord, 0, len(raw))
	for _, c := range raw {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		} else if len(c.ID) >= shortIDLength {
			name = c.ID[:shortIDLength]
		}
		if !isManaged(name, c.Labels) {
			continue
		}

		ports := make([]PortPair, 0, len(c.Ports))
		for _, p := range c.Ports {
			pair := PortPair{Private: p.PrivatePort}
			if p.PublicPort != 0 {
				pub := p.PublicPort
				pair.Public = &pub
			}
			ports = append(ports, pair)
		}

		labels := c.Labels
		if labels == nil {
			labels = map[string]string{}
		}

		result = append(result, ContainerRecord{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   strings.ToLower(string(c.State)),
			Status:  c.Status,
			Ports:   ports,
			Labels:  labels,
			Created: time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
		})
	}

	// Sort by name for deterministic serialization
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result, nil
}

func (s *SDKClient) GetContainerStatus(ctx context.Context, id string) (ContainerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	info, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerRecord{}, ErrContainerNotFound
		}
		return ContainerRecord{}, fmt.Errorf("container inspect: %w", err)
	}
	if info.ContainerJSONBase == nil {
		return ContainerRecord{}, fmt.Errorf("container inspect %s: empty response", id)
	}

	rec := ContainerRecord{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Created: info.Created,
		Ports:   []PortPair{},
		Labels:  map[string]string{},
	}
	if info.State != nil {
		rec.State = strings.ToLower(string(info.State.Status))
		rec.Status = rec.State
	}
	if info.Config != nil {
		rec.Image = info.Config.Image
		if info.Config.Labels != nil {
			rec.Labels = info.Config.Labels
		}
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			pair := PortPair{Private: uint16(port.Int())}
			if len(bindings) > 0 && bindings[0].HostPort != "" {
				if n, err := strconv.ParseUint(bindings[0].HostPort, 10, 16); err == nil {
					pub := uint16(n)
					pair.Public = &pub
				}
			}
			rec.Ports = append(rec.Ports, pair)
		}
		sort.Slice(rec.Ports, func(i, j int) bool {
			return rec.Ports[i].Private < rec.Ports[j].Private
		})
	}
	return rec, nil
}

func (s *SDKClient) RestartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	grace := restartGraceS
	if err := s.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

func (s *SDKClient) GetContainerStats(ctx context.Context, id string) (ResourceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := s.cli.ContainerStats(ctx, id, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ResourceSnapshot{}, ErrContainerNotFound
		}
		return ResourceSnapshot{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return ResourceSnapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return ComputeSnapshot(&stats), nil
}

func (s *SDKClient) Events(ctx context.Context) (<-chan ContainerEvent, <-chan error) {
	out := make(chan ContainerEvent, 64)
	outErr := make(chan error, 1)

	opts := events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
		),
	}

	msgCh, errCh := s.cli.Events(ctx, opts)

	go func() {
		defer close(out)
		defer close(outErr)

		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}

				switch msg.Action {
				case events.ActionStart, events.ActionStop, events.ActionDie,
					events.ActionPause, events.ActionUnPause,
					events.ActionDestroy, events.ActionCreate:
					// ok
				default:
					continue
				}

				evt := ContainerEvent{
					Action:      string(msg.Action),
					ContainerID: msg.Actor.ID,
					Name:        msg.Actor.Attributes["name"],
				}

				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}

			case err, ok := <-errCh:
				if !ok {
					return
				}
				select {
				case outErr <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, outErr
}

func (s *SDKClient) Close() error {
	return s.cli.Close()
}

// Ensure SDKClient implements Runtime at compile time.
var _ Runtime = (*SDKClient)(nil)
