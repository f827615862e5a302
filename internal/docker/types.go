package docker

import (
	"errors"
	"fmt"
)

// ManagedLabel marks containers deployed by the platform.
const ManagedLabel = "com.jarvis.managed"

// ContainerRecord is a live runtime fact about one container. Produced fresh
// on every query; never cached.
type ContainerRecord struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   string            `json:"state"` // created, running, restarting, paused, exited, dead
	Status  string            `json:"status"`
	Ports   []PortPair        `json:"ports"`
	Labels  map[string]string `json:"labels"`
	Created string            `json:"created"` // RFC3339
}

// Running reports whether the runtime considers the container running.
func (c ContainerRecord) Running() bool {
	return c.State == "running"
}

// PortPair is one container port. Public is nil when the port is not published.
type PortPair struct {
	Private uint16  `json:"private"`
	Public  *uint16 `json:"public"`
}

// ResourceSnapshot is computed from one non-streaming stats reading.
type ResourceSnapshot struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsageMB float64 `json:"memoryUsageMb"`
	MemoryLimitMB float64 `json:"memoryLimitMb"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// ContainerEvent is a container lifecycle notification.
type ContainerEvent struct {
	Action      string // start, stop, die, create, destroy, pause, unpause
	ContainerID string
	Name        string
}

var (
	// ErrContainerNotFound is returned when the runtime has no such container.
	ErrContainerNotFound = errors.New("container not found")

	// ErrExecTimeout is returned when a command outlives the exec ceiling.
	ErrExecTimeout = errors.New("exec timed out")
)

// ExecExitError reports a command that completed with a non-zero exit code.
type ExecExitError struct {
	Code   int
	Output string
}

func (e *ExecExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}
