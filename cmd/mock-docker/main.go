// Command mock-docker masquerades as the `docker` CLI. When placed first on
// PATH, the compose executor resolves to this binary.
//
// It understands `docker compose [-f file] --profile P up -d|stop`, prints
// compose-style progress lines and tells the fake daemon about the state
// change via POST /_mock/state/{profile} over the Unix socket named by
// DOCKER_HOST. Setting MOCK_DOCKER_FAIL makes it exit 1 with that text on
// stderr, which is how enable/disable failures are rehearsed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "mock-docker: no command specified")
		os.Exit(1)
	}

	if msg := os.Getenv("MOCK_DOCKER_FAIL"); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}

	switch args[0] {
	case "compose":
		handleCompose(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "[mock-docker] unsupported command: %s\n", args[0])
		os.Exit(0)
	}
}

func handleCompose(args []string) {
	var profile, subcmd string
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-f" || a == "--file":
			i++ // the file itself is not read
		case a == "--profile" && i+1 < len(args):
			profile = args[i+1]
			i++
		case strings.HasPrefix(a, "-"):
			// -d and other flags
		case subcmd == "":
			subcmd = a
		}
	}

	if subcmd == "" {
		fmt.Fprintln(os.Stderr, "mock-docker: no compose subcommand")
		os.Exit(1)
	}
	if profile == "" {
		fmt.Fprintln(os.Stderr, "mock-docker: no --profile given")
		os.Exit(1)
	}

	switch subcmd {
	case "up":
		names := setProfileState(profile, "running")
		printProgress("Running", names, "Started")
	case "stop":
		names := setProfileState(profile, "exited")
		printProgress("Stopping", names, "Stopped")
	default:
		fmt.Fprintf(os.Stderr, "[mock-docker] unsupported compose command: %s\n", subcmd)
	}
}

// printProgress writes the non-TTY form of compose v2 progress output.
func printProgress(verb string, names []string, done string) {
	fmt.Fprintf(os.Stderr, " %s %d/%d\n", verb, len(names), len(names))
	for _, n := range names {
		fmt.Fprintf(os.Stderr, " Container %s  %s\n", n, done)
	}
}

// --- Mock State Communication ---

func setProfileState(profile, status string) []string {
	body, _ := json.Marshal(map[string]string{"status": status})
	resp, err := mockHTTP("POST", "/_mock/state/"+profile, body)
	if err != nil {
		return nil
	}
	var out struct {
		Containers []string `json:"containers"`
	}
	json.Unmarshal(resp, &out)
	return out.Containers
}

func mockHTTP(method, path string, body []byte) ([]byte, error) {
	dockerHost := os.Getenv("DOCKER_HOST")
	if dockerHost == "" || !strings.HasPrefix(dockerHost, "unix://") {
		return nil, fmt.Errorf("not in mock mode")
	}
	socketPath := strings.TrimPrefix(dockerHost, "unix://")

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.DialTimeout("unix", socketPath, 2*time.Second)
			},
		},
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, "http://docker"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}
