package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// LookupTimeout bounds calls to the config service's registry endpoints.
const LookupTimeout = 5 * time.Second

// AuthServiceName is the registry name resolved after discovery.
const AuthServiceName = "jarvis-auth"

// ServiceLocation is one entry of the config service's registry.
type ServiceLocation struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
}

// URL joins the location into a base URL. Scheme defaults to http.
func (l ServiceLocation) URL() string {
	scheme := l.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// ResolveAuth asks the config service where the auth service lives.
func (c *Client) ResolveAuth(ctx context.Context, configURL string) (string, error) {
	loc, err := c.Resolve(ctx, configURL, AuthServiceName)
	if err != nil {
		return "", fmt.Errorf("resolve %s from config service: %w", AuthServiceName, err)
	}
	return loc.URL(), nil
}

// Resolve looks up one named service.
func (c *Client) Resolve(ctx context.Context, configURL, name string) (ServiceLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	var loc ServiceLocation
	err := getJSON(ctx, c.httpClient(), strings.TrimRight(configURL, "/")+"/services/"+name, &loc)
	return loc, err
}

type servicesResponse struct {
	Services []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"services"`
}

// ListServices returns the registry as short service name to base URL.
func (c *Client) ListServices(ctx context.Context, configURL string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	var resp servicesResponse
	if err := getJSON(ctx, c.httpClient(), strings.TrimRight(configURL, "/")+"/services", &resp); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Services))
	for _, svc := range resp.Services {
		if svc.URL != "" {
			out[svc.Name] = svc.URL
		}
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: rawURL, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}
