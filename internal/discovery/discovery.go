// Package discovery locates the platform's config service when no address is
// configured. Stages run in order and stop at the first success:
//
//  1. the cached URL, revalidated with a probe
//  2. localhost on every candidate port, concurrently
//  3. the rest of the host's /24 subnet, in batches
//
// Every probe is a single GET of /info with a short timeout. Nothing is
// retried; when all stages fail the caller gets an *ExhaustedError and may
// start again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Marker is the service field a config service reports from /info.
	Marker = "jarvis-config-service"

	// CacheKey names the persisted last-known URL.
	CacheKey = "jarvis-config-service-url"

	ProbeTimeout    = 800 * time.Millisecond
	SubnetBatchSize = 20
	HarvestTimeout  = 3 * time.Second
)

// Ports are the candidate config-service ports, probed in this order.
var Ports = []int{8013, 8014, 8015, 8016, 8017, 8018, 8019, 8020}

// ErrExhausted matches any *ExhaustedError.
var ErrExhausted = errors.New("discovery exhausted")

// ExhaustedError is returned when no stage found the config service.
type ExhaustedError struct {
	// Notes records why stages that could not run were skipped.
	Notes []string
}

func (e *ExhaustedError) Error() string {
	return "Could not find " + Marker + " on the network"
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Cache persists the last discovered URL. models.DiscoveryStore implements it.
type Cache interface {
	CachedURL(key string) (string, error)
	SaveURL(key, url string) error
}

// Prober reports whether baseURL is the config service.
type Prober func(ctx context.Context, baseURL string) bool

// Harvester returns this host's LAN IPv4 address.
type Harvester func(ctx context.Context) (netip.Addr, error)

// Result holds the upstream URLs derived from a successful discovery.
type Result struct {
	ConfigURL   string `json:"configUrl"`
	AuthURL     string `json:"authUrl"`
	SettingsURL string `json:"settingsUrl"`
}

// Client runs discovery. The zero value is usable: every nil field falls back
// to its default.
type Client struct {
	HTTP      *http.Client
	Cache     Cache
	Probe     Prober
	Harvest   Harvester
	LocalHost string // default "localhost"
	Ports     []int
	BatchSize int
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) prober() Prober {
	if c.Probe != nil {
		return c.Probe
	}
	return c.probeInfo
}

func (c *Client) ports() []int {
	if len(c.Ports) > 0 {
		return c.Ports
	}
	return Ports
}

// Discover locates the config service, caches its URL and resolves the auth
// service through it.
func (c *Client) Discover(ctx context.Context) (Result, error) {
	configURL, err := c.Locate(ctx)
	if err != nil {
		return Result{}, err
	}

	if c.Cache != nil {
		if err := c.Cache.SaveURL(CacheKey, configURL); err != nil {
			slog.Warn("discovery cache write failed", "url", configURL, "err", err)
		}
	}

	authURL, err := c.ResolveAuth(ctx, configURL)
	if err != nil {
		return Result{}, err
	}
	return Result{ConfigURL: configURL, AuthURL: authURL, SettingsURL: configURL}, nil
}

// Locate runs the search stages and returns the config service base URL.
func (c *Client) Locate(ctx context.Context) (string, error) {
	var notes []string

	if u, ok := c.checkCached(ctx); ok {
		slog.Info("discovery: cached config service still valid", "url", u)
		return u, nil
	}

	if u, ok := c.scanLocalhost(ctx); ok {
		slog.Info("discovery: found config service on localhost", "url", u)
		return u, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	harvest := c.Harvest
	if harvest == nil {
		harvest = HarvestHostIPv4
	}
	ip, err := harvest(ctx)
	if err != nil {
		slog.Warn("discovery: subnet scan skipped", "err", err)
		notes = append(notes, "subnet scan skipped: "+err.Error())
	} else if u, ok := c.scanSubnet(ctx, ip); ok {
		slog.Info("discovery: found config service on subnet", "url", u, "local", ip)
		return u, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return "", &ExhaustedError{Notes: notes}
}

func (c *Client) checkCached(ctx context.Context) (string, bool) {
	if c.Cache == nil {
		return "", false
	}
	cached, err := c.Cache.CachedURL(CacheKey)
	if err != nil {
		slog.Warn("discovery cache read failed", "err", err)
		return "", false
	}
	if cached == "" {
		return "", false
	}
	u, err := url.Parse(cached)
	if err != nil || u.Host == "" {
		slog.Debug("discovery: ignoring malformed cache entry", "url", cached)
		return "", false
	}
	base := (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
	if c.prober()(ctx, base) {
		return base, true
	}
	slog.Debug("discovery: cached config service did not answer", "url", base)
	return "", false
}

func (c *Client) scanLocalhost(ctx context.Context) (string, bool) {
	host := c.LocalHost
	if host == "" {
		host = "localhost"
	}
	return firstSuccess(ctx, c.candidates([]string{host}), c.prober())
}

func (c *Client) scanSubnet(ctx context.Context, local netip.Addr) (string, bool) {
	hosts := SubnetHosts(local)
	batch := c.BatchSize
	if batch <= 0 {
		batch = SubnetBatchSize
	}
	for i := 0; i < len(hosts); i += batch {
		end := min(i+batch, len(hosts))
		names := make([]string, 0, end-i)
		for _, h := range hosts[i:end] {
			names = append(names, h.String())
		}
		if u, ok := firstSuccess(ctx, c.candidates(names), c.prober()); ok {
			return u, true
		}
		if ctx.Err() != nil {
			return "", false
		}
	}
	return "", false
}

func (c *Client) candidates(hosts []string) []string {
	out := make([]string, 0, len(hosts)*len(c.ports()))
	for _, h := range hosts {
		for _, p := range c.ports() {
			out = append(out, "http://"+net.JoinHostPort(h, strconv.Itoa(p)))
		}
	}
	return out
}

// SubnetHosts returns every host address .1 through .254 of local's /24
// except local itself. That is 253 addresses, or 254 when local is the
// network or broadcast address.
func SubnetHosts(local netip.Addr) []netip.Addr {
	if !local.Is4() {
		return nil
	}
	b := local.As4()
	out := make([]netip.Addr, 0, 253)
	for i := 1; i <= 254; i++ {
		if byte(i) == b[3] {
			continue
		}
		out = append(out, netip.AddrFrom4([4]byte{b[0], b[1], b[2], byte(i)}))
	}
	return out
}

// firstSuccess probes every candidate concurrently and returns as soon as one
// succeeds. Remaining probes are cancelled and not waited for.
func firstSuccess(ctx context.Context, candidates []string, probe Prober) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan string, len(candidates))
	var wg sync.WaitGroup
	for _, cand := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if probe(ctx, cand) {
				found <- cand
			}
		}()
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case u := <-found:
		return u, true
	case <-allDone:
		select {
		case u := <-found:
			return u, true
		default:
			return "", false
		}
	case <-ctx.Done():
		return "", false
	}
}

type infoResponse struct {
	Service string `json:"service"`
}

func (c *Client) probeInfo(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	var info infoResponse
	if err := getJSON(ctx, c.httpClient(), strings.TrimRight(baseURL, "/")+"/info", &info); err != nil {
		return false
	}
	return info.Service == Marker
}

// StatusError is a non-2xx answer from the config service.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.URL, e.Status)
}
