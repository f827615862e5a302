package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemCache(initial string) *memCache {
	c := &memCache{vals: map[string]string{}}
	if initial != "" {
		c.vals[CacheKey] = initial
	}
	return c
}

func (c *memCache) CachedURL(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vals[key], nil
}

func (c *memCache) SaveURL(key, u string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[key] = u
	return nil
}

func noHarvest(context.Context) (netip.Addr, error) {
	return netip.Addr{}, errors.New("no network")
}

// configService serves /info with the marker and resolves jarvis-auth.
func configService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"service": Marker})
	})
	mux.HandleFunc("GET /services/jarvis-auth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServiceLocation{Name: "jarvis-auth", Host: "10.0.0.9", Port: 8007, Scheme: "http"})
	})
	mux.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"services":[
			{"name":"auth","url":"http://10.0.0.9:8007","host":"10.0.0.9","port":8007},
			{"name":"llm-proxy","url":"http://10.0.0.9:7704","host":"10.0.0.9","port":7704},
			{"name":"pending","url":"","host":"","port":0}
		]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	_, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func TestDiscoverFromCache(t *testing.T) {
	t.Parallel()
	srv := configService(t)
	cache := newMemCache(srv.URL + "/some/path")

	var probes atomic.Int32
	c := &Client{Cache: cache, Harvest: noHarvest}
	c.Probe = func(ctx context.Context, base string) bool {
		probes.Add(1)
		return c.probeInfo(ctx, base)
	}

	res, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{ConfigURL: srv.URL, AuthURL: "http://10.0.0.9:8007", SettingsURL: srv.URL}, res)
	assert.EqualValues(t, 1, probes.Load(), "only the cached url should be probed")
}

func TestDiscoverStaleCacheFallsBackToLocalhost(t *testing.T) {
	t.Parallel()
	srv := configService(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cache := newMemCache(deadURL)
	c := &Client{
		Cache:     cache,
		Harvest:   noHarvest,
		LocalHost: "127.0.0.1",
		Ports:     []int{serverPort(t, srv)},
	}

	res, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL, res.ConfigURL)

	cached, _ := cache.CachedURL(CacheKey)
	assert.Equal(t, srv.URL, cached, "successful discovery overwrites the cache")
}

func TestProbeRejectsWrongMarker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"service":"jarvis-auth"}`))
	}))
	defer srv.Close()

	c := &Client{}
	assert.False(t, c.probeInfo(context.Background(), srv.URL))
}

func TestProbeTimesOut(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := &Client{}
	start := time.Now()
	assert.False(t, c.probeInfo(context.Background(), srv.URL))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLocateLocalhostSweep(t *testing.T) {
	t.Parallel()
	c := &Client{
		Harvest: noHarvest,
		Probe: func(ctx context.Context, base string) bool {
			return base == "http://localhost:8016"
		},
	}
	u, err := c.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8016", u)
}

func TestLocateSubnetStopsAtFirstSuccessfulBatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	probed := map[string]bool{}
	c := &Client{
		Harvest: func(context.Context) (netip.Addr, error) {
			return netip.MustParseAddr("10.0.0.5"), nil
		},
		Probe: func(ctx context.Context, base string) bool {
			u, _ := url.Parse(base)
			mu.Lock()
			probed[u.Hostname()] = true
			mu.Unlock()
			return base == "http://10.0.0.77:8013"
		},
	}

	u, err := c.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.77:8013", u)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, probed["10.0.0.5"], "own address must not be probed")
	// .77 sits in the fourth batch (hosts .62 to .81); later batches never start.
	assert.True(t, probed["10.0.0.1"])
	assert.False(t, probed["10.0.0.82"])
	assert.False(t, probed["10.0.0.254"])
}

func TestLocateExhausted(t *testing.T) {
	t.Parallel()
	c := &Client{
		Harvest: noHarvest,
		Probe:   func(context.Context, string) bool { return false },
	}
	_, err := c.Locate(context.Background())
	require.ErrorIs(t, err, ErrExhausted)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "Could not find jarvis-config-service on the network", err.Error())
	assert.Len(t, ex.Notes, 1)
}

func TestLocateExhaustedAfterFullSubnet(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	c := &Client{
		Harvest: func(context.Context) (netip.Addr, error) { return netip.MustParseAddr("192.168.1.10"), nil },
		Probe: func(context.Context, string) bool {
			probes.Add(1)
			return false
		},
	}
	_, err := c.Locate(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, (1+253)*len(Ports), probes.Load())
}

func TestFirstSuccessDoesNotWaitForSlowProbes(t *testing.T) {
	t.Parallel()

	var cancelled atomic.Int32
	candidates := []string{"a", "b", "c", "d", "e", "f"}
	probe := func(ctx context.Context, cand string) bool {
		if cand == "c" {
			return true
		}
		select {
		case <-ctx.Done():
			cancelled.Add(1)
		case <-time.After(10 * time.Second):
		}
		return false
	}

	start := time.Now()
	u, ok := firstSuccess(context.Background(), candidates, probe)
	require.True(t, ok)
	assert.Equal(t, "c", u)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Eventually(t, func() bool { return cancelled.Load() == 5 }, 2*time.Second, 10*time.Millisecond,
		"siblings should observe cancellation")
}

func TestFirstSuccessNone(t *testing.T) {
	t.Parallel()
	_, ok := firstSuccess(context.Background(), []string{"a", "b"}, func(context.Context, string) bool { return false })
	assert.False(t, ok)
	_, ok = firstSuccess(context.Background(), nil, nil)
	assert.False(t, ok)
}

func TestSubnetHosts(t *testing.T) {
	t.Parallel()
	hosts := SubnetHosts(netip.MustParseAddr("192.168.50.42"))
	require.Len(t, hosts, 253)
	assert.Equal(t, "192.168.50.1", hosts[0].String())
	assert.Equal(t, "192.168.50.254", hosts[252].String())
	for _, h := range hosts {
		assert.NotEqual(t, "192.168.50.42", h.String())
	}
	assert.Nil(t, SubnetHosts(netip.MustParseAddr("::1")))
}

func TestResolveAuthFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := (&Client{}).ResolveAuth(context.Background(), srv.URL)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Status)
}

func TestListServices(t *testing.T) {
	t.Parallel()
	srv := configService(t)

	got, err := (&Client{}).ListServices(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"auth":      "http://10.0.0.9:8007",
		"llm-proxy": "http://10.0.0.9:7704",
	}, got)
}
