package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jarvis-platform/jarvis-admin/internal/docker"
	"github.com/jarvis-platform/jarvis-admin/internal/modules"
	"github.com/jarvis-platform/jarvis-admin/internal/ws"
)

// Broadcast channel names.
const (
	chanContainers = "containers"
	chanModules    = "modules"
)

const debounceDelay = 200 * time.Millisecond

// channelDebouncer manages per-channel trailing-edge debounce timers.
// Each event type resets its own timer; the timer fires 200ms after the
// last event of that type.
type channelDebouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newChannelDebouncer() *channelDebouncer {
	return &channelDebouncer{
		timers: make(map[string]*time.Timer),
	}
}

// trigger resets the timer for the given channel. When the timer fires it
// calls fn in a new goroutine.
func (d *channelDebouncer) trigger(channel string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[channel]; ok {
		t.Stop()
	}
	d.timers[channel] = time.AfterFunc(debounceDelay, fn)
}

// stop cancels all pending timers.
func (d *channelDebouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
}

// broadcastState holds per-channel FNV hashes for deduplication.
type broadcastState struct {
	mu       sync.Mutex
	lastHash map[string]uint64
	hasher   hash.Hash64
}

func newBroadcastState() *broadcastState {
	return &broadcastState{
		lastHash: make(map[string]uint64),
		hasher:   fnv.New64a(),
	}
}

// broadcastIfChanged marshals data, computes FNV-1a hash, and broadcasts
// to all authenticated connections only if the hash differs from the last
// broadcast on this channel. Returns true if a broadcast was sent.
func (bs *broadcastState) broadcastIfChanged(wss *ws.Server, channel string, data any) bool {
	msg, err := json.Marshal(ws.ServerMessage[any]{
		Event: channel,
		Data:  data,
	})
	if err != nil {
		slog.Error("broadcast marshal", "channel", channel, "err", err)
		return false
	}

	bs.mu.Lock()
	bs.hasher.Reset()
	bs.hasher.Write(msg)
	sum := bs.hasher.Sum64()
	changed := sum != bs.lastHash[channel]
	if changed {
		bs.lastHash[channel] = sum
	}
	bs.mu.Unlock()

	if !changed {
		slog.Debug("broadcast skipped (unchanged)", "channel", channel)
		return false
	}

	wss.BroadcastAuthenticatedBytes(msg)
	slog.Debug("broadcast sent", "channel", channel, "bytes", len(msg))
	return true
}

// ModulesFeed is the payload of the modules channel.
type ModulesFeed struct {
	Modules []modules.ModuleView `json:"modules"`
	Error   string               `json:"error,omitempty"`
}

func (app *App) modulesFeed(ctx context.Context) ModulesFeed {
	listing := app.Modules.List(ctx)
	feed := ModulesFeed{Modules: listing.Modules}
	switch {
	case !app.Registry.Present():
		feed.Error = errNoRegistry
	case listing.Err != nil:
		feed.Error = listingError(listing.Err)
	}
	return feed
}

func (app *App) containersFeed(ctx context.Context) []ContainerView {
	views, err := app.containerViews(ctx)
	if err != nil {
		slog.Warn("containers feed", "err", err)
		return []ContainerView{}
	}
	return views
}

func (app *App) broadcastContainers() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app.bcastState.broadcastIfChanged(app.WS, chanContainers, app.containersFeed(ctx))
}

func (app *App) broadcastModules() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app.bcastState.broadcastIfChanged(app.WS, chanModules, app.modulesFeed(ctx))
}

// sendAllBroadcastsTo sends the current state of every channel to a single
// connection. Used right after a connection authenticates.
func (app *App) sendAllBroadcastsTo(c *ws.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		wg         sync.WaitGroup
		containers []ContainerView
		feed       ModulesFeed
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		containers = app.containersFeed(ctx)
	}()
	go func() {
		defer wg.Done()
		feed = app.modulesFeed(ctx)
	}()
	wg.Wait()

	ws.SendEvent(c, chanContainers, containers)
	ws.SendEvent(c, chanModules, feed)
}

// InitBroadcast initializes the broadcast state. Must be called before
// StartBroadcastWatcher or any broadcast trigger methods.
func (app *App) InitBroadcast() {
	app.bcastState = newBroadcastState()
	app.debouncer = newChannelDebouncer()
}

// StartBroadcastWatcher subscribes to runtime events and pushes debounced
// container and module snapshots. Without a runtime there are no events;
// registry reloads still reach clients through TriggerModulesBroadcast.
func (app *App) StartBroadcastWatcher(ctx context.Context) {
	rt, ok := app.Docker.Get()
	if !ok {
		slog.Warn("live feed without container events: docker is not available")
		return
	}
	go app.runBroadcastWatcherLoop(ctx, rt)
}

// runBroadcastWatcherLoop subscribes to runtime events and dispatches to
// the broadcasters. On error or channel close it retries with exponential
// backoff; after repeated failures the feed stops pushing and clients fall
// back to polling the HTTP API.
func (app *App) runBroadcastWatcherLoop(ctx context.Context, rt docker.Runtime) {
	defer app.debouncer.stop()

	const maxRetries = 5
	failures := 0
	backoff := 1 * time.Second

	for {
		eventCh, errCh := rt.Events(ctx)

		err := app.consumeBroadcastEvents(ctx, eventCh, errCh)
		if ctx.Err() != nil {
			return
		}

		failures++
		if failures > maxRetries {
			slog.Error("docker events (broadcast): giving up", "failures", failures, "lastErr", err)
			return
		}

		slog.Warn("docker events (broadcast): retrying", "attempt", failures, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// consumeBroadcastEvents reads runtime events until the channel closes or
// errors.
func (app *App) consumeBroadcastEvents(ctx context.Context, eventCh <-chan docker.ContainerEvent, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-eventCh:
			if !ok {
				return fmt.Errorf("docker events channel closed")
			}
			slog.Debug("docker event", "action", evt.Action, "container", evt.Name)

			if !app.WS.HasAuthenticatedConns() {
				continue
			}
			app.TriggerContainersBroadcast()
			if _, managed := docker.ServiceIDFromName(evt.Name); managed {
				app.TriggerModulesBroadcast()
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			return fmt.Errorf("docker events error: %w", err)
		}
	}
}

// TriggerContainersBroadcast triggers a debounced containers broadcast.
func (app *App) TriggerContainersBroadcast() {
	if app.debouncer != nil {
		app.debouncer.trigger(chanContainers, app.broadcastContainers)
	}
}

// TriggerModulesBroadcast triggers a debounced modules broadcast. The
// registry watcher calls it after every reload.
func (app *App) TriggerModulesBroadcast() {
	if app.debouncer != nil {
		app.debouncer.trigger(chanModules, app.broadcastModules)
	}
}
