package config

import (
	"strings"
	"sync/atomic"
)

// Endpoints are the upstream base URLs the server talks to. A value is never
// modified after it is published; reconfiguration builds a new one.
type Endpoints struct {
	AuthURL          string `json:"authUrl"`
	ConfigURL        string `json:"configUrl"`
	SettingsURL      string `json:"settingsUrl"`
	LLMProxyURL      string `json:"llmProxyUrl"`
	CommandCenterURL string `json:"commandCenterUrl"`
}

func trimSlash(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

func (e Endpoints) normalized() Endpoints {
	e.AuthURL = trimSlash(e.AuthURL)
	e.ConfigURL = trimSlash(e.ConfigURL)
	e.SettingsURL = trimSlash(e.SettingsURL)
	e.LLMProxyURL = trimSlash(e.LLMProxyURL)
	e.CommandCenterURL = trimSlash(e.CommandCenterURL)
	return e
}

// WithCore returns a copy pointing at a new auth and config service. Settings
// live on the config service.
func (e Endpoints) WithCore(authURL, configURL string) Endpoints {
	e.AuthURL = authURL
	e.ConfigURL = configURL
	e.SettingsURL = configURL
	return e.normalized()
}

// WithServices returns a copy with any of the named services the config
// service reported. Keys are the short registry names.
func (e Endpoints) WithServices(urls map[string]string) Endpoints {
	if v := urls["auth"]; v != "" {
		e.AuthURL = v
	}
	if v := urls["llm-proxy"]; v != "" {
		e.LLMProxyURL = v
	}
	if v := urls["command-center"]; v != "" {
		e.CommandCenterURL = v
	}
	return e.normalized()
}

// Configured reports whether an auth service is known.
func (e Endpoints) Configured() bool {
	return e.AuthURL != ""
}

// EndpointStore publishes the current Endpoints to request handlers.
type EndpointStore struct {
	cur atomic.Pointer[Endpoints]
}

// NewEndpointStore returns a store holding initial.
func NewEndpointStore(initial Endpoints) *EndpointStore {
	s := &EndpointStore{}
	s.Set(initial)
	return s
}

// Get returns the current value. Handlers read it once per request.
func (s *EndpointStore) Get() Endpoints {
	return *s.cur.Load()
}

// Set publishes e.
func (s *EndpointStore) Set(e Endpoints) {
	e = e.normalized()
	s.cur.Store(&e)
}

// Update applies fn to the current value and publishes the result, retrying
// if another update won the race.
func (s *EndpointStore) Update(fn func(Endpoints) Endpoints) Endpoints {
	for {
		old := s.cur.Load()
		next := fn(*old).normalized()
		if s.cur.CompareAndSwap(old, &next) {
			return next
		}
	}
}
