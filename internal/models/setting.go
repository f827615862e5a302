package models

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jarvis-platform/jarvis-admin/internal/config"
	"github.com/jarvis-platform/jarvis-admin/internal/db"
)

const settingCacheTTL = 60 * time.Second

// Setting keys written by the setup wizard.
const (
	SettingAuthURL          = "authUrl"
	SettingConfigURL        = "configUrl"
	SettingLLMProxyURL      = "llmProxyUrl"
	SettingCommandCenterURL = "commandCenterUrl"
)

type SettingStore struct {
	db    *bolt.DB
	mu    sync.RWMutex
	cache map[string]settingEntry
}

type settingEntry struct {
	value   string
	expires time.Time
}

func NewSettingStore(database *bolt.DB) *SettingStore {
	return &SettingStore{
		db:    database,
		cache: make(map[string]settingEntry),
	}
}

// Get retrieves a setting value by key. Returns "" if not found.
func (s *SettingStore) Get(key string) (string, error) {
	s.mu.RLock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, nil
	}
	s.mu.RUnlock()

	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(db.BucketSettings).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = settingEntry{value: val, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()

	return val, nil
}

// Set stores a setting value (upsert).
func (s *SettingStore) Set(key, value string) error {
	return s.SetMany(map[string]string{key: value})
}

// SetMany stores several settings in one transaction.
func (s *SettingStore) SetMany(values map[string]string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketSettings)
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set settings: %w", err)
	}

	expires := time.Now().Add(settingCacheTTL)
	s.mu.Lock()
	for k, v := range values {
		s.cache[k] = settingEntry{value: v, expires: expires}
	}
	s.mu.Unlock()

	return nil
}

// GetAll returns all settings as a map.
func (s *SettingStore) GetAll() (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSettings).ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get all settings: %w", err)
	}
	return result, nil
}

// InvalidateCache clears the settings cache.
func (s *SettingStore) InvalidateCache() {
	s.mu.Lock()
	s.cache = make(map[string]settingEntry)
	s.mu.Unlock()
}

// SaveEndpoints persists the upstream URLs chosen during setup. Empty URLs
// are stored as empty so a later load does not resurrect an old value.
func (s *SettingStore) SaveEndpoints(e config.Endpoints) error {
	return s.SetMany(map[string]string{
		SettingAuthURL:          e.AuthURL,
		SettingConfigURL:        e.ConfigURL,
		SettingLLMProxyURL:      e.LLMProxyURL,
		SettingCommandCenterURL: e.CommandCenterURL,
	})
}

// ApplyEndpoints overlays persisted setup values on base. Keys never saved
// leave base untouched.
func (s *SettingStore) ApplyEndpoints(base config.Endpoints) (config.Endpoints, error) {
	all, err := s.GetAll()
	if err != nil {
		return base, err
	}
	if _, ok := all[SettingAuthURL]; !ok {
		return base, nil
	}

	out := base.WithCore(all[SettingAuthURL], all[SettingConfigURL])
	out.LLMProxyURL = all[SettingLLMProxyURL]
	out.CommandCenterURL = all[SettingCommandCenterURL]
	return out, nil
}
