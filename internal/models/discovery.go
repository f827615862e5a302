package models

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jarvis-platform/jarvis-admin/internal/db"
)

// DiscoveryEntry is the last base URL a discovery run found. It is a hint:
// readers revalidate it before use and a stale entry is simply overwritten.
type DiscoveryEntry struct {
	URL          string    `json:"url"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

type DiscoveryStore struct {
	db  *bolt.DB
	now func() time.Time
}

func NewDiscoveryStore(database *bolt.DB) *DiscoveryStore {
	return &DiscoveryStore{db: database, now: time.Now}
}

// Entry returns the entry under key, or nil if none was ever saved.
func (s *DiscoveryStore) Entry(key string) (*DiscoveryEntry, error) {
	var entry *DiscoveryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketDiscovery).Get([]byte(key))
		if v == nil {
			return nil
		}
		entry = &DiscoveryEntry{}
		return json.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("get discovery entry %q: %w", key, err)
	}
	return entry, nil
}

// CachedURL returns the saved URL under key, or "".
func (s *DiscoveryStore) CachedURL(key string) (string, error) {
	entry, err := s.Entry(key)
	if err != nil || entry == nil {
		return "", err
	}
	return entry.URL, nil
}

// SaveURL overwrites the entry under key.
func (s *DiscoveryStore) SaveURL(key, url string) error {
	data, err := json.Marshal(DiscoveryEntry{URL: url, DiscoveredAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal discovery entry: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDiscovery).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("save discovery entry %q: %w", key, err)
	}
	return nil
}
