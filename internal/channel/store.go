// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/retunetv/retune/internal/kvstore"
	"github.com/retunetv/retune/pkg/wallclock"
)

// KV is the slice of the kv layer the store needs. *kvstore.DB
// satisfies it; tests substitute quota-failing fakes.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// persistedState is the single document written per namespace.
type persistedState struct {
	Channels         []json.RawMessage `json:"channels"`
	ChannelOrder     []string          `json:"channelOrder"`
	CurrentChannelID string            `json:"currentChannelId,omitempty"`
	SavedAt          int64             `json:"savedAt"`
}

// Store is the authoritative in-memory channel set for one namespace,
// persisted as one JSON document plus a separate current-channel key.
type Store struct {
	mu        sync.Mutex
	kv        KV
	clock     wallclock.Clock
	namespace string

	channels map[string]*Config
	order    []string
	current  string

	// evictCaches is invoked as the first stage of quota recovery.
	evictCaches func()
}

// NewStore returns an empty store bound to namespace.
func NewStore(kv KV, clock wallclock.Clock, namespace string) *Store {
	return &Store{
		kv:        kv,
		clock:     clock,
		namespace: namespace,
		channels:  make(map[string]*Config),
	}
}

// SetEvictHook registers the cache eviction used during quota recovery.
func (s *Store) SetEvictHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictCaches = fn
}

// Rebind points the store at a different namespace (per server, per
// demo/live mode). In-memory state is cleared and the current channel
// reset; the caller is expected to Load afterwards.
func (s *Store) Rebind(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespace = namespace
	s.channels = make(map[string]*Config)
	s.order = nil
	s.current = ""
}

// Namespace returns the active storage namespace.
func (s *Store) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

func (s *Store) docKey() string     { return s.namespace }
func (s *Store) currentKey() string { return s.namespace + ":current" }

// Get returns a copy of the channel, if present.
func (s *Store) Get(id string) (*Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// GetByNumber returns the channel holding number.
func (s *Store) GetByNumber(number int) (*Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.Number == number {
			return c.Clone(), true
		}
	}
	return nil, false
}

// List returns all channels in order.
func (s *Store) List() []*Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []*Config {
	out := make([]*Config, 0, len(s.channels))
	for _, id := range s.order {
		if c, ok := s.channels[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Len reports the number of channels.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// NumberInUse reports whether number is taken by a channel other than
// excludeID.
func (s *Store) NumberInUse(number int, excludeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.channels {
		if id != excludeID && c.Number == number {
			return true
		}
	}
	return false
}

// Put inserts or replaces a channel, appending new ids to the order.
func (s *Store) Put(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.channels[cfg.ID]
	s.channels[cfg.ID] = cfg.Clone()
	if !existed {
		s.order = append(s.order, cfg.ID)
	}
}

// Remove deletes a channel. The current channel falls back to the
// first remaining channel in order, or empty. Returns the new current.
func (s *Store) Remove(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.current == id {
		s.current = ""
		if len(s.order) > 0 {
			s.current = s.order[0]
		}
	}
	return s.current
}

// ReplaceAll swaps the whole lineup in one in-memory step.
func (s *Store) ReplaceAll(list []*Config, currentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]*Config, len(list))
	s.order = s.order[:0]
	for _, c := range list {
		if _, dup := s.channels[c.ID]; dup {
			continue
		}
		s.channels[c.ID] = c.Clone()
		s.order = append(s.order, c.ID)
	}
	s.current = ""
	if _, ok := s.channels[currentID]; ok {
		s.current = currentID
	} else if len(s.order) > 0 {
		s.current = s.order[0]
	}
}

// SetOrder applies orderedIDs, ignoring unknown ids and appending any
// channels the caller omitted.
func (s *Store) SetOrder(orderedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(orderedIDs))
	next := make([]string, 0, len(s.channels))
	for _, id := range orderedIDs {
		if _, ok := s.channels[id]; ok && !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}
	for _, id := range s.order {
		if !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}
	s.order = next
}

// Order returns the channel id order.
func (s *Store) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Current returns the current channel id, or "".
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrent records the current channel and persists its namespaced
// key. Persistence failure is reported but state is already updated.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	if _, ok := s.channels[id]; !ok {
		s.mu.Unlock()
		return NewError(KindChannelNotFound, "channel %s not in store", id)
	}
	s.current = id
	key := s.currentKey()
	s.mu.Unlock()
	return s.kv.Set(key, []byte(id))
}

// IndexOf returns the position of id in the channel order, or -1.
func (s *Store) IndexOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, oid := range s.order {
		if oid == id {
			return i
		}
	}
	return -1
}

// Save serializes the store and commits it. Quota failures trigger the
// staged recovery: evict resolved-content caches and retry, then
// compact the oldest tenth of the lineup and retry, then give up.
func (s *Store) Save() error {
	err := s.save()
	if !errors.Is(err, kvstore.ErrQuotaExceeded) {
		return err
	}
	if s.evictCaches != nil {
		slog.Warn("channel save hit storage quota, evicting content caches")
		s.evictCaches()
		if err = s.save(); !errors.Is(err, kvstore.ErrQuotaExceeded) {
			return err
		}
	}
	slog.Warn("channel save still over quota, compacting oldest channels")
	s.compactOldest()
	if err = s.save(); err != nil {
		return WrapError(KindQuotaExceeded, err, "channel save failed after compaction")
	}
	return nil
}

func (s *Store) save() error {
	s.mu.Lock()
	doc := persistedState{
		ChannelOrder:     append([]string(nil), s.order...),
		CurrentChannelID: s.current,
		SavedAt:          s.clock.NowMS(),
	}
	doc.Channels = make([]json.RawMessage, 0, len(s.channels))
	for _, c := range s.listLocked() {
		raw, err := json.Marshal(c)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("marshal channel %s: %w", c.ID, err)
		}
		doc.Channels = append(doc.Channels, raw)
	}
	key := s.docKey()
	s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal channel store: %w", err)
	}
	return s.kv.Set(key, data)
}

// compactOldest drops the oldest 10% of channels (at least one) by
// createdAt.
func (s *Store) compactOldest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return
	}
	n := len(s.channels) / 10
	if n < 1 {
		n = 1
	}
	byAge := make([]*Config, 0, len(s.channels))
	for _, c := range s.channels {
		byAge = append(byAge, c)
	}
	sort.Slice(byAge, func(i, j int) bool {
		if byAge[i].CreatedAt != byAge[j].CreatedAt {
			return byAge[i].CreatedAt < byAge[j].CreatedAt
		}
		return byAge[i].ID < byAge[j].ID
	})
	for _, victim := range byAge[:n] {
		slog.Warn("compacting channel to reclaim storage",
			"id", victim.ID, "number", victim.Number, "name", victim.Name)
		delete(s.channels, victim.ID)
		for i, oid := range s.order {
			if oid == victim.ID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	if _, ok := s.channels[s.current]; !ok {
		s.current = ""
		if len(s.order) > 0 {
			s.current = s.order[0]
		}
	}
}

// Load reads the namespace document, repairing what it can. A document
// that does not decode (for example, channels or channelOrder not
// arrays) is rejected outright. Individually malformed channels are pruned, missing seeds
// re-derived, the order filtered to known members, and the current
// channel re-pointed when stale. If anything was repaired the document
// is written back once.
func (s *Store) Load() error {
	s.mu.Lock()
	key := s.docKey()
	curKey := s.currentKey()
	s.mu.Unlock()

	data, ok, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var doc persistedState
	if err := json.Unmarshal(data, &doc); err != nil {
		return WrapError(KindCorrupted, err, "channel store document unreadable")
	}

	repaired := false
	channels := make(map[string]*Config, len(doc.Channels))
	order := make([]string, 0, len(doc.Channels))
	for i, raw := range doc.Channels {
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			slog.Warn("pruning unreadable channel record", "index", i, "err", err)
			repaired = true
			continue
		}
		if cfg.ID == "" || cfg.ContentSource.Validate() != nil {
			slog.Warn("pruning channel with invalid content source", "id", cfg.ID, "name", cfg.Name)
			repaired = true
			continue
		}
		if cfg.ShuffleSeed == nil || cfg.PhaseSeed == nil {
			cfg.EnsureSeeds()
			repaired = true
		}
		if _, dup := channels[cfg.ID]; dup {
			repaired = true
			continue
		}
		channels[cfg.ID] = &cfg
	}

	for _, id := range doc.ChannelOrder {
		if _, ok := channels[id]; ok {
			order = append(order, id)
		} else {
			repaired = true
		}
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		seen[id] = true
	}
	for id := range channels {
		if !seen[id] {
			repaired = true
		}
	}
	if len(order) == 0 && len(channels) > 0 {
		for id := range channels {
			order = append(order, id)
		}
		sort.Slice(order, func(i, j int) bool {
			a, b := channels[order[i]], channels[order[j]]
			if a.Number != b.Number {
				return a.Number < b.Number
			}
			return a.ID < b.ID
		})
		repaired = true
	} else if len(order) < len(channels) {
		// Channels missing from the order go to the end by number.
		var missing []string
		for id := range channels {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		sort.Slice(missing, func(i, j int) bool {
			a, b := channels[missing[i]], channels[missing[j]]
			if a.Number != b.Number {
				return a.Number < b.Number
			}
			return a.ID < b.ID
		})
		order = append(order, missing...)
	}

	current := doc.CurrentChannelID
	if raw, ok, err := s.kv.Get(curKey); err == nil && ok && len(raw) > 0 {
		current = string(raw)
	}
	if _, ok := channels[current]; !ok {
		current = ""
		if len(order) > 0 {
			current = order[0]
		}
		if doc.CurrentChannelID != "" {
			repaired = true
		}
	}

	s.mu.Lock()
	s.channels = channels
	s.order = order
	s.current = current
	s.mu.Unlock()

	if repaired {
		if err := s.save(); err != nil {
			slog.Warn("write-back after channel store repair failed", "err", err)
		}
	}
	return nil
}
