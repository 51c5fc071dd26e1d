// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/retunetv/retune/pkg/wallclock"
)

// Manager owns channel CRUD, the per-channel resolved-content cache,
// and the tiered fallback that keeps channels playable when the
// upstream is flaky.
type Manager struct {
	store    *Store
	resolver *Resolver
	clock    wallclock.Clock
	events   *Emitter

	mu      sync.Mutex
	cache   map[string]*ResolvedContent
	retries map[string]wallclock.Timer
}

// NewManager wires a manager over store and resolver. The store's
// quota-eviction hook is pointed at this manager's cache.
func NewManager(store *Store, resolver *Resolver, clock wallclock.Clock) *Manager {
	m := &Manager{
		store:    store,
		resolver: resolver,
		clock:    clock,
		events:   NewEmitter(),
		cache:    make(map[string]*ResolvedContent),
		retries:  make(map[string]wallclock.Timer),
	}
	store.SetEvictHook(m.EvictAllCaches)
	return m
}

// Events exposes the channel event emitter.
func (m *Manager) Events() *Emitter { return m.events }

// Store exposes the underlying store for read-side collaborators.
func (m *Manager) Store() *Store { return m.store }

// UpdatePatch is a partial channel update. Nil fields are left alone.
type UpdatePatch struct {
	Name                *string          `json:"name,omitempty"`
	Number              *int             `json:"number,omitempty"`
	ContentSource       *ContentSource   `json:"contentSource,omitempty"`
	PlaybackMode        *PlaybackMode    `json:"playbackMode,omitempty"`
	ShuffleSeed         *uint32          `json:"shuffleSeed,omitempty"`
	PhaseSeed           *uint32          `json:"phaseSeed,omitempty"`
	StartTimeAnchor     *int64           `json:"startTimeAnchor,omitempty"`
	ContentFilters      *[]ContentFilter `json:"contentFilters,omitempty"`
	SortOrder           *SortOrder       `json:"sortOrder,omitempty"`
	MinEpisodeRunTimeMS *int64           `json:"minEpisodeRunTimeMs,omitempty"`
	MaxEpisodeRunTimeMS *int64           `json:"maxEpisodeRunTimeMs,omitempty"`
	SkipIntros          *bool            `json:"skipIntros,omitempty"`
	SkipCredits         *bool            `json:"skipCredits,omitempty"`
	IsAutoGenerated     *bool            `json:"isAutoGenerated,omitempty"`
}

// CreateChannel validates and inserts a new channel, attempts an
// initial content resolution (best-effort), persists, and emits
// channelCreated.
func (m *Manager) CreateChannel(ctx context.Context, input *Config) (*Config, error) {
	if input.ContentSource.Type == "" {
		return nil, NewError(KindContentSourceRequired, "channel needs a content source")
	}
	if err := input.ContentSource.Validate(); err != nil {
		return nil, WrapError(KindContentSourceRequired, err, "content source invalid")
	}
	if m.store.Len() >= MaxChannels {
		return nil, NewError(KindMaxChannelsReached, "lineup already holds %d channels", MaxChannels)
	}

	cfg := input.Clone()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Number == 0 {
		n, ok := m.NextFreeNumber()
		if !ok {
			return nil, NewError(KindMaxChannelsReached, "no free channel numbers")
		}
		cfg.Number = n
	}
	if cfg.Number < MinChannelNumber || cfg.Number > MaxChannelNumber {
		return nil, NewError(KindInvalidNumber, "channel number %d out of range [%d,%d]",
			cfg.Number, MinChannelNumber, MaxChannelNumber)
	}
	if m.store.NumberInUse(cfg.Number, cfg.ID) {
		return nil, NewError(KindDuplicateNumber, "channel number %d already in use", cfg.Number)
	}
	if cfg.Name == "" {
		cfg.Name = "Channel " + uuid.NewString()[:8]
	}
	if cfg.PlaybackMode == "" {
		cfg.PlaybackMode = PlaybackShuffle
	}
	now := m.clock.NowMS()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if cfg.StartTimeAnchor == 0 {
		cfg.StartTimeAnchor = now
	}
	cfg.EnsureSeeds()

	m.store.Put(cfg)

	if _, err := m.ResolveChannelContent(ctx, cfg.ID); err != nil {
		if !IsCancellation(err) {
			slog.Warn("initial content resolution failed", "channel", cfg.ID, "err", err)
		}
	}

	if err := m.store.Save(); err != nil {
		return nil, err
	}
	created, _ := m.store.Get(cfg.ID)
	m.events.Emit(Event{Type: EventCreated, Channel: created})
	return created, nil
}

// UpdateChannel merges patch into the channel. A content source change
// invalidates the cache and re-resolves.
func (m *Manager) UpdateChannel(ctx context.Context, id string, patch UpdatePatch) (*Config, error) {
	cfg, ok := m.store.Get(id)
	if !ok {
		return nil, NewError(KindChannelNotFound, "channel %s not found", id)
	}
	if patch.Number != nil && *patch.Number != cfg.Number {
		n := *patch.Number
		if n < MinChannelNumber || n > MaxChannelNumber {
			return nil, NewError(KindInvalidNumber, "channel number %d out of range [%d,%d]",
				n, MinChannelNumber, MaxChannelNumber)
		}
		if m.store.NumberInUse(n, id) {
			return nil, NewError(KindDuplicateNumber, "channel number %d already in use", n)
		}
		cfg.Number = n
	}
	sourceChanged := false
	if patch.ContentSource != nil {
		if err := patch.ContentSource.Validate(); err != nil {
			return nil, WrapError(KindContentSourceRequired, err, "content source invalid")
		}
		if patch.ContentSource.Essence() != cfg.ContentSource.Essence() {
			sourceChanged = true
		}
		cfg.ContentSource = *cloneSource(patch.ContentSource)
	}
	if patch.Name != nil && *patch.Name != "" {
		cfg.Name = *patch.Name
	}
	if patch.PlaybackMode != nil {
		cfg.PlaybackMode = *patch.PlaybackMode
	}
	if patch.ShuffleSeed != nil {
		v := *patch.ShuffleSeed
		cfg.ShuffleSeed = &v
	}
	if patch.PhaseSeed != nil {
		v := *patch.PhaseSeed
		cfg.PhaseSeed = &v
	}
	if patch.StartTimeAnchor != nil {
		cfg.StartTimeAnchor = *patch.StartTimeAnchor
	}
	if patch.ContentFilters != nil {
		cfg.ContentFilters = append([]ContentFilter(nil), (*patch.ContentFilters)...)
		sourceChanged = true
	}
	if patch.SortOrder != nil {
		cfg.SortOrder = *patch.SortOrder
		sourceChanged = true
	}
	if patch.MinEpisodeRunTimeMS != nil {
		cfg.MinEpisodeRunTimeMS = *patch.MinEpisodeRunTimeMS
	}
	if patch.MaxEpisodeRunTimeMS != nil {
		cfg.MaxEpisodeRunTimeMS = *patch.MaxEpisodeRunTimeMS
	}
	if patch.SkipIntros != nil {
		cfg.SkipIntros = *patch.SkipIntros
	}
	if patch.SkipCredits != nil {
		cfg.SkipCredits = *patch.SkipCredits
	}
	if patch.IsAutoGenerated != nil {
		cfg.IsAutoGenerated = *patch.IsAutoGenerated
	}
	cfg.UpdatedAt = m.clock.NowMS()

	m.cancelRetry(id)
	m.store.Put(cfg)

	if sourceChanged {
		m.InvalidateCache(id)
		if _, err := m.ResolveChannelContent(ctx, id); err != nil {
			if !IsCancellation(err) {
				slog.Warn("re-resolution after update failed", "channel", id, "err", err)
			}
		}
	}
	if err := m.store.Save(); err != nil {
		return nil, err
	}
	updated, _ := m.store.Get(id)
	m.events.Emit(Event{Type: EventUpdated, Channel: updated})
	return updated, nil
}

// DeleteChannel removes the channel, its cache entry, and any pending
// retry. The current channel is reassigned inside the store.
func (m *Manager) DeleteChannel(id string) error {
	cfg, ok := m.store.Get(id)
	if !ok {
		return NewError(KindChannelNotFound, "channel %s not found", id)
	}
	m.cancelRetry(id)
	m.InvalidateCache(id)
	m.store.Remove(id)
	if err := m.store.Save(); err != nil {
		slog.Warn("persisting lineup after delete failed", "channel", id, "err", err)
	}
	m.events.Emit(Event{Type: EventDeleted, Channel: cfg})
	return nil
}

// ReplaceAllChannels swaps the lineup. Invalid entries are skipped with
// a warning; missing seeds are re-derived. Persistence is best-effort.
func (m *Manager) ReplaceAllChannels(list []*Config, currentID string) {
	kept := make([]*Config, 0, len(list))
	numbers := make(map[int]bool, len(list))
	for _, c := range list {
		if c == nil || c.ID == "" || c.ContentSource.Validate() != nil {
			slog.Warn("skipping invalid channel during replace", "channel", safeID(c))
			continue
		}
		if c.Number < MinChannelNumber || c.Number > MaxChannelNumber || numbers[c.Number] {
			slog.Warn("skipping channel with unusable number during replace",
				"channel", c.ID, "number", c.Number)
			continue
		}
		numbers[c.Number] = true
		cc := c.Clone()
		cc.EnsureSeeds()
		kept = append(kept, cc)
	}
	m.CancelPendingRetries()
	m.EvictAllCaches()
	m.store.ReplaceAll(kept, currentID)
	if err := m.store.Save(); err != nil {
		slog.Warn("persisting replaced lineup failed", "err", err)
	}
}

// ReorderChannels applies the given id order; unknown ids are ignored.
// Persistence failure is logged, not surfaced.
func (m *Manager) ReorderChannels(orderedIDs []string) {
	m.store.SetOrder(orderedIDs)
	if err := m.store.Save(); err != nil {
		slog.Warn("persisting channel order failed", "err", err)
	}
}

// SetCurrentChannel marks id current and emits channelSwitch.
func (m *Manager) SetCurrentChannel(id string) error {
	if err := m.store.SetCurrent(id); err != nil {
		if IsKind(err, KindChannelNotFound) {
			return err
		}
		slog.Warn("persisting current channel failed", "channel", id, "err", err)
	}
	cfg, _ := m.store.Get(id)
	m.events.Emit(Event{Type: EventSwitch, Channel: cfg, Index: m.store.IndexOf(id)})
	return nil
}

// GetChannel returns a channel by id.
func (m *Manager) GetChannel(id string) (*Config, bool) { return m.store.Get(id) }

// GetChannelByNumber returns a channel by its number.
func (m *Manager) GetChannelByNumber(n int) (*Config, bool) { return m.store.GetByNumber(n) }

// ListChannels returns the lineup in order.
func (m *Manager) ListChannels() []*Config { return m.store.List() }

// GetNextChannel returns the channel after the current one, wrapping.
func (m *Manager) GetNextChannel() (*Config, bool) { return m.step(1) }

// GetPreviousChannel returns the channel before the current one,
// wrapping.
func (m *Manager) GetPreviousChannel() (*Config, bool) { return m.step(-1) }

func (m *Manager) step(delta int) (*Config, bool) {
	order := m.store.Order()
	if len(order) == 0 {
		return nil, false
	}
	idx := m.store.IndexOf(m.store.Current())
	if idx < 0 {
		idx = 0
	} else {
		idx = ((idx+delta)%len(order) + len(order)) % len(order)
	}
	return m.store.Get(order[idx])
}

// NextFreeNumber returns the lowest unused channel number.
func (m *Manager) NextFreeNumber() (int, bool) {
	used := make(map[int]bool)
	for _, c := range m.store.List() {
		used[c.Number] = true
	}
	for n := MinChannelNumber; n <= MaxChannelNumber; n++ {
		if !used[n] {
			return n, true
		}
	}
	return 0, false
}

// ResolveChannelContent returns the channel's playable list, serving
// fresh cache when possible and falling back per the tiered policy
// otherwise.
func (m *Manager) ResolveChannelContent(ctx context.Context, id string) (*ResolvedContent, error) {
	cfg, ok := m.store.Get(id)
	if !ok {
		return nil, NewError(KindChannelNotFound, "channel %s not found", id)
	}

	now := m.clock.NowMS()
	if cached := m.cachedContent(id); cached != nil && now-cached.ResolvedAt <= CacheTTL.Milliseconds() {
		hit := *cached
		hit.FromCache = true
		hit.IsStale = false
		hit.CacheReason = ReasonFresh
		return &hit, nil
	}

	raw, err := m.resolver.ResolveSource(ctx, &cfg.ContentSource)
	if err != nil {
		return m.fallback(id, err)
	}
	if len(raw) == 0 {
		return m.fallback(id, NewError(KindContentUnavailable, "channel %s source returned no items", id))
	}

	items := ApplyFilters(raw, cfg.ContentFilters)
	items = ApplySort(items, cfg.SortOrder)
	items = dropUnairable(items, cfg.MinEpisodeRunTimeMS, cfg.MaxEpisodeRunTimeMS)
	if len(items) == 0 {
		// Filters removed everything the source offered; cache cannot
		// help because any cached list was built from the same config.
		return nil, NewError(KindEmptyChannel, "channel %s filters removed all %d items", id, len(raw))
	}

	seed := cfg.EffectiveShuffleSeed()
	if cfg.PlaybackMode == PlaybackRandom {
		seed = uint32(m.clock.NowMS())
	}
	ordered := ApplyPlaybackMode(items, cfg.PlaybackMode, seed)

	var total int64
	for i := range ordered {
		total += ordered[i].DurationMS
	}
	result := &ResolvedContent{
		ChannelID:       id,
		ResolvedAt:      m.clock.NowMS(),
		Items:           items,
		OrderedItems:    ordered,
		TotalDurationMS: total,
		FromCache:       false,
		IsStale:         false,
		CacheReason:     ReasonFresh,
	}

	m.mu.Lock()
	m.cache[id] = result
	m.mu.Unlock()

	cfg.ItemCount = len(ordered)
	cfg.TotalDurationMS = total
	cfg.LastContentRefresh = result.ResolvedAt
	m.store.Put(cfg)
	if err := m.store.Save(); err != nil {
		slog.Warn("persisting after content resolution failed", "channel", id, "err", err)
	}

	m.events.Emit(Event{Type: EventContentResolved, Channel: cfg, Content: result})
	out := *result
	return &out, nil
}

// fallback implements the tiered policy: empty-channel errors are never
// suppressed; network-class errors serve cache and queue a retry;
// content-unavailable serves stale cache; everything else re-raises.
// Cancellation always propagates untouched.
func (m *Manager) fallback(id string, cause error) (*ResolvedContent, error) {
	if IsCancellation(cause) || IsKind(cause, KindEmptyChannel) {
		return nil, cause
	}
	cached := m.cachedContent(id)
	switch {
	case IsNetworkClass(cause) && cached != nil:
		age := m.clock.NowMS() - cached.ResolvedAt
		hit := *cached
		hit.FromCache = true
		hit.IsStale = age > CacheTTL.Milliseconds()
		hit.CacheReason = ReasonNetworkError
		m.queueRetry(id)
		slog.Warn("serving cached content after upstream failure",
			"channel", id, "stale", hit.IsStale, "err", cause)
		return &hit, nil
	case IsKind(cause, KindContentUnavailable) && cached != nil:
		hit := *cached
		hit.FromCache = true
		hit.IsStale = true
		hit.CacheReason = ReasonContentUnavailable
		slog.Warn("content source unavailable, serving stale cache", "channel", id)
		return &hit, nil
	}
	return nil, cause
}

// RefreshChannelContent drops the cache entry and resolves again.
func (m *Manager) RefreshChannelContent(ctx context.Context, id string) (*ResolvedContent, error) {
	m.InvalidateCache(id)
	return m.ResolveChannelContent(ctx, id)
}

// CachedContent returns the cache entry without resolving.
func (m *Manager) CachedContent(id string) *ResolvedContent { return m.cachedContent(id) }

func (m *Manager) cachedContent(id string) *ResolvedContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[id]
}

// InvalidateCache forgets the resolved content for id.
func (m *Manager) InvalidateCache(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, id)
}

// EvictAllCaches clears every resolved-content entry. Wired into the
// store's quota recovery.
func (m *Manager) EvictAllCaches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]*ResolvedContent)
}

// queueRetry arms the fixed-delay re-resolve for id, coalescing so at
// most one retry is pending per channel.
func (m *Manager) queueRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, pending := m.retries[id]; pending {
		return
	}
	m.retries[id] = m.clock.AfterFunc(RetryDelay, func() {
		m.mu.Lock()
		delete(m.retries, id)
		m.mu.Unlock()
		m.InvalidateCache(id)
		if _, err := m.ResolveChannelContent(context.Background(), id); err != nil {
			slog.Debug("scheduled content retry failed", "channel", id, "err", err)
		}
	})
}

func (m *Manager) cancelRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retries[id]; ok {
		t.Stop()
		delete(m.retries, id)
	}
}

// CancelPendingRetries drains the retry queue. Called on shutdown and
// on namespace rebind.
func (m *Manager) CancelPendingRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.retries {
		t.Stop()
		delete(m.retries, id)
	}
}

// PendingRetries reports the retry-queue depth.
func (m *Manager) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retries)
}

// RebindNamespace clears all state and points the store at namespace.
func (m *Manager) RebindNamespace(namespace string) error {
	m.CancelPendingRetries()
	m.EvictAllCaches()
	m.store.Rebind(namespace)
	return m.store.Load()
}

func dropUnairable(items []Item, minMS, maxMS int64) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.DurationMS <= 0 {
			continue
		}
		if minMS > 0 && it.DurationMS < minMS {
			continue
		}
		if maxMS > 0 && it.DurationMS > maxMS {
			continue
		}
		out = append(out, it)
	}
	return out
}

func safeID(c *Config) string {
	if c == nil {
		return ""
	}
	return c.ID
}
