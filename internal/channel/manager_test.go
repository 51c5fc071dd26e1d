// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retunetv/retune/internal/catalog"
)

func newTestManager(t *testing.T, fake *catalog.Fake) (*Manager, *catalog.Fake, *memKV) {
	t.Helper()
	if fake == nil {
		fake = &catalog.Fake{}
	}
	if fake.LibraryItems == nil {
		fake.LibraryItems = map[string][]catalog.MediaItem{
			"lib1": {
				movieMedia("m1", "One", 1_800_000),
				movieMedia("m2", "Two", 3_600_000),
				movieMedia("m3", "Three", 5_400_000),
			},
		}
	}
	kv := newMemKV()
	clock := testClock()
	store := NewStore(kv, clock, "ns")
	mgr := NewManager(store, NewResolver(fake, clock), clock)
	return mgr, fake, kv
}

func libraryChannel(name string, number int) *Config {
	return &Config{
		Name:          name,
		Number:        number,
		ContentSource: librarySource("lib1"),
		PlaybackMode:  PlaybackSequential,
	}
}

func TestCreateChannel(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)

	var events []EventType
	mgr.Events().Subscribe(func(ev Event) { events = append(events, ev.Type) })

	created, err := mgr.CreateChannel(context.Background(), libraryChannel("Movies", 7))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, 7, created.Number)
	require.NotNil(t, created.ShuffleSeed)
	require.NotNil(t, created.PhaseSeed)
	require.Equal(t, 3, created.ItemCount, "initial resolution fills derived caches")
	require.Equal(t, int64(10_800_000), created.TotalDurationMS)
	require.Contains(t, events, EventContentResolved)
	require.Equal(t, EventCreated, events[len(events)-1])
}

func TestCreateChannelValidation(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := mgr.CreateChannel(ctx, &Config{Name: "no source"})
	require.True(t, IsKind(err, KindContentSourceRequired))

	_, err = mgr.CreateChannel(ctx, &Config{Number: 1000, ContentSource: librarySource("lib1")})
	require.True(t, IsKind(err, KindInvalidNumber))

	_, err = mgr.CreateChannel(ctx, libraryChannel("first", 5))
	require.NoError(t, err)
	_, err = mgr.CreateChannel(ctx, libraryChannel("dup", 5))
	require.True(t, IsKind(err, KindDuplicateNumber))
}

func TestCreateChannelMaxChannels(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	for i := 1; i <= MaxChannels; i++ {
		_, err := mgr.CreateChannel(ctx, libraryChannel(fmt.Sprintf("c%d", i), i))
		require.NoError(t, err)
	}
	_, err := mgr.CreateChannel(ctx, libraryChannel("overflow", 999))
	require.True(t, IsKind(err, KindMaxChannelsReached))
}

func TestChannelNumberUniquenessInvariant(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := mgr.CreateChannel(ctx, libraryChannel(fmt.Sprintf("c%d", i), 0))
		require.NoError(t, err)
	}
	seen := make(map[int]bool)
	for _, c := range mgr.ListChannels() {
		require.GreaterOrEqual(t, c.Number, MinChannelNumber)
		require.LessOrEqual(t, c.Number, MaxChannelNumber)
		require.False(t, seen[c.Number], "number %d assigned twice", c.Number)
		seen[c.Number] = true
	}
}

func TestUpdateChannel(t *testing.T) {
	mgr, fake, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, err := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))
	require.NoError(t, err)
	resolves := fake.CallCount("GetLibraryItems")

	name := "Renamed"
	updated, err := mgr.UpdateChannel(ctx, created.ID, UpdatePatch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)
	require.Equal(t, resolves, fake.CallCount("GetLibraryItems"), "rename must not re-resolve")

	// Content source change invalidates and re-resolves.
	fake.LibraryItems["lib9"] = []catalog.MediaItem{movieMedia("x", "X", 100)}
	src := librarySource("lib9")
	updated, err = mgr.UpdateChannel(ctx, created.ID, UpdatePatch{ContentSource: &src})
	require.NoError(t, err)
	require.Equal(t, 1, updated.ItemCount)
	require.Greater(t, fake.CallCount("GetLibraryItems"), resolves)

	_, err = mgr.UpdateChannel(ctx, "ghost", UpdatePatch{Name: &name})
	require.True(t, IsKind(err, KindChannelNotFound))
}

func TestDeleteChannelReassignsCurrent(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	a, _ := mgr.CreateChannel(ctx, libraryChannel("A", 1))
	b, _ := mgr.CreateChannel(ctx, libraryChannel("B", 2))
	require.NoError(t, mgr.SetCurrentChannel(a.ID))

	require.NoError(t, mgr.DeleteChannel(a.ID))
	require.Equal(t, b.ID, mgr.Store().Current())
	require.Nil(t, mgr.CachedContent(a.ID))

	require.True(t, IsKind(mgr.DeleteChannel(a.ID), KindChannelNotFound))
}

func TestNextPreviousChannelWraps(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	a, _ := mgr.CreateChannel(ctx, libraryChannel("A", 1))
	b, _ := mgr.CreateChannel(ctx, libraryChannel("B", 2))
	c, _ := mgr.CreateChannel(ctx, libraryChannel("C", 3))
	require.NoError(t, mgr.SetCurrentChannel(c.ID))

	next, ok := mgr.GetNextChannel()
	require.True(t, ok)
	require.Equal(t, a.ID, next.ID, "next wraps from last to first")

	require.NoError(t, mgr.SetCurrentChannel(a.ID))
	prev, ok := mgr.GetPreviousChannel()
	require.True(t, ok)
	require.Equal(t, c.ID, prev.ID, "previous wraps from first to last")
	_ = b
}

func TestResolveChannelContentUsesFreshCache(t *testing.T) {
	mgr, fake, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, _ := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))
	calls := fake.CallCount("GetLibraryItems")

	got, err := mgr.ResolveChannelContent(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, got.FromCache)
	require.Equal(t, ReasonFresh, got.CacheReason)
	require.Equal(t, calls, fake.CallCount("GetLibraryItems"), "fresh cache skips the upstream")
}

func TestResolveChannelContentNetworkFallback(t *testing.T) {
	mgr, fake, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, _ := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))

	// Expire the cache, then fail the next upstream read.
	mgr.InvalidateCache(created.ID)
	prior, err := mgr.ResolveChannelContent(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, prior.OrderedItems, 3)

	clock := mgr.clock.(interface{ Advance(time.Duration) })
	clock.Advance(2 * CacheTTL)
	fake.Err = NewError(KindTimeout, "upstream down")

	got, err := mgr.ResolveChannelContent(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, got.FromCache)
	require.True(t, got.IsStale, "cache older than TTL is stale")
	require.Equal(t, ReasonNetworkError, got.CacheReason)
	require.Equal(t, ratingKeys(prior.OrderedItems), ratingKeys(got.OrderedItems))
	require.Equal(t, 1, mgr.PendingRetries(), "retry queued")

	// A second failure coalesces instead of queueing another retry.
	_, err = mgr.ResolveChannelContent(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.PendingRetries())

	// The retry fires after the fixed delay and repolls the upstream.
	fake.Err = nil
	before := fake.CallCount("GetLibraryItems")
	clock.Advance(RetryDelay)
	require.Equal(t, 0, mgr.PendingRetries())
	require.Greater(t, fake.CallCount("GetLibraryItems"), before)
}

func TestResolveChannelContentUnavailableFallback(t *testing.T) {
	mgr, fake, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, _ := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))

	clock := mgr.clock.(interface{ Advance(time.Duration) })
	clock.Advance(2 * CacheTTL)
	fake.LibraryItems["lib1"] = nil // source vanished

	got, err := mgr.ResolveChannelContent(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, got.FromCache)
	require.True(t, got.IsStale)
	require.Equal(t, ReasonContentUnavailable, got.CacheReason)
	require.Equal(t, 0, mgr.PendingRetries(), "content-unavailable does not queue a retry")
}

func TestResolveChannelContentUnavailableWithoutCache(t *testing.T) {
	fake := &catalog.Fake{LibraryItems: map[string][]catalog.MediaItem{"lib1": nil}}
	mgr, _, _ := newTestManager(t, fake)
	cfg := libraryChannel("Empty", 1)
	cfg.ID = "empty"
	cfg.EnsureSeeds()
	mgr.Store().Put(cfg)

	_, err := mgr.ResolveChannelContent(context.Background(), "empty")
	require.True(t, IsKind(err, KindContentUnavailable))
}

func TestResolveChannelContentEmptyAfterFiltersNeverFallsBack(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, _ := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))

	// The update itself succeeds; the failed re-resolution is advisory.
	filters := []ContentFilter{{Field: "year", Op: OpEq, Value: 3000}}
	_, err := mgr.UpdateChannel(ctx, created.ID, UpdatePatch{ContentFilters: &filters})
	require.NoError(t, err)

	clock := mgr.clock.(interface{ Advance(time.Duration) })
	clock.Advance(2 * CacheTTL)
	_, err = mgr.ResolveChannelContent(ctx, created.ID)
	require.True(t, IsKind(err, KindEmptyChannel), "filters removing everything is surfaced, not cached over")
}

func TestResolveChannelContentOtherErrorsReRaise(t *testing.T) {
	mgr, fake, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, _ := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))

	clock := mgr.clock.(interface{ Advance(time.Duration) })
	clock.Advance(2 * CacheTTL)
	fake.Err = NewError(KindUnauthorized, "token revoked")

	_, err := mgr.ResolveChannelContent(ctx, created.ID)
	require.True(t, IsKind(err, KindUnauthorized), "non-network errors bypass the cache")
}

func TestResolveRespectsRuntimeLimits(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	cfg := libraryChannel("Limited", 1)
	cfg.MinEpisodeRunTimeMS = 2_000_000
	cfg.MaxEpisodeRunTimeMS = 4_000_000
	created, err := mgr.CreateChannel(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, created.ItemCount, "duration limits applied after filters")
}

func TestReplaceAllChannelsSkipsInvalid(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	good := storeChannel("good", 1)
	bad := &Config{ID: "bad", Number: 2, ContentSource: ContentSource{Type: "radio"}}
	dupNumber := storeChannel("dup", 1)

	mgr.ReplaceAllChannels([]*Config{good, bad, dupNumber}, "good")
	require.Equal(t, 1, mgr.Store().Len())
	require.Equal(t, "good", mgr.Store().Current())
}

func TestCancelPendingRetries(t *testing.T) {
	mgr, fake, _ := newTestManager(t, nil)
	ctx := context.Background()
	created, _ := mgr.CreateChannel(ctx, libraryChannel("Movies", 1))

	clock := mgr.clock.(interface{ Advance(time.Duration) })
	clock.Advance(2 * CacheTTL)
	fake.Err = NewError(KindOffline, "offline")
	_, err := mgr.ResolveChannelContent(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.PendingRetries())

	mgr.CancelPendingRetries()
	require.Equal(t, 0, mgr.PendingRetries())

	before := fake.CallCount("GetLibraryItems")
	clock.Advance(RetryDelay * 2)
	require.Equal(t, before, fake.CallCount("GetLibraryItems"), "canceled retry never fires")
}
