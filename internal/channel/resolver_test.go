// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/pkg/wallclock"
)

func newTestResolver(fake *catalog.Fake) (*Resolver, *wallclock.Fake) {
	clock := wallclock.NewFake(time.UnixMilli(1_700_000_000_000))
	return NewResolver(fake, clock), clock
}

func movieMedia(key, title string, durMS int64) catalog.MediaItem {
	return catalog.MediaItem{RatingKey: key, Type: catalog.TypeMovie, Title: title, DurationMS: durMS}
}

func episodeMedia(key, show, title string, season, ep int, durMS int64) catalog.MediaItem {
	return catalog.MediaItem{
		RatingKey:        key,
		Type:             catalog.TypeEpisode,
		Title:            title,
		GrandparentTitle: show,
		SeasonNumber:     &season,
		EpisodeNumber:    &ep,
		DurationMS:       durMS,
	}
}

func TestResolveMovieLibrary(t *testing.T) {
	fake := &catalog.Fake{
		LibraryItems: map[string][]catalog.MediaItem{
			"lib1": {movieMedia("m1", "First", 100), movieMedia("m2", "Second", 200)},
		},
	}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type:    SourceLibrary,
		Library: &LibrarySource{LibraryID: "lib1", LibraryType: "movie", IncludeWatched: true},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 0, items[0].ScheduledIndex)
	require.Equal(t, 1, items[1].ScheduledIndex)
	require.Equal(t, "First", items[0].FullTitle)
}

func TestResolveLibraryExcludesWatched(t *testing.T) {
	watched, fresh := movieMedia("m1", "Seen", 100), movieMedia("m2", "New", 200)
	vc := 3
	watched.ViewCount = &vc
	zero := 0
	fresh.ViewCount = &zero
	fake := &catalog.Fake{
		LibraryItems: map[string][]catalog.MediaItem{"lib1": {watched, fresh}},
	}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type:    SourceLibrary,
		Library: &LibrarySource{LibraryID: "lib1", LibraryType: "movie"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "m2", items[0].RatingKey)
}

func TestResolveShowLibraryDecorates(t *testing.T) {
	show := catalog.MediaItem{
		RatingKey: "s1", Type: catalog.TypeShow, Title: "The Show", Year: 1999,
		Genres: []string{"Drama"}, ContentRating: "TV-14",
	}
	ep := episodeMedia("e1", "The Show", "Pilot", 1, 1, 1_500_000)
	ep.GrandparentRatingKey = "s1"
	dead := episodeMedia("e2", "The Show", "Broken", 1, 2, 0)
	dead.GrandparentRatingKey = "s1"
	fake := &catalog.Fake{
		LibraryItems: map[string][]catalog.MediaItem{
			"lib2": {show, ep, dead},
		},
	}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type:    SourceLibrary,
		Library: &LibrarySource{LibraryID: "lib2", LibraryType: "show", IncludeWatched: true},
	})
	require.NoError(t, err)
	require.Len(t, items, 1, "zero-duration episodes are dropped")
	got := items[0]
	require.Equal(t, "e1", got.RatingKey)
	require.Equal(t, []string{"Drama"}, got.Genres, "genres decorated from show")
	require.Equal(t, "TV-14", got.ContentRating)
	require.Equal(t, 1999, got.Year)
	require.Equal(t, "The Show - S01E01 - Pilot", got.FullTitle)
}

func TestShowListFetchIsCachedPerSection(t *testing.T) {
	ep := episodeMedia("e1", "A", "One", 1, 1, 100)
	fake := &catalog.Fake{
		LibraryItems: map[string][]catalog.MediaItem{"lib2": {ep}},
	}
	r, clock := newTestResolver(fake)
	src := &ContentSource{
		Type:    SourceLibrary,
		Library: &LibrarySource{LibraryID: "lib2", LibraryType: "show", IncludeWatched: true},
	}
	_, err := r.ResolveSource(context.Background(), src)
	require.NoError(t, err)
	first := fake.CallCount("GetLibraryItems")

	_, err = r.ResolveSource(context.Background(), src)
	require.NoError(t, err)
	// Second resolve refetches episodes but reuses the show listing.
	require.Equal(t, first+1, fake.CallCount("GetLibraryItems"))

	clock.Advance(6 * time.Minute)
	_, err = r.ResolveSource(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, first+3, fake.CallCount("GetLibraryItems"), "expired show cache refetches")
}

func TestResolveCollectionExpandsShows(t *testing.T) {
	showContainer := catalog.MediaItem{
		RatingKey: "s1", Type: catalog.TypeShow, Title: "Nested", Genres: []string{"Comedy"},
	}
	fake := &catalog.Fake{
		CollItems: map[string][]catalog.MediaItem{
			"c1": {movieMedia("m1", "Movie", 100), showContainer},
		},
		Episodes: map[string][]catalog.MediaItem{
			"s1": {episodeMedia("e1", "Nested", "One", 1, 1, 200)},
		},
	}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type:       SourceCollection,
		Collection: &CollectionSource{CollectionKey: "c1"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "m1", items[0].RatingKey)
	require.Equal(t, "e1", items[1].RatingKey)
	require.Equal(t, []string{"Comedy"}, items[1].Genres, "episode inherits collection show genres")
	for i, it := range items {
		require.NotEqual(t, catalog.TypeShow, it.Type)
		require.Equal(t, i, it.ScheduledIndex)
	}
}

func TestResolveShowSeasonFilter(t *testing.T) {
	fake := &catalog.Fake{
		Episodes: map[string][]catalog.MediaItem{
			"s1": {
				episodeMedia("e1", "S", "A", 1, 1, 100),
				episodeMedia("e2", "S", "B", 2, 1, 100),
				episodeMedia("e3", "S", "C", 3, 1, 100),
			},
		},
	}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type: SourceShow,
		Show: &ShowSource{ShowKey: "s1", SeasonFilter: []int{1, 3}},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "e1", items[0].RatingKey)
	require.Equal(t, "e3", items[1].RatingKey)
}

func TestResolveManualOffline(t *testing.T) {
	fake := &catalog.Fake{}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type: SourceManual,
		Manual: &ManualSource{Items: []ManualItem{
			{RatingKey: "m1", Title: "Kept", DurationMS: 100},
			{RatingKey: "", Title: "No key", DurationMS: 100},
			{RatingKey: "m3", Title: "", DurationMS: 100},
			{RatingKey: "m4", Title: "Zero", DurationMS: 0},
		}},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Kept", items[0].Title)
	require.Empty(t, fake.Calls, "manual sources never touch the upstream")
}

func TestResolveMixed(t *testing.T) {
	fake := &catalog.Fake{
		PlistItems: map[string][]catalog.MediaItem{
			"p1": {movieMedia("a1", "A1", 100), movieMedia("a2", "A2", 100), movieMedia("a3", "A3", 100)},
			"p2": {movieMedia("b1", "B1", 100)},
		},
	}
	r, _ := newTestResolver(fake)
	mixed := func(mode MixMode) *ContentSource {
		return &ContentSource{
			Type: SourceMixed,
			Mixed: &MixedSource{
				MixMode: mode,
				Sources: []ContentSource{
					{Type: SourcePlaylist, Playlist: &PlaylistSource{PlaylistKey: "p1"}},
					{Type: SourcePlaylist, Playlist: &PlaylistSource{PlaylistKey: "p2"}},
				},
			},
		}
	}

	seq, err := r.ResolveSource(context.Background(), mixed(MixSequential))
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2", "a3", "b1"}, ratingKeys(seq))

	inter, err := r.ResolveSource(context.Background(), mixed(MixInterleave))
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b1", "a2", "a3"}, ratingKeys(inter))
}

func TestResolveDropsStrayContainers(t *testing.T) {
	fake := &catalog.Fake{
		PlistItems: map[string][]catalog.MediaItem{
			"p1": {
				movieMedia("m1", "Movie", 100),
				{RatingKey: "s1", Type: catalog.TypeShow, Title: "Container"},
			},
		},
	}
	r, _ := newTestResolver(fake)
	items, err := r.ResolveSource(context.Background(), &ContentSource{
		Type:     SourcePlaylist,
		Playlist: &PlaylistSource{PlaylistKey: "p1"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "m1", items[0].RatingKey)
}

func TestResolveCancellation(t *testing.T) {
	fake := &catalog.Fake{}
	r, _ := newTestResolver(fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ResolveSource(ctx, &ContentSource{
		Type:    SourceLibrary,
		Library: &LibrarySource{LibraryID: "lib1", LibraryType: "movie"},
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveErrorsPropagate(t *testing.T) {
	fake := &catalog.Fake{Err: NewError(KindTimeout, "upstream slow")}
	r, _ := newTestResolver(fake)
	_, err := r.ResolveSource(context.Background(), &ContentSource{
		Type:     SourcePlaylist,
		Playlist: &PlaylistSource{PlaylistKey: "p1"},
	})
	require.True(t, IsKind(err, KindTimeout))
}

func ratingKeys(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.RatingKey)
	}
	return out
}
