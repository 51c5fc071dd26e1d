// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package setup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/internal/channel"
)

func enabledAll() map[Strategy]bool {
	return map[Strategy]bool{
		StrategyPlaylists:       true,
		StrategyCollections:     true,
		StrategyLibraryFallback: true,
		StrategyGenres:          true,
		StrategyDirectors:       true,
		StrategyDecades:         true,
		StrategyRuntimes:        true,
		StrategyRecentlyAdded:   true,
		StrategyStudios:         true,
		StrategyActors:          true,
	}
}

func plannerCatalog() *catalog.Fake {
	movies := make([]catalog.MediaItem, 0, 8)
	for _, m := range []struct {
		key, title string
		year       int
		durMin     int64
		genres     []string
	}{
		{"m1", "Heat", 1995, 170, []string{"Crime"}},
		{"m2", "Ronin", 1998, 122, []string{"Crime"}},
		{"m3", "Snatch", 2000, 104, []string{"Crime", "Comedy"}},
		{"m4", "Clue", 1985, 94, []string{"Comedy"}},
		{"m5", "Big", 1988, 104, []string{"Comedy"}},
		{"m6", "Tron", 1982, 96, []string{"Sci-Fi"}},
	} {
		movies = append(movies, catalog.MediaItem{
			RatingKey:  m.key,
			Type:       catalog.TypeMovie,
			Title:      m.title,
			Year:       m.year,
			DurationMS: m.durMin * 60_000,
			Genres:     m.genres,
		})
	}
	return &catalog.Fake{
		Libraries: []catalog.LibraryInfo{
			{ID: "1", Title: "Movies", Type: catalog.LibraryTypeMovie, ContentCount: len(movies)},
		},
		LibraryItems: map[string][]catalog.MediaItem{"1": movies},
		Playlists: []catalog.Playlist{
			{RatingKey: "pl1", Title: "Favorites", LeafCount: 12},
			{RatingKey: "pl2", Title: "Tiny", LeafCount: 1},
		},
		Collections: map[string][]catalog.Collection{
			"1": {
				{RatingKey: "col1", Title: "Noir Nights", ChildCount: 9},
				{RatingKey: "col2", Title: "Short Stack", ChildCount: 1},
			},
		},
		Studios: map[string][]catalog.TagDirectoryItem{
			"1": {{Key: "st1", Title: "Mosfilm", Count: 4,
				FastKey: "http://plex:32400/library/sections/1/all?studio=st1&X-Plex-Token=secret"}},
		},
		Actors: map[string][]catalog.TagDirectoryItem{
			"1": {{Key: "ac9", Title: "Gene Hackman", Count: 3,
				FastKey: "/library/sections/1/all?actor=ac9"}},
		},
	}
}

func TestBuildPlanStrategies(t *testing.T) {
	cfg := &SetupConfig{
		ServerID:           "srv",
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies:  enabledAll(),
		MinItemsPerChannel: 2,
		MaxChannels:        50,
	}
	p := NewPlanner(plannerCatalog(), cfg, nil)
	plan, err := p.BuildPlan(context.Background())
	require.NoError(t, err)

	byStrategy := make(map[Strategy][]string)
	for _, pc := range plan.Pending {
		byStrategy[pc.Strategy] = append(byStrategy[pc.Strategy], pc.Name)
	}

	require.Equal(t, []string{"Favorites"}, byStrategy[StrategyPlaylists], "small playlists skipped")
	require.Equal(t, []string{"Noir Nights"}, byStrategy[StrategyCollections], "small collections skipped")
	require.Empty(t, byStrategy[StrategyLibraryFallback], "fallback suppressed when collections emitted")
	require.ElementsMatch(t, []string{"Comedy", "Crime"}, byStrategy[StrategyGenres])
	require.Contains(t, byStrategy[StrategyDecades], "1980s")
	require.Contains(t, byStrategy[StrategyDecades], "1990s")
	require.Contains(t, byStrategy[StrategyRuntimes], "90-120 Minutes")
	require.Equal(t, []string{"Movies Recently Added"}, byStrategy[StrategyRecentlyAdded])
	require.Equal(t, []string{"Mosfilm"}, byStrategy[StrategyStudios])
	require.Equal(t, []string{"Gene Hackman"}, byStrategy[StrategyActors])

	require.Equal(t, len(plan.Pending), sumEstimates(plan.Estimates))
	require.False(t, plan.ReachedMaxChannels)

	for _, pc := range plan.Pending {
		require.True(t, pc.IsAutoGenerated)
		require.NotZero(t, pc.ShuffleSeed)
		require.NoError(t, pc.ContentSource.Validate())
	}
}

func TestBuildPlanRecentlyAddedShape(t *testing.T) {
	cfg := &SetupConfig{
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies:  map[Strategy]bool{StrategyRecentlyAdded: true},
		MinItemsPerChannel: 2,
		MaxChannels:        10,
	}
	p := NewPlanner(plannerCatalog(), cfg, nil)
	plan, err := p.BuildPlan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Pending, 1)
	pc := plan.Pending[0]
	require.Equal(t, channel.PlaybackSequential, pc.PlaybackMode)
	require.Equal(t, channel.SortAddedDesc, pc.SortOrder)
}

func TestBuildPlanStudioFilterStripsCredentials(t *testing.T) {
	cfg := &SetupConfig{
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies:  map[Strategy]bool{StrategyStudios: true},
		MinItemsPerChannel: 2,
		MaxChannels:        10,
	}
	p := NewPlanner(plannerCatalog(), cfg, nil)
	plan, err := p.BuildPlan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Pending, 1)
	lib := plan.Pending[0].ContentSource.Library
	require.NotNil(t, lib)
	require.Equal(t, "studio=st1", lib.LibraryFilter, "host, path, and token stripped")
}

func TestBuildPlanLibraryFallback(t *testing.T) {
	cat := plannerCatalog()
	cat.Collections = nil
	cfg := &SetupConfig{
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies: map[Strategy]bool{
			StrategyCollections:     true,
			StrategyLibraryFallback: true,
		},
		MinItemsPerChannel: 2,
		MaxChannels:        10,
	}
	p := NewPlanner(cat, cfg, nil)
	plan, err := p.BuildPlan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Pending, 1)
	require.Equal(t, StrategyLibraryFallback, plan.Pending[0].Strategy)
	require.Equal(t, "Movies", plan.Pending[0].Name)
}

func TestBuildPlanMaxChannelsCap(t *testing.T) {
	cfg := &SetupConfig{
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies:  enabledAll(),
		MinItemsPerChannel: 1,
		MaxChannels:        3,
	}
	p := NewPlanner(plannerCatalog(), cfg, nil)
	plan, err := p.BuildPlan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Pending, 3)
	require.True(t, plan.ReachedMaxChannels)
}

func TestBuildPlanUnsupportedDirectoryWarns(t *testing.T) {
	cat := plannerCatalog()
	cat.Actors = nil
	cfg := &SetupConfig{
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies:  map[Strategy]bool{StrategyActors: true},
		MinItemsPerChannel: 2,
		MaxChannels:        10,
	}
	p := NewPlanner(cat, cfg, nil)
	plan, err := p.BuildPlan(context.Background())
	require.NoError(t, err)
	require.Empty(t, plan.Pending)
	require.Len(t, plan.Warnings, 1)
}

func TestBuildPlanCancellation(t *testing.T) {
	cfg := &SetupConfig{
		SelectedLibraryIDs: []string{"1"},
		EnabledStrategies:  enabledAll(),
		MinItemsPerChannel: 1,
		MaxChannels:        50,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPlanner(plannerCatalog(), cfg, nil)
	_, err := p.BuildPlan(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSanitizeFastKey(t *testing.T) {
	cases := []struct {
		name    string
		fastKey string
		want    string
	}{
		{"full url with token", "http://host:32400/library/sections/1/all?actor=5&X-Plex-Token=abc", "actor=5"},
		{"relative with token", "/library/sections/1/all?studio=9&X-Plex-Token=abc", "studio=9"},
		{"token-only query falls back", "/library/sections/1/all?X-Plex-Token=abc", "actor=key1"},
		{"empty falls back", "", "actor=key1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, sanitizeFastKey(c.fastKey, "actor", "key1"))
		})
	}
}

func TestDiffPlan(t *testing.T) {
	existing := []*channel.Config{
		{
			ID: "x", Number: 4, Name: "Old", IsAutoGenerated: true,
			ContentSource: channel.ContentSource{
				Type:     channel.SourcePlaylist,
				Playlist: &channel.PlaylistSource{PlaylistKey: "pl1"},
			},
			PlaybackMode: channel.PlaybackSequential,
		},
		{
			ID: "gone", Number: 5, Name: "Gone",
			ContentSource: channel.ContentSource{
				Type:     channel.SourcePlaylist,
				Playlist: &channel.PlaylistSource{PlaylistKey: "dead"},
			},
		},
	}
	pending := []PendingChannel{
		{
			Name: "Favorites",
			ContentSource: channel.ContentSource{
				Type:     channel.SourcePlaylist,
				Playlist: &channel.PlaylistSource{PlaylistKey: "pl1"},
			},
			// Only the playback mode differs from the existing channel.
			PlaybackMode: channel.PlaybackShuffle,
		},
		{
			Name: "Fresh",
			ContentSource: channel.ContentSource{
				Type:     channel.SourcePlaylist,
				Playlist: &channel.PlaylistSource{PlaylistKey: "new"},
			},
		},
	}

	d := DiffPlan(pending, existing)
	require.Len(t, d.MatchedPairs, 1)
	require.Equal(t, "x", d.MatchedPairs[0].Existing.ID)
	require.Len(t, d.Created, 1, "playback-mode change alone is not a create")
	require.Equal(t, "Fresh", d.Created[0].Name)
	require.Len(t, d.Removed, 1)
	require.Equal(t, "gone", d.Removed[0].ID)
}

func sumEstimates(m map[Strategy]int) int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}
