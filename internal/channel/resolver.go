// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/pkg/wallclock"
)

// Show-decoration fetch bounds: one show listing per section, capped
// and cached so resolving a large episode library stays one extra call.
const (
	showListLimit    = 500
	showListCacheTTL = 5 * time.Minute
)

// Resolver turns a ContentSource into a flat list of playable items.
// It owns the per-section show metadata cache; everything else is
// stateless per call.
type Resolver struct {
	cat   catalog.Catalog
	clock wallclock.Clock

	mu        sync.Mutex
	showLists map[string]showListEntry
}

type showListEntry struct {
	fetchedAt time.Time
	byKey     map[string]catalog.MediaItem
}

// NewResolver returns a resolver reading from cat.
func NewResolver(cat catalog.Catalog, clock wallclock.Clock) *Resolver {
	return &Resolver{
		cat:       cat,
		clock:     clock,
		showLists: make(map[string]showListEntry),
	}
}

// ResolveSource resolves source to playable items. Show containers are
// expanded to episodes; anything still shaped like a container after
// the union is dropped with a warning. ScheduledIndex is rewritten to
// a dense 0..n-1 on the final list.
func (r *Resolver) ResolveSource(ctx context.Context, source *ContentSource) ([]Item, error) {
	items, err := r.resolve(ctx, source, 0)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Type == catalog.TypeShow || it.Type == catalog.TypeSeason {
			slog.Warn("dropping unexpanded container from resolved content",
				"ratingKey", it.RatingKey, "title", it.Title, "type", it.Type)
			continue
		}
		out = append(out, it)
	}
	for i := range out {
		out[i].ScheduledIndex = i
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, source *ContentSource, depth int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > maxMixedDepth {
		return nil, fmt.Errorf("mixed source nesting exceeds %d levels", maxMixedDepth)
	}
	switch source.Type {
	case SourceLibrary:
		return r.resolveLibrary(ctx, source.Library)
	case SourceCollection:
		return r.resolveCollection(ctx, source.Collection)
	case SourceShow:
		return r.resolveShow(ctx, source.Show)
	case SourcePlaylist:
		items, err := r.cat.GetPlaylistItems(ctx, source.Playlist.PlaylistKey)
		if err != nil {
			return nil, err
		}
		return toItems(items), nil
	case SourceManual:
		return resolveManual(source.Manual), nil
	case SourceMixed:
		return r.resolveMixed(ctx, source.Mixed, depth)
	}
	return nil, fmt.Errorf("content source type %q unknown", source.Type)
}

func (r *Resolver) resolveLibrary(ctx context.Context, src *LibrarySource) ([]Item, error) {
	if src.LibraryType == catalog.LibraryTypeShow {
		return r.resolveShowLibrary(ctx, src)
	}
	media, err := r.cat.GetLibraryItems(ctx, src.LibraryID, catalog.ItemOptions{Filter: src.LibraryFilter})
	if err != nil {
		return nil, err
	}
	items := toItems(media)
	if !src.IncludeWatched {
		items = dropWatched(items)
	}
	return items, nil
}

// resolveShowLibrary fetches episodes directly and back-fills show
// metadata (genres, directors, content rating, year) from one bounded
// show listing per section.
func (r *Resolver) resolveShowLibrary(ctx context.Context, src *LibrarySource) ([]Item, error) {
	media, err := r.cat.GetLibraryItems(ctx, src.LibraryID, catalog.ItemOptions{
		Type:   catalog.TypeEpisode,
		Filter: src.LibraryFilter,
	})
	if err != nil {
		return nil, err
	}
	// Zero-length episodes cannot air; drop before decoration.
	kept := media[:0]
	for _, m := range media {
		if m.DurationMS > 0 {
			kept = append(kept, m)
		}
	}
	shows, err := r.showList(ctx, src.LibraryID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(kept))
	for _, m := range kept {
		it := toItem(&m)
		if show, ok := shows[m.GrandparentRatingKey]; ok {
			decorateFromShow(&it, &show)
		}
		items = append(items, it)
	}
	if !src.IncludeWatched {
		items = dropWatched(items)
	}
	return items, nil
}

func (r *Resolver) showList(ctx context.Context, libraryID string) (map[string]catalog.MediaItem, error) {
	r.mu.Lock()
	entry, ok := r.showLists[libraryID]
	if ok && r.clock.Now().Sub(entry.fetchedAt) <= showListCacheTTL {
		r.mu.Unlock()
		return entry.byKey, nil
	}
	r.mu.Unlock()

	shows, err := r.cat.GetLibraryItems(ctx, libraryID, catalog.ItemOptions{
		Type:  catalog.TypeShow,
		Limit: showListLimit,
	})
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]catalog.MediaItem, len(shows))
	for _, s := range shows {
		byKey[s.RatingKey] = s
	}
	r.mu.Lock()
	r.showLists[libraryID] = showListEntry{fetchedAt: r.clock.Now(), byKey: byKey}
	r.mu.Unlock()
	return byKey, nil
}

func (r *Resolver) resolveCollection(ctx context.Context, src *CollectionSource) ([]Item, error) {
	media, err := r.cat.GetCollectionItems(ctx, src.CollectionKey)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(media))
	for _, m := range media {
		if m.Type != catalog.TypeShow {
			items = append(items, toItem(&m))
			continue
		}
		// Show containers in a collection expand to their episodes.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		episodes, err := r.cat.GetShowEpisodes(ctx, m.RatingKey)
		if err != nil {
			return nil, err
		}
		for _, ep := range episodes {
			it := toItem(&ep)
			decorateFromMedia(&it, &m)
			items = append(items, it)
		}
	}
	return items, nil
}

func (r *Resolver) resolveShow(ctx context.Context, src *ShowSource) ([]Item, error) {
	episodes, err := r.cat.GetShowEpisodes(ctx, src.ShowKey)
	if err != nil {
		return nil, err
	}
	items := toItems(episodes)
	if len(src.SeasonFilter) == 0 {
		return items, nil
	}
	want := make(map[int]bool, len(src.SeasonFilter))
	for _, s := range src.SeasonFilter {
		want[s] = true
	}
	out := items[:0]
	for _, it := range items {
		if it.SeasonNumber != nil && want[*it.SeasonNumber] {
			out = append(out, it)
		}
	}
	return out, nil
}

// resolveManual builds items from the cached tuples without touching
// the upstream. Entries with an empty key/title or a non-positive
// duration are dropped.
func resolveManual(src *ManualSource) []Item {
	items := make([]Item, 0, len(src.Items))
	for _, m := range src.Items {
		if m.RatingKey == "" || m.Title == "" || m.DurationMS <= 0 {
			continue
		}
		items = append(items, Item{
			RatingKey:  m.RatingKey,
			Type:       catalog.TypeMovie,
			Title:      m.Title,
			FullTitle:  m.Title,
			DurationMS: m.DurationMS,
		})
	}
	return items
}

func (r *Resolver) resolveMixed(ctx context.Context, src *MixedSource, depth int) ([]Item, error) {
	lists := make([][]Item, 0, len(src.Sources))
	for i := range src.Sources {
		child, err := r.resolve(ctx, &src.Sources[i], depth+1)
		if err != nil {
			return nil, err
		}
		lists = append(lists, child)
	}
	if src.MixMode == MixSequential {
		var out []Item
		for _, l := range lists {
			out = append(out, l...)
		}
		return out, nil
	}
	// Interleave round-robin by position across the child lists.
	var out []Item
	for pos := 0; ; pos++ {
		advanced := false
		for _, l := range lists {
			if pos < len(l) {
				out = append(out, l[pos])
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return out, nil
}

func dropWatched(items []Item) []Item {
	out := items[:0]
	for _, it := range items {
		if it.Watched != nil && *it.Watched {
			continue
		}
		out = append(out, it)
	}
	return out
}

// decorateFromShow fills episode metadata absent on the leaf from its
// show container.
func decorateFromShow(it *Item, show *catalog.MediaItem) {
	if len(it.Genres) == 0 {
		it.Genres = append([]string(nil), show.Genres...)
	}
	if len(it.Directors) == 0 {
		it.Directors = append([]string(nil), show.Directors...)
	}
	if it.ContentRating == "" {
		it.ContentRating = show.ContentRating
	}
	if it.Year == 0 {
		it.Year = show.Year
	}
}

func decorateFromMedia(it *Item, parent *catalog.MediaItem) {
	decorateFromShow(it, parent)
}

func toItems(media []catalog.MediaItem) []Item {
	items := make([]Item, 0, len(media))
	for i := range media {
		items = append(items, toItem(&media[i]))
	}
	return items
}

func toItem(m *catalog.MediaItem) Item {
	it := Item{
		RatingKey:     m.RatingKey,
		Type:          m.Type,
		Title:         m.Title,
		FullTitle:     m.Title,
		DurationMS:    m.DurationMS,
		Thumb:         m.Thumb,
		Year:          m.Year,
		SeasonNumber:  m.SeasonNumber,
		EpisodeNumber: m.EpisodeNumber,
		Rating:        m.Rating,
		ContentRating: m.ContentRating,
		Genres:        append([]string(nil), m.Genres...),
		Directors:     append([]string(nil), m.Directors...),
		Watched:       m.Watched(),
		AddedAt:       m.AddedAt,
	}
	if m.Type == catalog.TypeEpisode {
		if m.SeasonNumber != nil && m.EpisodeNumber != nil && m.GrandparentTitle != "" {
			it.FullTitle = fmt.Sprintf("%s - S%02dE%02d - %s",
				m.GrandparentTitle, *m.SeasonNumber, *m.EpisodeNumber, m.Title)
		} else if m.GrandparentTitle != "" {
			it.FullTitle = fmt.Sprintf("%s - %s", m.GrandparentTitle, m.Title)
		}
	}
	if mi := mediaInfoFor(m); mi != nil {
		it.MediaInfo = mi
	}
	return it
}

func mediaInfoFor(m *catalog.MediaItem) *MediaInfo {
	if len(m.Media) == 0 {
		return nil
	}
	v := m.Media[0]
	mi := &MediaInfo{
		Resolution:    v.VideoResolution,
		AudioCodec:    v.AudioCodec,
		AudioChannels: v.AudioChannels,
		HDR:           v.DynamicRange != "" && v.DynamicRange != "sdr" && v.DynamicRange != "SDR",
	}
	// First audio stream title, if the server exposes stream detail.
	for _, p := range v.Parts {
		for _, s := range p.Streams {
			if s.StreamType == 2 {
				if s.Title != "" {
					mi.AudioTrackTitle = s.Title
				} else {
					mi.AudioTrackTitle = s.DisplayTitle
				}
				return mi
			}
		}
	}
	if mi.Resolution == "" && mi.AudioCodec == "" && mi.AudioChannels == 0 && !mi.HDR {
		return nil
	}
	return mi
}
