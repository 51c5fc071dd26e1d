// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package catalog

import (
	"context"
	"sync"
)

// Fake is an in-memory Catalog for tests. Zero value is usable. Every
// getter honors context cancellation and an optional injected error,
// and counts calls so tests can assert the upstream was (not) polled.
type Fake struct {
	mu sync.Mutex

	Libraries    []LibraryInfo
	LibraryItems map[string][]MediaItem // libraryID -> items
	ItemCounts   map[string]int
	Collections  map[string][]Collection // libraryID -> collections
	CollItems    map[string][]MediaItem  // collectionKey -> items
	Playlists    []Playlist
	PlistItems   map[string][]MediaItem // playlistKey -> items
	Episodes     map[string][]MediaItem // showRatingKey -> episodes
	Actors       map[string][]TagDirectoryItem
	Studios      map[string][]TagDirectoryItem

	// Err, when set, is returned by every call.
	Err error
	// ErrOnce, when set, is returned by the next call only.
	ErrOnce error

	Calls map[string]int
}

func (f *Fake) begin(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Calls == nil {
		f.Calls = make(map[string]int)
	}
	f.Calls[name]++
	if f.ErrOnce != nil {
		err := f.ErrOnce
		f.ErrOnce = nil
		return err
	}
	return f.Err
}

// CallCount returns how many times the named method was invoked.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[name]
}

func (f *Fake) GetLibraries(ctx context.Context) ([]LibraryInfo, error) {
	if err := f.begin(ctx, "GetLibraries"); err != nil {
		return nil, err
	}
	return f.Libraries, nil
}

func (f *Fake) GetLibraryItems(ctx context.Context, libraryID string, opts ItemOptions) ([]MediaItem, error) {
	if err := f.begin(ctx, "GetLibraryItems"); err != nil {
		return nil, err
	}
	items := f.LibraryItems[libraryID]
	if opts.Type != "" {
		var out []MediaItem
		for _, it := range items {
			if it.Type == opts.Type {
				out = append(out, it)
			}
		}
		items = out
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

func (f *Fake) GetLibraryItemCount(ctx context.Context, libraryID string, filter string) (int, error) {
	if err := f.begin(ctx, "GetLibraryItemCount"); err != nil {
		return 0, err
	}
	if n, ok := f.ItemCounts[libraryID]; ok {
		return n, nil
	}
	return len(f.LibraryItems[libraryID]), nil
}

func (f *Fake) GetCollections(ctx context.Context, libraryID string) ([]Collection, error) {
	if err := f.begin(ctx, "GetCollections"); err != nil {
		return nil, err
	}
	return f.Collections[libraryID], nil
}

func (f *Fake) GetCollectionItems(ctx context.Context, collectionKey string) ([]MediaItem, error) {
	if err := f.begin(ctx, "GetCollectionItems"); err != nil {
		return nil, err
	}
	return f.CollItems[collectionKey], nil
}

func (f *Fake) GetPlaylists(ctx context.Context) ([]Playlist, error) {
	if err := f.begin(ctx, "GetPlaylists"); err != nil {
		return nil, err
	}
	return f.Playlists, nil
}

func (f *Fake) GetPlaylistItems(ctx context.Context, playlistKey string) ([]MediaItem, error) {
	if err := f.begin(ctx, "GetPlaylistItems"); err != nil {
		return nil, err
	}
	return f.PlistItems[playlistKey], nil
}

func (f *Fake) GetShowEpisodes(ctx context.Context, showRatingKey string) ([]MediaItem, error) {
	if err := f.begin(ctx, "GetShowEpisodes"); err != nil {
		return nil, err
	}
	return f.Episodes[showRatingKey], nil
}

func (f *Fake) GetActors(ctx context.Context, libraryID string, opts DirectoryOptions) ([]TagDirectoryItem, error) {
	if err := f.begin(ctx, "GetActors"); err != nil {
		return nil, err
	}
	tags, ok := f.Actors[libraryID]
	if !ok && opts.OnUnsupported != nil {
		opts.OnUnsupported()
	}
	return tags, nil
}

func (f *Fake) GetStudios(ctx context.Context, libraryID string, opts DirectoryOptions) ([]TagDirectoryItem, error) {
	if err := f.begin(ctx, "GetStudios"); err != nil {
		return nil, err
	}
	tags, ok := f.Studios[libraryID]
	if !ok && opts.OnUnsupported != nil {
		opts.OnUnsupported()
	}
	return tags, nil
}

var _ Catalog = (*Fake)(nil)
