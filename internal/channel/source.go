// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"fmt"
	"sort"
	"strings"
)

// SourceType tags a ContentSource variant.
type SourceType string

const (
	SourceLibrary    SourceType = "library"
	SourceCollection SourceType = "collection"
	SourceShow       SourceType = "show"
	SourcePlaylist   SourceType = "playlist"
	SourceManual     SourceType = "manual"
	SourceMixed      SourceType = "mixed"
)

// MixMode selects how a mixed source combines its children.
type MixMode string

const (
	MixInterleave MixMode = "interleave"
	MixSequential MixMode = "sequential"
)

// maxMixedDepth bounds recursion when validating mixed sources.
const maxMixedDepth = 25

// LibrarySource plays a whole library section, optionally narrowed by a
// server-side filter such as "actor=1234".
type LibrarySource struct {
	LibraryID      string `json:"libraryId"`
	LibraryType    string `json:"libraryType"`
	IncludeWatched bool   `json:"includeWatched"`
	LibraryFilter  string `json:"libraryFilter,omitempty"`
}

// CollectionSource plays one collection.
type CollectionSource struct {
	CollectionKey  string `json:"collectionKey"`
	CollectionName string `json:"collectionName"`
}

// ShowSource plays all (or selected seasons of) one show.
type ShowSource struct {
	ShowKey      string `json:"showKey"`
	SeasonFilter []int  `json:"seasonFilter,omitempty"`
}

// PlaylistSource plays one playlist in its stored order.
type PlaylistSource struct {
	PlaylistKey string `json:"playlistKey"`
}

// ManualItem is one hand-picked entry of a manual source. Duration is
// cached at pick time so manual channels resolve without upstream calls.
type ManualItem struct {
	RatingKey  string `json:"ratingKey"`
	Title      string `json:"title"`
	DurationMS int64  `json:"durationMs"`
}

// ManualSource plays a hand-picked item list.
type ManualSource struct {
	Items []ManualItem `json:"items"`
}

// MixedSource combines child sources.
type MixedSource struct {
	Sources []ContentSource `json:"sources"`
	MixMode MixMode         `json:"mixMode"`
}

// ContentSource is the tagged description of where a channel's items
// come from. Exactly the variant named by Type is set.
type ContentSource struct {
	Type       SourceType        `json:"type"`
	Library    *LibrarySource    `json:"library,omitempty"`
	Collection *CollectionSource `json:"collection,omitempty"`
	Show       *ShowSource       `json:"show,omitempty"`
	Playlist   *PlaylistSource   `json:"playlist,omitempty"`
	Manual     *ManualSource     `json:"manual,omitempty"`
	Mixed      *MixedSource      `json:"mixed,omitempty"`
}

// Validate checks the source structurally, recursing into mixed
// children with depth accounting. Invalid sources are pruned on load
// rather than repaired, so validation never mutates.
func (s *ContentSource) Validate() error {
	return s.validate(0)
}

func (s *ContentSource) validate(depth int) error {
	if s == nil {
		return fmt.Errorf("content source missing")
	}
	if depth > maxMixedDepth {
		return fmt.Errorf("mixed source nesting exceeds %d levels", maxMixedDepth)
	}
	switch s.Type {
	case SourceLibrary:
		if s.Library == nil || s.Library.LibraryID == "" {
			return fmt.Errorf("library source requires a library id")
		}
		switch s.Library.LibraryType {
		case "movie", "show":
		default:
			return fmt.Errorf("library source type %q not playable", s.Library.LibraryType)
		}
	case SourceCollection:
		if s.Collection == nil || s.Collection.CollectionKey == "" {
			return fmt.Errorf("collection source requires a collection key")
		}
	case SourceShow:
		if s.Show == nil || s.Show.ShowKey == "" {
			return fmt.Errorf("show source requires a show key")
		}
	case SourcePlaylist:
		if s.Playlist == nil || s.Playlist.PlaylistKey == "" {
			return fmt.Errorf("playlist source requires a playlist key")
		}
	case SourceManual:
		if s.Manual == nil {
			return fmt.Errorf("manual source requires items")
		}
	case SourceMixed:
		if s.Mixed == nil || len(s.Mixed.Sources) == 0 {
			return fmt.Errorf("mixed source requires at least one child")
		}
		switch s.Mixed.MixMode {
		case MixInterleave, MixSequential:
		default:
			return fmt.Errorf("mixed source mode %q unknown", s.Mixed.MixMode)
		}
		for i := range s.Mixed.Sources {
			if err := s.Mixed.Sources[i].validate(depth + 1); err != nil {
				return fmt.Errorf("mixed child %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("content source type %q unknown", s.Type)
	}
	return nil
}

// Essence returns a stable identity string for the source, used to
// match planned channels against existing ones. Cosmetic fields
// (collection names, watched flags) are excluded so renames do not
// break identity.
func (s *ContentSource) Essence() string {
	if s == nil {
		return ""
	}
	switch s.Type {
	case SourceLibrary:
		return fmt.Sprintf("library:%s:%s", s.Library.LibraryID, s.Library.LibraryFilter)
	case SourceCollection:
		return "collection:" + s.Collection.CollectionKey
	case SourceShow:
		seasons := make([]string, 0, len(s.Show.SeasonFilter))
		sorted := append([]int(nil), s.Show.SeasonFilter...)
		sort.Ints(sorted)
		for _, n := range sorted {
			seasons = append(seasons, fmt.Sprintf("%d", n))
		}
		return fmt.Sprintf("show:%s:%s", s.Show.ShowKey, strings.Join(seasons, ","))
	case SourcePlaylist:
		return "playlist:" + s.Playlist.PlaylistKey
	case SourceManual:
		keys := make([]string, 0, len(s.Manual.Items))
		for _, it := range s.Manual.Items {
			keys = append(keys, it.RatingKey)
		}
		return "manual:" + strings.Join(keys, ",")
	case SourceMixed:
		parts := make([]string, 0, len(s.Mixed.Sources))
		for i := range s.Mixed.Sources {
			parts = append(parts, s.Mixed.Sources[i].Essence())
		}
		return fmt.Sprintf("mixed:%s:[%s]", s.Mixed.MixMode, strings.Join(parts, "|"))
	}
	return ""
}
