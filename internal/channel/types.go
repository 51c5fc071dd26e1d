// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package channel holds the channel data model and the three pieces
// built on it: the content resolver, the channel store, and the channel
// manager with its content cache.
package channel

import (
	"time"

	"github.com/retunetv/retune/pkg/prand"
)

// Lineup and cache limits.
const (
	MaxChannels      = 100
	MinChannelNumber = 1
	MaxChannelNumber = 999
	// CacheTTL is how long a resolved item list counts as fresh.
	CacheTTL = time.Hour
	// RetryDelay is the fixed delay before re-resolving after a
	// network-class failure.
	RetryDelay = 30 * time.Second
)

// PlaybackMode orders a channel's resolved items.
type PlaybackMode string

const (
	PlaybackSequential PlaybackMode = "sequential"
	PlaybackShuffle    PlaybackMode = "shuffle"
	PlaybackRandom     PlaybackMode = "random"
)

// FilterOp is a content filter comparison operator.
type FilterOp string

const (
	OpEq          FilterOp = "eq"
	OpNeq         FilterOp = "neq"
	OpGt          FilterOp = "gt"
	OpGte         FilterOp = "gte"
	OpLt          FilterOp = "lt"
	OpLte         FilterOp = "lte"
	OpContains    FilterOp = "contains"
	OpNotContains FilterOp = "notContains"
)

// ContentFilter is one ANDed predicate over resolved items.
type ContentFilter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// SortOrder is a total order over resolved items.
type SortOrder string

const (
	SortNone         SortOrder = ""
	SortTitleAsc     SortOrder = "title_asc"
	SortTitleDesc    SortOrder = "title_desc"
	SortYearAsc      SortOrder = "year_asc"
	SortYearDesc     SortOrder = "year_desc"
	SortDurationAsc  SortOrder = "duration_asc"
	SortDurationDesc SortOrder = "duration_desc"
	SortAddedAsc     SortOrder = "added_asc"
	SortAddedDesc    SortOrder = "added_desc"
	SortEpisodeOrder SortOrder = "episode_order"
)

// Config is one channel's full configuration. Id is immutable for the
// channel's lifetime; Number is unique within the store.
type Config struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Name   string `json:"name"`

	ContentSource ContentSource `json:"contentSource"`

	PlaybackMode PlaybackMode `json:"playbackMode"`
	// ShuffleSeed drives deterministic shuffle; PhaseSeed offsets this
	// channel's schedule so channels do not all flip programs at the
	// same instant. Both are re-derived from the id when missing.
	ShuffleSeed *uint32 `json:"shuffleSeed,omitempty"`
	PhaseSeed   *uint32 `json:"phaseSeed,omitempty"`

	// StartTimeAnchor is the absolute ms timestamp the schedule loop is
	// referenced to.
	StartTimeAnchor int64 `json:"startTimeAnchor"`

	ContentFilters      []ContentFilter `json:"contentFilters,omitempty"`
	SortOrder           SortOrder       `json:"sortOrder,omitempty"`
	MinEpisodeRunTimeMS int64           `json:"minEpisodeRunTimeMs,omitempty"`
	MaxEpisodeRunTimeMS int64           `json:"maxEpisodeRunTimeMs,omitempty"`
	SkipIntros          bool            `json:"skipIntros,omitempty"`
	SkipCredits         bool            `json:"skipCredits,omitempty"`
	IsAutoGenerated     bool            `json:"isAutoGenerated,omitempty"`

	// Derived caches, refreshed on content resolution.
	ItemCount          int   `json:"itemCount,omitempty"`
	TotalDurationMS    int64 `json:"totalDurationMs,omitempty"`
	LastContentRefresh int64 `json:"lastContentRefresh,omitempty"`
	CreatedAt          int64 `json:"createdAt,omitempty"`
	UpdatedAt          int64 `json:"updatedAt,omitempty"`
}

// EffectiveShuffleSeed returns the shuffle seed, deriving it from the
// id when unset.
func (c *Config) EffectiveShuffleSeed() uint32 {
	if c.ShuffleSeed != nil {
		return *c.ShuffleSeed
	}
	return prand.HashString(c.ID + ":shuffle")
}

// EffectivePhaseSeed returns the phase seed, deriving it from the id
// when unset.
func (c *Config) EffectivePhaseSeed() uint32 {
	if c.PhaseSeed != nil {
		return *c.PhaseSeed
	}
	return prand.HashString(c.ID + ":phase")
}

// EnsureSeeds pins both seeds to concrete values so persisted channels
// keep their ordering even if the derivation ever changes.
func (c *Config) EnsureSeeds() {
	if c.ShuffleSeed == nil {
		s := prand.HashString(c.ID + ":shuffle")
		c.ShuffleSeed = &s
	}
	if c.PhaseSeed == nil {
		p := prand.HashString(c.ID + ":phase")
		c.PhaseSeed = &p
	}
}

// Clone returns a deep copy safe to hand to callers.
func (c *Config) Clone() *Config {
	out := *c
	if c.ShuffleSeed != nil {
		v := *c.ShuffleSeed
		out.ShuffleSeed = &v
	}
	if c.PhaseSeed != nil {
		v := *c.PhaseSeed
		out.PhaseSeed = &v
	}
	out.ContentFilters = append([]ContentFilter(nil), c.ContentFilters...)
	out.ContentSource = *cloneSource(&c.ContentSource)
	return &out
}

func cloneSource(s *ContentSource) *ContentSource {
	out := *s
	switch {
	case s.Library != nil:
		v := *s.Library
		out.Library = &v
	case s.Collection != nil:
		v := *s.Collection
		out.Collection = &v
	case s.Show != nil:
		v := *s.Show
		v.SeasonFilter = append([]int(nil), s.Show.SeasonFilter...)
		out.Show = &v
	case s.Playlist != nil:
		v := *s.Playlist
		out.Playlist = &v
	case s.Manual != nil:
		v := ManualSource{Items: append([]ManualItem(nil), s.Manual.Items...)}
		out.Manual = &v
	case s.Mixed != nil:
		v := MixedSource{MixMode: s.Mixed.MixMode, Sources: make([]ContentSource, len(s.Mixed.Sources))}
		for i := range s.Mixed.Sources {
			v.Sources[i] = *cloneSource(&s.Mixed.Sources[i])
		}
		out.Mixed = &v
	}
	return &out
}

// MediaInfo is the advisory stream summary shown in guides.
type MediaInfo struct {
	Resolution      string `json:"resolution,omitempty"`
	HDR             bool   `json:"hdr,omitempty"`
	AudioCodec      string `json:"audioCodec,omitempty"`
	AudioChannels   int    `json:"audioChannels,omitempty"`
	AudioTrackTitle string `json:"audioTrackTitle,omitempty"`
}

// Item is one playable entry of a resolved channel. Show containers
// never appear here.
type Item struct {
	RatingKey      string     `json:"ratingKey"`
	Type           string     `json:"type"`
	Title          string     `json:"title"`
	FullTitle      string     `json:"fullTitle"`
	DurationMS     int64      `json:"durationMs"`
	Thumb          string     `json:"thumb,omitempty"`
	Year           int        `json:"year,omitempty"`
	SeasonNumber   *int       `json:"seasonNumber,omitempty"`
	EpisodeNumber  *int       `json:"episodeNumber,omitempty"`
	Rating         *float64   `json:"rating,omitempty"`
	ContentRating  string     `json:"contentRating,omitempty"`
	Genres         []string   `json:"genres,omitempty"`
	Directors      []string   `json:"directors,omitempty"`
	Watched        *bool      `json:"watched,omitempty"`
	AddedAt        *int64     `json:"addedAt,omitempty"`
	ScheduledIndex int        `json:"scheduledIndex"`
	MediaInfo      *MediaInfo `json:"mediaInfo,omitempty"`
}

// CacheReason explains where a resolved result came from.
type CacheReason string

const (
	ReasonFresh              CacheReason = "fresh"
	ReasonNetworkError       CacheReason = "network_error"
	ReasonContentUnavailable CacheReason = "content_unavailable"
)

// ResolvedContent is the cached outcome of resolving a channel.
type ResolvedContent struct {
	ChannelID       string      `json:"channelId"`
	ResolvedAt      int64       `json:"resolvedAt"`
	Items           []Item      `json:"items"`
	OrderedItems    []Item      `json:"orderedItems"`
	TotalDurationMS int64       `json:"totalDurationMs"`
	FromCache       bool        `json:"fromCache"`
	IsStale         bool        `json:"isStale"`
	CacheReason     CacheReason `json:"cacheReason"`
}
