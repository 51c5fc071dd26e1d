// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package setup plans and applies bulk channel creation from a media
// catalog: the planner enumerates candidate channels by strategy, the
// coordinator drives plan, build, apply, and EPG refresh with progress
// and cancellation.
package setup

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/pkg/prand"
)

// Strategy names one way of carving a catalog into channels.
type Strategy string

const (
	StrategyPlaylists       Strategy = "playlists"
	StrategyCollections     Strategy = "collections"
	StrategyLibraryFallback Strategy = "library_fallback"
	StrategyGenres          Strategy = "genres"
	StrategyDirectors       Strategy = "directors"
	StrategyDecades         Strategy = "decades"
	StrategyRuntimes        Strategy = "runtime_ranges"
	StrategyRecentlyAdded   Strategy = "recently_added"
	StrategyStudios         Strategy = "studios"
	StrategyActors          Strategy = "actors"
)

// BuildMode is how a plan is applied to the existing lineup.
type BuildMode string

const (
	BuildReplace BuildMode = "replace"
	BuildAppend  BuildMode = "append"
	BuildMerge   BuildMode = "merge"
)

// CombineMode controls whether studio and actor channels sharing a tag
// title collapse into one channel.
type CombineMode string

const (
	CombineSeparate CombineMode = "separate"
	CombineMerged   CombineMode = "combined"
)

// Defaults and scan bounds.
const (
	DefaultMaxChannels = 25
	// libraryScanLimit caps how many items one library scan may pull
	// for genre/director/decade/runtime bucketing.
	libraryScanLimit = 500
)

// SetupConfig is the normalized input to a setup run.
type SetupConfig struct {
	ServerID               string             `json:"serverId"`
	SelectedLibraryIDs     []string           `json:"selectedLibraryIds"`
	EnabledStrategies      map[Strategy]bool  `json:"enabledStrategies"`
	ActorStudioCombineMode CombineMode        `json:"actorStudioCombineMode"`
	BuildMode              BuildMode          `json:"buildMode"`
	MaxChannels            int                `json:"maxChannels"`
	MinItemsPerChannel     int                `json:"minItemsPerChannel"`
}

func (c *SetupConfig) enabled(s Strategy) bool { return c.EnabledStrategies[s] }

func (c *SetupConfig) maxChannels() int {
	if c.MaxChannels <= 0 || c.MaxChannels > channel.MaxChannels {
		return DefaultMaxChannels
	}
	return c.MaxChannels
}

// PendingChannel is one planned channel before it gets an id or number.
type PendingChannel struct {
	Name            string
	ContentSource   channel.ContentSource
	PlaybackMode    channel.PlaybackMode
	ShuffleSeed     uint32
	ContentFilters  []channel.ContentFilter
	SortOrder       channel.SortOrder
	IsAutoGenerated bool
	Strategy        Strategy
}

// IdentityKey is the stable identity used for plan diffs: the content
// source essence plus the filter essence. Playback mode and sort order
// are deliberately excluded.
func (p *PendingChannel) IdentityKey() string {
	return identityKey(&p.ContentSource, p.ContentFilters)
}

func identityKey(src *channel.ContentSource, filters []channel.ContentFilter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value))
	}
	sort.Strings(parts)
	return src.Essence() + "#" + strings.Join(parts, "&")
}

// Plan is the planner output.
type Plan struct {
	Pending            []PendingChannel
	Estimates          map[Strategy]int
	Warnings           []string
	ReachedMaxChannels bool
}

// Planner enumerates candidate channels from the catalog.
type Planner struct {
	cat catalog.Catalog
	cfg *SetupConfig
	// onProgress, when set, receives fetch/scan progress.
	onProgress func(Progress)
}

// NewPlanner returns a planner for cfg.
func NewPlanner(cat catalog.Catalog, cfg *SetupConfig, onProgress func(Progress)) *Planner {
	return &Planner{cat: cat, cfg: cfg, onProgress: onProgress}
}

func (p *Planner) progress(task, label, detail string, current int, total *int) {
	if p.onProgress != nil {
		p.onProgress(Progress{Task: task, Label: label, Detail: detail, Current: current, Total: total})
	}
}

// BuildPlan runs all enabled strategies in order and returns the
// deduped, capped plan. Ties between strategies go to the earlier
// strategy; later entries with the same identity are dropped.
func (p *Planner) BuildPlan(ctx context.Context) (*Plan, error) {
	plan := &Plan{Estimates: make(map[Strategy]int)}
	seen := make(map[string]bool)
	maxCh := p.cfg.maxChannels()

	add := func(pc PendingChannel) {
		if plan.ReachedMaxChannels {
			return
		}
		key := pc.IdentityKey()
		if seen[key] {
			return
		}
		if len(plan.Pending) >= maxCh {
			plan.ReachedMaxChannels = true
			return
		}
		seen[key] = true
		pc.IsAutoGenerated = true
		plan.Pending = append(plan.Pending, pc)
		plan.Estimates[pc.Strategy]++
	}

	if p.cfg.enabled(StrategyPlaylists) {
		if err := p.planPlaylists(ctx, add); err != nil {
			return nil, err
		}
	}

	libs, err := p.selectedLibraries(ctx)
	if err != nil {
		return nil, err
	}
	for _, lib := range libs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.planLibrary(ctx, lib, plan, add); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// selectedLibraries resolves the configured library ids in library
// title order.
func (p *Planner) selectedLibraries(ctx context.Context) ([]catalog.LibraryInfo, error) {
	all, err := p.cat.GetLibraries(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(p.cfg.SelectedLibraryIDs))
	for _, id := range p.cfg.SelectedLibraryIDs {
		want[id] = true
	}
	var libs []catalog.LibraryInfo
	for _, lib := range all {
		if want[lib.ID] {
			libs = append(libs, lib)
		}
	}
	sort.Slice(libs, func(i, j int) bool {
		if libs[i].Title != libs[j].Title {
			return libs[i].Title < libs[j].Title
		}
		return libs[i].ID < libs[j].ID
	})
	return libs, nil
}

func (p *Planner) planPlaylists(ctx context.Context, add func(PendingChannel)) error {
	p.progress(TaskFetchPlaylists, "Fetching playlists", "", 0, nil)
	playlists, err := p.cat.GetPlaylists(ctx)
	if err != nil {
		return err
	}
	for _, pl := range playlists {
		if pl.LeafCount < p.cfg.MinItemsPerChannel {
			continue
		}
		add(PendingChannel{
			Name: pl.Title,
			ContentSource: channel.ContentSource{
				Type:     channel.SourcePlaylist,
				Playlist: &channel.PlaylistSource{PlaylistKey: pl.RatingKey},
			},
			PlaybackMode: channel.PlaybackShuffle,
			ShuffleSeed:  prand.HashString("playlist:" + pl.RatingKey),
			Strategy:     StrategyPlaylists,
		})
	}
	return nil
}

func (p *Planner) planLibrary(ctx context.Context, lib catalog.LibraryInfo, plan *Plan, add func(PendingChannel)) error {
	collectionsEmitted := 0
	if p.cfg.enabled(StrategyCollections) {
		p.progress(TaskFetchCollections, "Fetching collections", lib.Title, 0, nil)
		collections, err := p.cat.GetCollections(ctx, lib.ID)
		if err != nil {
			return err
		}
		for _, col := range collections {
			if col.ChildCount < p.cfg.MinItemsPerChannel {
				continue
			}
			before := len(plan.Pending)
			add(PendingChannel{
				Name: col.Title,
				ContentSource: channel.ContentSource{
					Type: channel.SourceCollection,
					Collection: &channel.CollectionSource{
						CollectionKey:  col.RatingKey,
						CollectionName: col.Title,
					},
				},
				PlaybackMode: channel.PlaybackShuffle,
				ShuffleSeed:  prand.HashString("collection:" + col.RatingKey),
				Strategy:     StrategyCollections,
			})
			if len(plan.Pending) > before {
				collectionsEmitted++
			}
		}
	}

	if p.cfg.enabled(StrategyLibraryFallback) && collectionsEmitted == 0 {
		if err := p.planLibraryFallback(ctx, lib, add); err != nil {
			return err
		}
	}

	needScan := p.cfg.enabled(StrategyGenres) || p.cfg.enabled(StrategyDirectors) ||
		p.cfg.enabled(StrategyDecades) || p.cfg.enabled(StrategyRuntimes)
	if needScan {
		if err := p.planFromScan(ctx, lib, add); err != nil {
			return err
		}
	}

	if p.cfg.enabled(StrategyRecentlyAdded) {
		add(PendingChannel{
			Name: fmt.Sprintf("%s Recently Added", lib.Title),
			ContentSource: channel.ContentSource{
				Type: channel.SourceLibrary,
				Library: &channel.LibrarySource{
					LibraryID:      lib.ID,
					LibraryType:    lib.Type,
					IncludeWatched: true,
				},
			},
			PlaybackMode: channel.PlaybackSequential,
			SortOrder:    channel.SortAddedDesc,
			ShuffleSeed:  prand.HashString("recent:" + lib.ID),
			Strategy:     StrategyRecentlyAdded,
		})
	}

	if p.cfg.enabled(StrategyStudios) || p.cfg.enabled(StrategyActors) {
		if err := p.planDirectories(ctx, lib, plan, add); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) planLibraryFallback(ctx context.Context, lib catalog.LibraryInfo, add func(PendingChannel)) error {
	count := lib.ContentCount
	if count == 0 {
		n, err := p.cat.GetLibraryItemCount(ctx, lib.ID, "")
		if err != nil {
			return err
		}
		count = n
	}
	if count < p.cfg.MinItemsPerChannel {
		return nil
	}
	add(PendingChannel{
		Name: lib.Title,
		ContentSource: channel.ContentSource{
			Type: channel.SourceLibrary,
			Library: &channel.LibrarySource{
				LibraryID:      lib.ID,
				LibraryType:    lib.Type,
				IncludeWatched: true,
			},
		},
		PlaybackMode: channel.PlaybackShuffle,
		ShuffleSeed:  prand.HashString("library:" + lib.ID),
		Strategy:     StrategyLibraryFallback,
	})
	return nil
}

// planFromScan pulls a bounded item sample and buckets it. Tag counts
// (genres, directors) come from show-level records in show libraries;
// decade and runtime buckets need episode-level durations there.
func (p *Planner) planFromScan(ctx context.Context, lib catalog.LibraryInfo, add func(PendingChannel)) error {
	p.progress(TaskScanLibraryItems, "Scanning library", lib.Title, 0, nil)

	tagType := ""
	if lib.Type == catalog.LibraryTypeShow {
		tagType = catalog.TypeShow
	}
	tagItems, err := p.cat.GetLibraryItems(ctx, lib.ID, catalog.ItemOptions{
		Type:  tagType,
		Limit: libraryScanLimit,
	})
	if err != nil {
		return err
	}

	leafItems := tagItems
	if lib.Type == catalog.LibraryTypeShow &&
		(p.cfg.enabled(StrategyDecades) || p.cfg.enabled(StrategyRuntimes)) {
		leafItems, err = p.cat.GetLibraryItems(ctx, lib.ID, catalog.ItemOptions{
			Type:  catalog.TypeEpisode,
			Limit: libraryScanLimit,
		})
		if err != nil {
			return err
		}
	}

	libSource := func() *channel.LibrarySource {
		return &channel.LibrarySource{
			LibraryID:      lib.ID,
			LibraryType:    lib.Type,
			IncludeWatched: true,
		}
	}

	if p.cfg.enabled(StrategyGenres) {
		for _, tag := range countTags(tagItems, func(m *catalog.MediaItem) []string { return m.Genres }, p.cfg.MinItemsPerChannel) {
			add(PendingChannel{
				Name:          tag,
				ContentSource: channel.ContentSource{Type: channel.SourceLibrary, Library: libSource()},
				PlaybackMode:  channel.PlaybackShuffle,
				ShuffleSeed:   prand.HashString("genre:" + lib.ID + ":" + tag),
				ContentFilters: []channel.ContentFilter{
					{Field: "genre", Op: channel.OpEq, Value: tag},
				},
				Strategy: StrategyGenres,
			})
		}
	}
	if p.cfg.enabled(StrategyDirectors) {
		for _, tag := range countTags(tagItems, func(m *catalog.MediaItem) []string { return m.Directors }, p.cfg.MinItemsPerChannel) {
			add(PendingChannel{
				Name:          tag,
				ContentSource: channel.ContentSource{Type: channel.SourceLibrary, Library: libSource()},
				PlaybackMode:  channel.PlaybackShuffle,
				ShuffleSeed:   prand.HashString("director:" + lib.ID + ":" + tag),
				ContentFilters: []channel.ContentFilter{
					{Field: "director", Op: channel.OpEq, Value: tag},
				},
				Strategy: StrategyDirectors,
			})
		}
	}
	if p.cfg.enabled(StrategyDecades) {
		counts := make(map[int]int)
		for i := range leafItems {
			if leafItems[i].Year > 0 {
				counts[(leafItems[i].Year/10)*10]++
			}
		}
		decades := make([]int, 0, len(counts))
		for d, n := range counts {
			if n >= p.cfg.MinItemsPerChannel {
				decades = append(decades, d)
			}
		}
		sort.Ints(decades)
		for _, d := range decades {
			add(PendingChannel{
				Name:          fmt.Sprintf("%ds", d),
				ContentSource: channel.ContentSource{Type: channel.SourceLibrary, Library: libSource()},
				PlaybackMode:  channel.PlaybackShuffle,
				ShuffleSeed:   prand.HashString(fmt.Sprintf("decade:%s:%d", lib.ID, d)),
				ContentFilters: []channel.ContentFilter{
					{Field: "year", Op: channel.OpGte, Value: d},
					{Field: "year", Op: channel.OpLt, Value: d + 10},
				},
				Strategy: StrategyDecades,
			})
		}
	}
	if p.cfg.enabled(StrategyRuntimes) {
		for _, band := range runtimeBands {
			n := 0
			for i := range leafItems {
				if band.contains(leafItems[i].DurationMS) {
					n++
				}
			}
			if n < p.cfg.MinItemsPerChannel {
				continue
			}
			add(PendingChannel{
				Name:           band.name,
				ContentSource:  channel.ContentSource{Type: channel.SourceLibrary, Library: libSource()},
				PlaybackMode:   channel.PlaybackShuffle,
				ShuffleSeed:    prand.HashString("runtime:" + lib.ID + ":" + band.name),
				ContentFilters: band.filters(),
				Strategy:       StrategyRuntimes,
			})
		}
	}
	return nil
}

// runtimeBand is one fixed duration bucket.
type runtimeBand struct {
	name  string
	minMS int64 // inclusive, 0 = open
	maxMS int64 // exclusive, 0 = open
}

var runtimeBands = []runtimeBand{
	{name: "Under 30 Minutes", maxMS: 30 * 60 * 1000},
	{name: "30-60 Minutes", minMS: 30 * 60 * 1000, maxMS: 60 * 60 * 1000},
	{name: "60-90 Minutes", minMS: 60 * 60 * 1000, maxMS: 90 * 60 * 1000},
	{name: "90-120 Minutes", minMS: 90 * 60 * 1000, maxMS: 120 * 60 * 1000},
	{name: "Over 2 Hours", minMS: 120 * 60 * 1000},
}

func (b *runtimeBand) contains(durMS int64) bool {
	if durMS <= 0 {
		return false
	}
	if b.minMS > 0 && durMS < b.minMS {
		return false
	}
	if b.maxMS > 0 && durMS >= b.maxMS {
		return false
	}
	return true
}

func (b *runtimeBand) filters() []channel.ContentFilter {
	var fs []channel.ContentFilter
	if b.minMS > 0 {
		fs = append(fs, channel.ContentFilter{Field: "duration", Op: channel.OpGte, Value: b.minMS})
	}
	if b.maxMS > 0 {
		fs = append(fs, channel.ContentFilter{Field: "duration", Op: channel.OpLt, Value: b.maxMS})
	}
	return fs
}

// countTags tallies tag occurrences over items and returns the tags
// meeting minItems, alphabetically.
func countTags(items []catalog.MediaItem, get func(*catalog.MediaItem) []string, minItems int) []string {
	counts := make(map[string]int)
	display := make(map[string]string)
	for i := range items {
		for _, tag := range get(&items[i]) {
			key := strings.ToLower(tag)
			counts[key]++
			if _, ok := display[key]; !ok {
				display[key] = tag
			}
		}
	}
	var tags []string
	for key, n := range counts {
		if n >= minItems {
			tags = append(tags, display[key])
		}
	}
	sort.Strings(tags)
	return tags
}

func (p *Planner) planDirectories(ctx context.Context, lib catalog.LibraryInfo, plan *Plan, add func(PendingChannel)) error {
	combine := p.cfg.ActorStudioCombineMode == CombineMerged
	seenTitles := make(map[string]bool)

	emit := func(tag catalog.TagDirectoryItem, strategy Strategy, param string) {
		if tag.Count < p.cfg.MinItemsPerChannel {
			return
		}
		filter := sanitizeFastKey(tag.FastKey, param, tag.Key)
		if filter == "" {
			return
		}
		if combine {
			key := strings.ToLower(tag.Title)
			if seenTitles[key] {
				return
			}
			seenTitles[key] = true
		}
		add(PendingChannel{
			Name: tag.Title,
			ContentSource: channel.ContentSource{
				Type: channel.SourceLibrary,
				Library: &channel.LibrarySource{
					LibraryID:      lib.ID,
					LibraryType:    lib.Type,
					IncludeWatched: true,
					LibraryFilter:  filter,
				},
			},
			PlaybackMode: channel.PlaybackShuffle,
			ShuffleSeed:  prand.HashString(string(strategy) + ":" + lib.ID + ":" + tag.Key),
			Strategy:     strategy,
		})
	}

	unsupported := func(what string) func() {
		return func() {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("library %q does not support the %s directory", lib.Title, what))
		}
	}

	if p.cfg.enabled(StrategyStudios) {
		studios, err := p.cat.GetStudios(ctx, lib.ID, catalog.DirectoryOptions{
			Type:          "studio",
			OnUnsupported: unsupported("studio"),
		})
		if err != nil {
			return err
		}
		for _, tag := range studios {
			emit(tag, StrategyStudios, "studio")
		}
	}
	if p.cfg.enabled(StrategyActors) {
		actors, err := p.cat.GetActors(ctx, lib.ID, catalog.DirectoryOptions{
			Type:          "actor",
			OnUnsupported: unsupported("actor"),
		})
		if err != nil {
			return err
		}
		for _, tag := range actors {
			emit(tag, StrategyActors, "actor")
		}
	}
	return nil
}

// sanitizeFastKey reduces a directory fastKey to a bare query filter:
// the host, the library section path, and any credential-bearing
// parameters are stripped. Falls back to "<param>=<key>" when the
// fastKey has no usable query.
func sanitizeFastKey(fastKey, param, key string) string {
	fallback := ""
	if key != "" {
		fallback = param + "=" + key
	}
	if fastKey == "" {
		return fallback
	}
	u, err := url.Parse(fastKey)
	if err != nil {
		return fallback
	}
	q := u.Query()
	cleaned := url.Values{}
	for name, vals := range q {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-plex") || strings.Contains(lower, "token") {
			continue
		}
		for _, v := range vals {
			cleaned.Add(name, v)
		}
	}
	if len(cleaned) == 0 {
		return fallback
	}
	return cleaned.Encode()
}

// Diff compares a plan against the existing lineup by identity key.
type Diff struct {
	Created      []PendingChannel
	Removed      []*channel.Config
	Unchanged    []*channel.Config
	MatchedPairs []MatchedPair
}

// MatchedPair is one existing channel matched to a planned one.
type MatchedPair struct {
	Existing *channel.Config
	Planned  PendingChannel
}

// DiffPlan computes created/removed/unchanged/matched against existing
// channels. Matching keys on (source essence + filter essence); a
// playback-mode or sort-order change alone counts as matched, not
// created.
func DiffPlan(pending []PendingChannel, existing []*channel.Config) *Diff {
	byKey := make(map[string]*channel.Config, len(existing))
	for _, c := range existing {
		byKey[identityKey(&c.ContentSource, c.ContentFilters)] = c
	}
	d := &Diff{}
	matched := make(map[string]bool)
	for _, pc := range pending {
		key := pc.IdentityKey()
		if ex, ok := byKey[key]; ok {
			matched[key] = true
			if ex.PlaybackMode == pc.PlaybackMode && ex.SortOrder == pc.SortOrder &&
				(ex.Name == pc.Name || !ex.IsAutoGenerated) {
				d.Unchanged = append(d.Unchanged, ex)
			}
			d.MatchedPairs = append(d.MatchedPairs, MatchedPair{Existing: ex, Planned: pc})
			continue
		}
		d.Created = append(d.Created, pc)
	}
	for _, c := range existing {
		if !matched[identityKey(&c.ContentSource, c.ContentFilters)] {
			d.Removed = append(d.Removed, c)
		}
	}
	return d
}
