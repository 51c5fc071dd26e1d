// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/retunetv/retune/pkg/prand"
)

// ApplyFilters returns the items passing every filter (AND). The input
// slice is not mutated.
func ApplyFilters(items []Item, filters []ContentFilter) []Item {
	if len(filters) == 0 {
		return append([]Item(nil), items...)
	}
	out := make([]Item, 0, len(items))
	for i := range items {
		keep := true
		for _, f := range filters {
			if !matchFilter(&items[i], f) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, items[i])
		}
	}
	return out
}

func matchFilter(it *Item, f ContentFilter) bool {
	switch strings.ToLower(f.Field) {
	case "year":
		return matchNumeric(float64(it.Year), f)
	case "duration":
		return matchNumeric(float64(it.DurationMS), f)
	case "rating":
		if it.Rating == nil {
			return false
		}
		return matchNumeric(*it.Rating, f)
	case "addedat":
		if it.AddedAt == nil {
			return false
		}
		return matchNumeric(float64(*it.AddedAt), f)
	case "watched":
		if it.Watched == nil {
			return false
		}
		want, ok := toBool(f.Value)
		if !ok {
			return true
		}
		switch f.Op {
		case OpNeq, OpNotContains:
			return *it.Watched != want
		default:
			return *it.Watched == want
		}
	case "contentrating":
		if it.ContentRating == "" {
			return false
		}
		return matchString(it.ContentRating, f)
	case "genre":
		return matchStringSet(it.Genres, f)
	case "director":
		return matchStringSet(it.Directors, f)
	default:
		// Unknown fields never exclude content.
		return true
	}
}

func matchNumeric(have float64, f ContentFilter) bool {
	want, ok := toFloat(f.Value)
	switch f.Op {
	case OpEq:
		return ok && have == want
	case OpNeq:
		return !ok || have != want
	case OpGt, OpGte, OpLt, OpLte:
		// Comparisons against a non-finite operand keep the item.
		if !ok || math.IsNaN(have) || math.IsInf(have, 0) ||
			math.IsNaN(want) || math.IsInf(want, 0) {
			return true
		}
		switch f.Op {
		case OpGt:
			return have > want
		case OpGte:
			return have >= want
		case OpLt:
			return have < want
		default:
			return have <= want
		}
	case OpContains:
		return ok && have == want
	case OpNotContains:
		return !ok || have != want
	}
	return true
}

func matchString(have string, f ContentFilter) bool {
	want := strings.ToLower(toString(f.Value))
	got := strings.ToLower(have)
	switch f.Op {
	case OpEq:
		return got == want
	case OpNeq:
		return got != want
	case OpContains:
		return strings.Contains(got, want)
	case OpNotContains:
		return !strings.Contains(got, want)
	}
	return true
}

// matchStringSet applies tag semantics: eq/contains pass when any
// element matches; neq/notContains require absence on all elements.
func matchStringSet(have []string, f ContentFilter) bool {
	want := strings.ToLower(toString(f.Value))
	anyEq := false
	anySub := false
	for _, v := range have {
		lv := strings.ToLower(v)
		if lv == want {
			anyEq = true
		}
		if strings.Contains(lv, want) {
			anySub = true
		}
	}
	switch f.Op {
	case OpEq:
		return anyEq
	case OpNeq:
		return !anyEq
	case OpContains:
		return anySub
	case OpNotContains:
		return !anySub
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	case float64:
		return t != 0, true
	}
	return false, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// ApplySort returns a new slice ordered by order. Unknown or empty
// orders return the input order unchanged. Sorting is stable so equal
// keys keep their resolver order.
func ApplySort(items []Item, order SortOrder) []Item {
	out := append([]Item(nil), items...)
	less := lessFor(order)
	if less == nil {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

func lessFor(order SortOrder) func(a, b *Item) bool {
	switch order {
	case SortTitleAsc:
		return func(a, b *Item) bool { return titleLess(a, b) }
	case SortTitleDesc:
		return func(a, b *Item) bool { return titleLess(b, a) }
	case SortYearAsc:
		return func(a, b *Item) bool { return a.Year < b.Year }
	case SortYearDesc:
		return func(a, b *Item) bool { return a.Year > b.Year }
	case SortDurationAsc:
		return func(a, b *Item) bool { return a.DurationMS < b.DurationMS }
	case SortDurationDesc:
		return func(a, b *Item) bool { return a.DurationMS > b.DurationMS }
	case SortAddedAsc:
		return func(a, b *Item) bool { return addedAt(a) < addedAt(b) }
	case SortAddedDesc:
		return func(a, b *Item) bool { return addedAt(a) > addedAt(b) }
	case SortEpisodeOrder:
		return func(a, b *Item) bool {
			as, bs := intOrZero(a.SeasonNumber), intOrZero(b.SeasonNumber)
			if as != bs {
				return as < bs
			}
			return intOrZero(a.EpisodeNumber) < intOrZero(b.EpisodeNumber)
		}
	}
	return nil
}

func titleLess(a, b *Item) bool {
	la, lb := strings.ToLower(a.Title), strings.ToLower(b.Title)
	if la != lb {
		return la < lb
	}
	return a.Title < b.Title
}

func addedAt(it *Item) int64 {
	if it.AddedAt == nil {
		return 0
	}
	return *it.AddedAt
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// ApplyPlaybackMode orders items for air and rewrites ScheduledIndex to
// a dense 0..n-1. For PlaybackShuffle the caller passes the channel's
// shuffle seed; for PlaybackRandom a time-derived seed.
func ApplyPlaybackMode(items []Item, mode PlaybackMode, seed uint32) []Item {
	var out []Item
	switch mode {
	case PlaybackShuffle, PlaybackRandom:
		out = prand.ShuffleWithSeed(items, seed)
	default:
		out = append([]Item(nil), items...)
	}
	for i := range out {
		out[i].ScheduledIndex = i
	}
	return out
}
