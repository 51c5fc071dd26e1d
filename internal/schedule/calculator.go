// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package schedule turns a channel's resolved items into a looping
// timeline and answers "what is airing at time T". All math is integer
// milliseconds; offsets are prefix sums so lookups are a binary search.
package schedule

import (
	"sort"
	"time"

	"github.com/retunetv/retune/internal/channel"
)

// AnchorStrategy selects how a daily schedule picks its anchor.
type AnchorStrategy string

const (
	// AnchorLocalMidnight anchors at the local midnight of the
	// reference time, pulled back by the channel's phase so distinct
	// channels do not flip programs together.
	AnchorLocalMidnight AnchorStrategy = "local_midnight"
	// AnchorReferenceNow anchors at the reference instant itself.
	AnchorReferenceNow AnchorStrategy = "reference_now"
)

// Config describes one channel's schedule inputs. Items carry the
// filtered, sorted (but not playback-ordered) list; BuildIndex applies
// the playback order so rebuilding from the same inputs is
// byte-identical for seeded modes.
type Config struct {
	Channel *channel.Config
	Items   []channel.Item
	// AnchorMS is the absolute ms timestamp offsets count from.
	AnchorMS int64
}

// Index is the precomputed lookup structure over one loop.
type Index struct {
	ChannelID           string
	OrderedItems        []channel.Item
	ItemStartOffsets    []int64
	TotalLoopDurationMS int64
}

// Program is one concrete airing of an item.
type Program struct {
	Item               channel.Item
	ScheduledStartTime int64
	ScheduledEndTime   int64
	ElapsedMS          int64
	RemainingMS        int64
	ScheduleIndex      int
	LoopNumber         int64
	IsCurrent          bool
}

// SameAiring reports whether two programs are the same airing, i.e.
// the same item slot within the same loop.
func (p *Program) SameAiring(o *Program) bool {
	if p == nil || o == nil {
		return false
	}
	return p.LoopNumber == o.LoopNumber && p.ScheduleIndex == o.ScheduleIndex
}

// NewDailyConfig computes the schedule config for a channel at
// referenceMS under the given anchor strategy. The phase is the
// channel's phase seed reduced modulo the loop duration.
func NewDailyConfig(cfg *channel.Config, items []channel.Item, referenceMS int64,
	strategy AnchorStrategy, loc *time.Location) (*Config, error) {
	total := int64(0)
	for i := range items {
		total += items[i].DurationMS
	}
	if len(items) == 0 || total <= 0 {
		return nil, channel.NewError(channel.KindInvalidTime,
			"channel %s has no airable content to schedule", cfg.ID)
	}
	var anchor int64
	switch strategy {
	case AnchorReferenceNow:
		anchor = referenceMS
	default:
		phase := int64(cfg.EffectivePhaseSeed()) % total
		anchor = localMidnightMS(referenceMS, loc) - phase
	}
	return &Config{Channel: cfg, Items: items, AnchorMS: anchor}, nil
}

func localMidnightMS(ms int64, loc *time.Location) int64 {
	if loc == nil {
		loc = time.Local
	}
	t := time.UnixMilli(ms).In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return midnight.UnixMilli()
}

// BuildIndex orders the items for air and computes the prefix-sum
// offsets. Requires at least one item and a positive loop duration.
func BuildIndex(cfg *Config) (*Index, error) {
	if cfg == nil || cfg.Channel == nil || len(cfg.Items) == 0 {
		return nil, channel.NewError(channel.KindInvalidTime, "schedule config has no items")
	}
	seed := cfg.Channel.EffectiveShuffleSeed()
	if cfg.Channel.PlaybackMode == channel.PlaybackRandom {
		seed = uint32(cfg.AnchorMS)
	}
	ordered := channel.ApplyPlaybackMode(cfg.Items, cfg.Channel.PlaybackMode, seed)

	offsets := make([]int64, len(ordered))
	var total int64
	for i := range ordered {
		offsets[i] = total
		total += ordered[i].DurationMS
	}
	if total <= 0 {
		return nil, channel.NewError(channel.KindInvalidTime,
			"channel %s loop duration is not positive", cfg.Channel.ID)
	}
	return &Index{
		ChannelID:           cfg.Channel.ID,
		OrderedItems:        ordered,
		ItemStartOffsets:    offsets,
		TotalLoopDurationMS: total,
	}, nil
}

// ProgramAtTime returns the program airing at tMS. The boundary is
// half-open: at an item's exact start offset that item is airing.
func ProgramAtTime(tMS int64, idx *Index, anchorMS int64) (*Program, error) {
	if idx == nil || len(idx.OrderedItems) == 0 || idx.TotalLoopDurationMS <= 0 {
		return nil, channel.NewError(channel.KindInvalidTime, "schedule index is empty")
	}
	delta := tMS - anchorMS
	loop := floorDiv(delta, idx.TotalLoopDurationMS)
	offset := delta - loop*idx.TotalLoopDurationMS

	// Greatest i with ItemStartOffsets[i] <= offset.
	i := sort.Search(len(idx.ItemStartOffsets), func(i int) bool {
		return idx.ItemStartOffsets[i] > offset
	}) - 1

	item := idx.OrderedItems[i]
	start := anchorMS + loop*idx.TotalLoopDurationMS + idx.ItemStartOffsets[i]
	end := start + item.DurationMS
	return &Program{
		Item:               item,
		ScheduledStartTime: start,
		ScheduledEndTime:   end,
		ElapsedMS:          tMS - start,
		RemainingMS:        end - tMS,
		ScheduleIndex:      i,
		LoopNumber:         loop,
		IsCurrent:          true,
	}, nil
}

// NextProgram returns the airing following current, wrapping to the
// next loop after the last item.
func NextProgram(current *Program, idx *Index, anchorMS int64) (*Program, error) {
	if idx == nil || len(idx.OrderedItems) == 0 || idx.TotalLoopDurationMS <= 0 {
		return nil, channel.NewError(channel.KindInvalidTime, "schedule index is empty")
	}
	n := len(idx.OrderedItems)
	i := (current.ScheduleIndex + 1) % n
	loop := current.LoopNumber
	if i == 0 {
		loop++
	}
	item := idx.OrderedItems[i]
	start := anchorMS + loop*idx.TotalLoopDurationMS + idx.ItemStartOffsets[i]
	end := start + item.DurationMS
	return &Program{
		Item:               item,
		ScheduledStartTime: start,
		ScheduledEndTime:   end,
		ElapsedMS:          0,
		RemainingMS:        item.DurationMS,
		ScheduleIndex:      i,
		LoopNumber:         loop,
	}, nil
}

// Window returns the ordered programs overlapping [startMS, endMS),
// including the one already airing at startMS.
func Window(startMS, endMS int64, idx *Index, anchorMS int64) ([]*Program, error) {
	p, err := ProgramAtTime(startMS, idx, anchorMS)
	if err != nil {
		return nil, err
	}
	var out []*Program
	for p.ScheduledStartTime < endMS {
		out = append(out, p)
		next, err := NextProgram(p, idx, anchorMS)
		if err != nil {
			return nil, err
		}
		next.IsCurrent = false
		p = next
	}
	return out, nil
}

// floorDiv is integer division rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
