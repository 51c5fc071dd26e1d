// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package epg assembles program-guide windows over the channel lineup
// and serializes them as XMLTV.
package epg

import (
	"context"
	"log/slog"
	"time"

	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/internal/schedule"
	"github.com/retunetv/retune/pkg/wallclock"
)

// ChannelGuide is one channel's slice of the guide.
type ChannelGuide struct {
	Channel  *channel.Config
	Programs []*schedule.Program
}

// Guide computes windows from the manager's cached content.
type Guide struct {
	mgr      *channel.Manager
	clock    wallclock.Clock
	strategy schedule.AnchorStrategy
	loc      *time.Location
}

// NewGuide returns a guide over mgr. loc may be nil.
func NewGuide(mgr *channel.Manager, clock wallclock.Clock, strategy schedule.AnchorStrategy, loc *time.Location) *Guide {
	if loc == nil {
		loc = time.Local
	}
	return &Guide{mgr: mgr, clock: clock, strategy: strategy, loc: loc}
}

// ChannelWindow returns the programs airing on id within [fromMS, toMS).
func (g *Guide) ChannelWindow(ctx context.Context, id string, fromMS, toMS int64) ([]*schedule.Program, error) {
	cfg, ok := g.mgr.GetChannel(id)
	if !ok {
		return nil, channel.NewError(channel.KindChannelNotFound, "channel %s not found", id)
	}
	content, err := g.mgr.ResolveChannelContent(ctx, id)
	if err != nil {
		return nil, err
	}
	schedCfg, err := schedule.NewDailyConfig(cfg, content.Items, fromMS, g.strategy, g.loc)
	if err != nil {
		return nil, err
	}
	idx, err := schedule.BuildIndex(schedCfg)
	if err != nil {
		return nil, err
	}
	return schedule.Window(fromMS, toMS, idx, schedCfg.AnchorMS)
}

// LineupWindow returns the guide for every channel in lineup order.
// Channels whose content cannot be resolved are skipped with a warning
// so one dead source does not blank the whole guide.
func (g *Guide) LineupWindow(ctx context.Context, fromMS, toMS int64) ([]ChannelGuide, error) {
	var out []ChannelGuide
	for _, cfg := range g.mgr.ListChannels() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		programs, err := g.ChannelWindow(ctx, cfg.ID, fromMS, toMS)
		if err != nil {
			slog.Warn("skipping channel in guide window", "channel", cfg.ID, "err", err)
			continue
		}
		out = append(out, ChannelGuide{Channel: cfg, Programs: programs})
	}
	return out, nil
}

// RefreshEPG re-resolves every channel so subsequent windows are built
// from fresh content. Failures are per-channel and non-fatal.
func (g *Guide) RefreshEPG(ctx context.Context) error {
	for _, cfg := range g.mgr.ListChannels() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := g.mgr.RefreshChannelContent(ctx, cfg.ID); err != nil {
			if channel.IsCancellation(err) {
				return err
			}
			slog.Warn("guide refresh failed for channel", "channel", cfg.ID, "err", err)
		}
	}
	return nil
}
