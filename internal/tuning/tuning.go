// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package tuning executes channel-switch transactions: stop prior
// playback, resolve the new channel's content, load its schedule, and
// bring the player along, in an order that never leaves the player on
// a dead channel.
package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/internal/schedule"
	"github.com/retunetv/retune/pkg/wallclock"
)

// Player is the playback collaborator.
type Player interface {
	Stop()
}

// Hooks are the optional collaborators around a switch. Nil funcs are
// skipped.
type Hooks struct {
	// StopTranscode tears down any active upstream transcode session.
	StopTranscode func(ctx context.Context)
	// ShowTransition arms the channel-transition UI hint, e.g. "7 Movies".
	ShowTransition func(prefix string)
	// NotifyNowPlaying pushes now-playing metadata to the player shell.
	NotifyNowPlaying func(p *schedule.Program)
	// ReportError is the global error sink for user-visible failures.
	ReportError func(kind channel.Kind, message string)
	// SaveState persists app lifecycle state after a completed switch.
	SaveState func()
}

// Coordinator serializes channel switches. A switch initiated while
// another is in flight is dropped without side effects.
type Coordinator struct {
	mgr      *channel.Manager
	sched    *schedule.Scheduler
	clock    wallclock.Clock
	player   Player
	hooks    Hooks
	strategy schedule.AnchorStrategy
	loc      *time.Location

	mu        sync.Mutex
	switching bool
}

// NewCoordinator wires a tuning coordinator. loc may be nil for the
// process-local zone.
func NewCoordinator(mgr *channel.Manager, sched *schedule.Scheduler, clock wallclock.Clock,
	player Player, hooks Hooks, strategy schedule.AnchorStrategy, loc *time.Location) *Coordinator {
	if loc == nil {
		loc = time.Local
	}
	return &Coordinator{
		mgr:      mgr,
		sched:    sched,
		clock:    clock,
		player:   player,
		hooks:    hooks,
		strategy: strategy,
		loc:      loc,
	}
}

// SwitchToChannel runs one atomic switch transaction. Cancellation at
// any await boundary returns silently; a failed content resolution is
// reported to the error sink without stopping the player.
func (c *Coordinator) SwitchToChannel(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.switching {
		c.mu.Unlock()
		slog.Debug("channel switch already in flight, ignoring", "channel", id)
		return nil
	}
	c.switching = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return nil
	}

	cfg, ok := c.mgr.GetChannel(id)
	if !ok {
		return channel.NewError(channel.KindChannelNotFound, "channel %s not found", id)
	}

	content, err := c.mgr.ResolveChannelContent(ctx, id)
	if err != nil {
		if channel.IsCancellation(err) || ctx.Err() != nil {
			return nil
		}
		// The player keeps whatever it was showing; a blank screen is
		// worse than a stale one.
		c.reportError(err)
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	if c.hooks.StopTranscode != nil {
		c.hooks.StopTranscode(ctx)
	}
	if c.hooks.ShowTransition != nil {
		c.hooks.ShowTransition(fmt.Sprintf("%d %s", cfg.Number, cfg.Name))
	}
	c.player.Stop()

	schedCfg, err := schedule.NewDailyConfig(cfg, content.Items, c.clock.NowMS(), c.strategy, c.loc)
	if err == nil {
		err = c.sched.LoadChannel(schedCfg)
	}
	if err != nil {
		c.reportError(err)
		return err
	}
	if err := c.sched.SyncToCurrentTime(); err != nil {
		c.reportError(err)
		return err
	}
	if p := c.sched.CurrentProgram(); p != nil && c.hooks.NotifyNowPlaying != nil {
		c.hooks.NotifyNowPlaying(p)
	}
	if err := c.mgr.SetCurrentChannel(id); err != nil {
		slog.Warn("marking channel current failed", "channel", id, "err", err)
	}
	if c.hooks.SaveState != nil {
		c.hooks.SaveState()
	}
	return nil
}

// SwitchToChannelByNumber resolves a channel number and delegates.
func (c *Coordinator) SwitchToChannelByNumber(ctx context.Context, number int) error {
	cfg, ok := c.mgr.GetChannelByNumber(number)
	if !ok {
		return channel.NewError(channel.KindChannelNotFound, "no channel on number %d", number)
	}
	return c.SwitchToChannel(ctx, cfg.ID)
}

// IsSwitching reports whether a switch is in flight.
func (c *Coordinator) IsSwitching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switching
}

func (c *Coordinator) reportError(err error) {
	if c.hooks.ReportError == nil {
		return
	}
	kind := channel.KindOf(err)
	if kind == "" || kind == channel.KindInvalidTime || kind == channel.KindEmptyChannel {
		// Schedule failures read as "nothing to play" to the viewer.
		kind = channel.KindContentUnavailable
	}
	c.hooks.ReportError(kind, err.Error())
}
