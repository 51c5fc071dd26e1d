// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package schedule

import (
	"log/slog"
	"sync"
	"time"

	"github.com/retunetv/retune/pkg/wallclock"
)

// Timing constants for the running scheduler.
const (
	// SyncInterval is the cadence of the drift guard.
	SyncInterval = time.Second
	// DriftTolerance is how far wall-clock may diverge from the
	// expected position before a full resync.
	DriftTolerance = 5 * time.Second
	// MinTimerDelay and MaxTimerDelay clamp the program-boundary timer.
	MinTimerDelay = 250 * time.Millisecond
	MaxTimerDelay = time.Hour
)

// State of the scheduler lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateLoaded  State = "loaded"
	StateRunning State = "running"
)

// EventType of a program boundary notification.
type EventType string

const (
	EventProgramStart EventType = "programStart"
	EventProgramEnd   EventType = "programEnd"
)

// Event carries a boundary notification.
type Event struct {
	Type      EventType
	ChannelID string
	Program   *Program
}

// Listener receives scheduler events synchronously.
type Listener func(Event)

// Scheduler hosts the active channel's schedule and emits
// programStart/programEnd at wall-clock boundaries. At a boundary
// programEnd for the outgoing airing precedes programStart for the
// incoming one, and no airing gets a duplicate programStart.
type Scheduler struct {
	clock wallclock.Clock

	mu        sync.Mutex
	state     State
	channelID string
	index     *Index
	anchorMS  int64
	current   *Program
	lastStart *Program

	boundaryTimer wallclock.Timer
	driftTimer    wallclock.Timer
	expectedNowMS int64

	listeners []Listener
}

// New returns an idle scheduler on clock.
func New(clock wallclock.Clock) *Scheduler {
	return &Scheduler{clock: clock, state: StateIdle}
}

// Subscribe registers a listener for program boundary events.
func (s *Scheduler) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	fns := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("scheduler listener panicked", "event", ev.Type, "recover", r)
				}
			}()
			fn(ev)
		}()
	}
}

// LoadChannel builds the index for cfg and takes ownership of the
// schedule. Any previous channel's timers are canceled. Nothing is
// emitted until SyncToCurrentTime.
func (s *Scheduler) LoadChannel(cfg *Config) error {
	idx, err := BuildIndex(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cancelTimersLocked()
	s.channelID = cfg.Channel.ID
	s.index = idx
	s.anchorMS = cfg.AnchorMS
	s.current = nil
	s.lastStart = nil
	s.state = StateLoaded
	s.mu.Unlock()
	return nil
}

// SyncToCurrentTime aligns the scheduler with wall-clock: resolves the
// program airing now, emits programStart if it changed, and arms the
// boundary timer. Safe to call repeatedly; re-emission only happens
// when the airing actually changed.
func (s *Scheduler) SyncToCurrentTime() error {
	s.mu.Lock()
	if s.state == StateIdle || s.index == nil {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.NowMS()
	prog, err := ProgramAtTime(now, s.index, s.anchorMS)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := !prog.SameAiring(s.lastStart)
	s.current = prog
	if changed {
		s.lastStart = prog
	}
	channelID := s.channelID
	s.armBoundaryTimerLocked(prog.RemainingMS)
	s.expectedNowMS = now
	if s.driftTimer == nil {
		s.armDriftTimerLocked()
	}
	s.state = StateRunning
	s.mu.Unlock()

	if changed {
		s.emit(Event{Type: EventProgramStart, ChannelID: channelID, Program: prog})
	}
	return nil
}

func (s *Scheduler) armBoundaryTimerLocked(remainingMS int64) {
	if s.boundaryTimer != nil {
		s.boundaryTimer.Stop()
	}
	d := time.Duration(remainingMS) * time.Millisecond
	if d < MinTimerDelay {
		d = MinTimerDelay
	}
	if d > MaxTimerDelay {
		d = MaxTimerDelay
	}
	s.boundaryTimer = s.clock.AfterFunc(d, s.onBoundary)
}

func (s *Scheduler) armDriftTimerLocked() {
	s.driftTimer = s.clock.AfterFunc(SyncInterval, s.onDriftTick)
}

// onBoundary fires at the scheduled end of the current program.
func (s *Scheduler) onBoundary() {
	s.mu.Lock()
	if s.state != StateRunning || s.current == nil {
		s.mu.Unlock()
		return
	}
	outgoing := s.current
	now := s.clock.NowMS()
	if now < outgoing.ScheduledEndTime {
		// Fired early (clamped timer); re-arm for the remainder.
		s.armBoundaryTimerLocked(outgoing.ScheduledEndTime - now)
		s.mu.Unlock()
		return
	}
	next, err := NextProgram(outgoing, s.index, s.anchorMS)
	if err != nil {
		s.mu.Unlock()
		slog.Error("advancing schedule failed", "channel", s.channelID, "err", err)
		return
	}
	next.IsCurrent = true
	next.ElapsedMS = now - next.ScheduledStartTime
	next.RemainingMS = next.ScheduledEndTime - now
	s.current = next
	s.lastStart = next
	channelID := s.channelID
	s.armBoundaryTimerLocked(next.RemainingMS)
	s.mu.Unlock()

	s.emit(Event{Type: EventProgramEnd, ChannelID: channelID, Program: outgoing})
	s.emit(Event{Type: EventProgramStart, ChannelID: channelID, Program: next})
}

// onDriftTick compares wall-clock against the expected position and
// resyncs after suspend/resume or host clock changes.
func (s *Scheduler) onDriftTick() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.driftTimer = nil
		s.mu.Unlock()
		return
	}
	now := s.clock.NowMS()
	s.expectedNowMS += SyncInterval.Milliseconds()
	drift := now - s.expectedNowMS
	if drift < 0 {
		drift = -drift
	}
	s.expectedNowMS = now
	s.armDriftTimerLocked()
	s.mu.Unlock()

	if drift > DriftTolerance.Milliseconds() {
		slog.Info("wall-clock drift detected, resyncing schedule",
			"channel", s.ChannelID(), "driftMs", drift)
		if err := s.SyncToCurrentTime(); err != nil {
			slog.Error("drift resync failed", "channel", s.ChannelID(), "err", err)
		}
	}
}

// Unload cancels timers and clears all schedule state.
func (s *Scheduler) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimersLocked()
	s.channelID = ""
	s.index = nil
	s.current = nil
	s.lastStart = nil
	s.state = StateIdle
}

func (s *Scheduler) cancelTimersLocked() {
	if s.boundaryTimer != nil {
		s.boundaryTimer.Stop()
		s.boundaryTimer = nil
	}
	if s.driftTimer != nil {
		s.driftTimer.Stop()
		s.driftTimer = nil
	}
}

// CurrentProgram returns the airing program, if any.
func (s *Scheduler) CurrentProgram() *Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NextUp returns the program following the current one.
func (s *Scheduler) NextUp() (*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.index == nil {
		return nil, nil
	}
	return NextProgram(s.current, s.index, s.anchorMS)
}

// GetState returns the lifecycle state.
func (s *Scheduler) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelID returns the loaded channel id, or "".
func (s *Scheduler) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// LoadedIndex returns the loaded schedule index and anchor for guide
// consumers.
func (s *Scheduler) LoadedIndex() (*Index, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index, s.anchorMS
}
