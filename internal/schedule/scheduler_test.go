// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/pkg/wallclock"
)

type eventRecord struct {
	kind EventType
	key  string
	loop int64
	idx  int
}

func recordEvents(s *Scheduler) *[]eventRecord {
	var events []eventRecord
	s.Subscribe(func(ev Event) {
		events = append(events, eventRecord{
			kind: ev.Type,
			key:  ev.Program.Item.RatingKey,
			loop: ev.Program.LoopNumber,
			idx:  ev.Program.ScheduleIndex,
		})
	})
	return &events
}

func newRunningScheduler(t *testing.T) (*Scheduler, *wallclock.Fake, *[]eventRecord) {
	t.Helper()
	start := time.UnixMilli(0)
	clock := wallclock.NewFake(start)
	s := New(clock)
	events := recordEvents(s)

	cfg := &Config{
		Channel: &channel.Config{ID: "ch1", PlaybackMode: channel.PlaybackSequential},
		Items: []channel.Item{
			{RatingKey: "A", DurationMS: 30 * minute},
			{RatingKey: "B", DurationMS: 60 * minute},
			{RatingKey: "C", DurationMS: 30 * minute},
		},
		AnchorMS: 0,
	}
	require.NoError(t, s.LoadChannel(cfg))
	require.Equal(t, StateLoaded, s.GetState())
	require.Empty(t, *events, "load alone emits nothing")
	return s, clock, events
}

func TestSchedulerSyncEmitsStartOnce(t *testing.T) {
	s, _, events := newRunningScheduler(t)

	require.NoError(t, s.SyncToCurrentTime())
	require.Equal(t, StateRunning, s.GetState())
	require.Equal(t, []eventRecord{{EventProgramStart, "A", 0, 0}}, *events)

	// Re-sync within the same airing must not re-emit.
	require.NoError(t, s.SyncToCurrentTime())
	require.Len(t, *events, 1)

	cur := s.CurrentProgram()
	require.Equal(t, "A", cur.Item.RatingKey)
	next, err := s.NextUp()
	require.NoError(t, err)
	require.Equal(t, "B", next.Item.RatingKey)
}

func TestSchedulerBoundarySequence(t *testing.T) {
	s, clock, events := newRunningScheduler(t)
	require.NoError(t, s.SyncToCurrentTime())

	clock.Advance(30 * time.Minute) // A ends, B starts
	clock.Advance(60 * time.Minute) // B ends, C starts

	want := []eventRecord{
		{EventProgramStart, "A", 0, 0},
		{EventProgramEnd, "A", 0, 0},
		{EventProgramStart, "B", 0, 1},
		{EventProgramEnd, "B", 0, 1},
		{EventProgramStart, "C", 0, 2},
	}
	require.Equal(t, want, *events)

	clock.Advance(30 * time.Minute) // C ends, loop wraps to A
	last := (*events)[len(*events)-1]
	require.Equal(t, eventRecord{EventProgramStart, "A", 1, 0}, last)
}

func TestSchedulerNoDuplicateStartPerAiring(t *testing.T) {
	s, clock, events := newRunningScheduler(t)
	require.NoError(t, s.SyncToCurrentTime())

	clock.Advance(2 * time.Hour)

	starts := make(map[string]int)
	for _, ev := range *events {
		if ev.kind == EventProgramStart {
			key := fmt.Sprintf("%d/%d", ev.loop, ev.idx)
			starts[key]++
			require.Equal(t, 1, starts[key], "airing %s started twice", key)
		}
	}
}

func TestSchedulerDriftResync(t *testing.T) {
	s, clock, _ := newRunningScheduler(t)
	require.NoError(t, s.SyncToCurrentTime())

	// Jump the host clock two hours ahead without firing timers, as
	// after a suspend/resume.
	clock.Set(clock.Now().Add(2 * time.Hour))
	clock.Advance(2 * SyncInterval)

	cur := s.CurrentProgram()
	require.NotNil(t, cur)
	now := clock.NowMS()
	require.LessOrEqual(t, cur.ScheduledStartTime, now)
	require.Greater(t, cur.ScheduledEndTime, now, "drift guard realigned to wall-clock")
}

func TestSchedulerBackwardJumpKeepsAiring(t *testing.T) {
	s, clock, events := newRunningScheduler(t)
	require.NoError(t, s.SyncToCurrentTime())
	clock.Advance(45 * time.Minute) // B airing, 15 minutes in
	countBefore := len(*events)

	// Small backward jump inside the same airing: resync happens but
	// the airing is unchanged, so nothing is re-emitted.
	clock.Set(clock.Now().Add(-10 * time.Minute))
	clock.Advance(SyncInterval)
	require.Equal(t, "B", s.CurrentProgram().Item.RatingKey)
	require.Equal(t, countBefore, len(*events), "same airing must not re-emit on resync")
}

func TestSchedulerUnload(t *testing.T) {
	s, clock, events := newRunningScheduler(t)
	require.NoError(t, s.SyncToCurrentTime())

	s.Unload()
	require.Equal(t, StateIdle, s.GetState())
	require.Nil(t, s.CurrentProgram())

	count := len(*events)
	clock.Advance(3 * time.Hour)
	require.Equal(t, count, len(*events), "unloaded scheduler stays silent")
	require.Equal(t, 0, clock.PendingTimers())
}

func TestSchedulerLoadReplacesSchedule(t *testing.T) {
	s, clock, events := newRunningScheduler(t)
	require.NoError(t, s.SyncToCurrentTime())

	cfg := &Config{
		Channel: &channel.Config{ID: "ch2", PlaybackMode: channel.PlaybackSequential},
		Items:   []channel.Item{{RatingKey: "Z", DurationMS: 10 * minute}},
		AnchorMS: clock.NowMS(),
	}
	require.NoError(t, s.LoadChannel(cfg))
	require.Equal(t, StateLoaded, s.GetState())
	require.Equal(t, "ch2", s.ChannelID())

	require.NoError(t, s.SyncToCurrentTime())
	last := (*events)[len(*events)-1]
	require.Equal(t, "Z", last.key)
}

func TestSchedulerTimerClampReArms(t *testing.T) {
	start := time.UnixMilli(0)
	clock := wallclock.NewFake(start)
	s := New(clock)
	events := recordEvents(s)

	// A loop longer than the max timer delay forces an intermediate
	// wake-up that must re-arm without emitting.
	cfg := &Config{
		Channel: &channel.Config{ID: "long", PlaybackMode: channel.PlaybackSequential},
		Items: []channel.Item{
			{RatingKey: "L", DurationMS: (3 * time.Hour).Milliseconds()},
			{RatingKey: "S", DurationMS: 30 * minute},
		},
		AnchorMS: 0,
	}
	require.NoError(t, s.LoadChannel(cfg))
	require.NoError(t, s.SyncToCurrentTime())
	require.Len(t, *events, 1)

	clock.Advance(90 * time.Minute)
	require.Len(t, *events, 1, "mid-program wake-up emits nothing")
	require.Equal(t, "L", s.CurrentProgram().Item.RatingKey)

	clock.Advance(90 * time.Minute)
	require.Equal(t, EventProgramStart, (*events)[len(*events)-1].kind)
	require.Equal(t, "S", (*events)[len(*events)-1].key)
}
