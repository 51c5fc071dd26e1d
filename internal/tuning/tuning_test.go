// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package tuning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/internal/schedule"
	"github.com/retunetv/retune/pkg/wallclock"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type recordingPlayer struct {
	mu    sync.Mutex
	stops int
}

func (p *recordingPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *recordingPlayer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type tuningEnv struct {
	coord    *Coordinator
	mgr      *channel.Manager
	sched    *schedule.Scheduler
	player   *recordingPlayer
	clock    *wallclock.Fake
	fake     *catalog.Fake
	calls    *[]string
	errors   *[]channel.Kind
	saved    *int
	transits *[]string
}

func newTuningEnv(t *testing.T) *tuningEnv {
	t.Helper()
	fake := &catalog.Fake{
		LibraryItems: map[string][]catalog.MediaItem{
			"lib1": {
				{RatingKey: "m1", Type: catalog.TypeMovie, Title: "One", DurationMS: 30 * 60_000},
				{RatingKey: "m2", Type: catalog.TypeMovie, Title: "Two", DurationMS: 60 * 60_000},
			},
		},
	}
	clock := wallclock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := channel.NewStore(&memKV{data: map[string][]byte{}}, clock, "ns")
	mgr := channel.NewManager(store, channel.NewResolver(fake, clock), clock)
	sched := schedule.New(clock)
	player := &recordingPlayer{}

	var calls []string
	var errs []channel.Kind
	var transits []string
	saved := 0
	hooks := Hooks{
		StopTranscode:    func(ctx context.Context) { calls = append(calls, "stopTranscode") },
		ShowTransition:   func(prefix string) { transits = append(transits, prefix) },
		NotifyNowPlaying: func(p *schedule.Program) { calls = append(calls, "nowPlaying") },
		ReportError:      func(kind channel.Kind, msg string) { errs = append(errs, kind) },
		SaveState:        func() { calls = append(calls, "save") },
	}
	coord := NewCoordinator(mgr, sched, clock, player, hooks, schedule.AnchorReferenceNow, time.UTC)
	return &tuningEnv{
		coord: coord, mgr: mgr, sched: sched, player: player, clock: clock,
		fake: fake, calls: &calls, errors: &errs, saved: &saved, transits: &transits,
	}
}

func (env *tuningEnv) addChannel(t *testing.T, id string, number int) {
	t.Helper()
	cfg := &channel.Config{
		ID:     id,
		Number: number,
		Name:   "Ch " + id,
		ContentSource: channel.ContentSource{
			Type:    channel.SourceLibrary,
			Library: &channel.LibrarySource{LibraryID: "lib1", LibraryType: "movie", IncludeWatched: true},
		},
		PlaybackMode: channel.PlaybackSequential,
	}
	cfg.EnsureSeeds()
	env.mgr.Store().Put(cfg)
}

func TestSwitchToChannelHappyPath(t *testing.T) {
	env := newTuningEnv(t)
	env.addChannel(t, "c1", 7)

	require.NoError(t, env.coord.SwitchToChannel(context.Background(), "c1"))

	require.Equal(t, 1, env.player.stopCount())
	require.Equal(t, []string{"7 Ch c1"}, *env.transits)
	require.Equal(t, []string{"stopTranscode", "nowPlaying", "save"}, *env.calls)
	require.Equal(t, "c1", env.mgr.Store().Current())
	require.Equal(t, schedule.StateRunning, env.sched.GetState())
	require.NotNil(t, env.sched.CurrentProgram())
	require.Empty(t, *env.errors)
	require.False(t, env.coord.IsSwitching())
}

func TestSwitchByNumber(t *testing.T) {
	env := newTuningEnv(t)
	env.addChannel(t, "c1", 42)
	require.NoError(t, env.coord.SwitchToChannelByNumber(context.Background(), 42))
	require.Equal(t, "c1", env.mgr.Store().Current())

	err := env.coord.SwitchToChannelByNumber(context.Background(), 43)
	require.True(t, channel.IsKind(err, channel.KindChannelNotFound))
}

func TestSwitchUnknownChannel(t *testing.T) {
	env := newTuningEnv(t)
	err := env.coord.SwitchToChannel(context.Background(), "ghost")
	require.True(t, channel.IsKind(err, channel.KindChannelNotFound))
	require.Equal(t, 0, env.player.stopCount())
}

// A failed resolve reports to the error sink and leaves the player
// alone so the viewer keeps the previous picture.
func TestSwitchResolveFailureDoesNotStopPlayer(t *testing.T) {
	env := newTuningEnv(t)
	env.addChannel(t, "c1", 1)
	env.fake.Err = channel.NewError(channel.KindTimeout, "down")

	err := env.coord.SwitchToChannel(context.Background(), "c1")
	require.Error(t, err)
	require.Equal(t, 0, env.player.stopCount())
	require.Empty(t, *env.transits)
	require.NotEqual(t, "c1", env.mgr.Store().Current())
	require.Equal(t, []channel.Kind{channel.KindTimeout}, *env.errors)
	require.Equal(t, schedule.StateIdle, env.sched.GetState())
}

func TestSwitchPreAbortedReturnsSilently(t *testing.T) {
	env := newTuningEnv(t)
	env.addChannel(t, "c1", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, env.coord.SwitchToChannel(ctx, "c1"))
	require.Equal(t, 0, env.player.stopCount())
	require.Empty(t, *env.errors, "cancellation is never user-visible")
	require.NotEqual(t, "c1", env.mgr.Store().Current())
}

// A second switch entered while the first is in flight has no
// observable side effects.
func TestConcurrentSwitchGuard(t *testing.T) {
	env := newTuningEnv(t)
	env.addChannel(t, "c1", 1)
	env.addChannel(t, "c2", 2)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	env.coord.hooks.StopTranscode = func(ctx context.Context) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- env.coord.SwitchToChannel(context.Background(), "c1") }()
	<-entered
	require.True(t, env.coord.IsSwitching())

	// The overlapping switch is dropped silently.
	require.NoError(t, env.coord.SwitchToChannel(context.Background(), "c2"))
	require.NotEqual(t, "c2", env.mgr.Store().Current())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, "c1", env.mgr.Store().Current())
	require.Equal(t, 1, env.player.stopCount(), "only the first switch touched the player")
}

// An empty-after-filters channel surfaces as content unavailable via
// the error sink.
func TestSwitchEmptyChannelReportsUnavailable(t *testing.T) {
	env := newTuningEnv(t)
	env.addChannel(t, "c1", 1)
	cfg, _ := env.mgr.GetChannel("c1")
	cfg.ContentFilters = []channel.ContentFilter{{Field: "year", Op: channel.OpEq, Value: 1800}}
	env.mgr.Store().Put(cfg)

	err := env.coord.SwitchToChannel(context.Background(), "c1")
	require.Error(t, err)
	require.Equal(t, []channel.Kind{channel.KindContentUnavailable}, *env.errors)
	require.Equal(t, 0, env.player.stopCount())
}
