// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package setup

import (
	"context"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/pkg/wallclock"
)

// Progress task identifiers, in phase order.
const (
	TaskFetchPlaylists   = "fetch_playlists"
	TaskFetchCollections = "fetch_collections"
	TaskScanLibraryItems = "scan_library_items"
	TaskBuildPending     = "build_pending"
	TaskCreateChannels   = "create_channels"
	TaskApplyChannels    = "apply_channels"
	TaskRefreshEPG       = "refresh_epg"
	TaskDone             = "done"
)

// Progress is one progress report. Total is nil when the phase size is
// unknown.
type Progress struct {
	Task    string
	Label   string
	Detail  string
	Current int
	Total   *int
}

// BuildSummary is the outcome of a setup run.
type BuildSummary struct {
	Canceled           bool     `json:"canceled"`
	LastTask           string   `json:"lastTask"`
	Created            int      `json:"created"`
	Skipped            int      `json:"skipped"`
	ErrorCount         int      `json:"errorCount"`
	ReachedMaxChannels bool     `json:"reachedMaxChannels"`
	Warnings           []string `json:"warnings,omitempty"`
}

// SetupRecord marks setup as completed for a server and remembers its
// configuration for reruns.
type SetupRecord struct {
	ServerID               string            `json:"serverId"`
	SelectedLibraryIDs     []string          `json:"selectedLibraryIds"`
	EnabledStrategies      map[Strategy]bool `json:"enabledStrategies"`
	ActorStudioCombineMode CombineMode       `json:"actorStudioCombineMode"`
	BuildMode              BuildMode         `json:"buildMode"`
	MaxChannels            int               `json:"maxChannels"`
	MinItemsPerChannel     int               `json:"minItemsPerChannel"`
	CreatedAt              int64             `json:"createdAt"`
	UpdatedAt              int64             `json:"updatedAt"`
}

// Storage key prefixes.
const (
	setupRecordPrefix = "retune_setup_v1:"
	builderKeyPrefix  = "retune_channels_build_tmp_v1:"
)

// KV is the key-value slice the coordinator needs for setup records
// and ephemeral builder state.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// EPGRefresher is notified after a lineup change so guide data can be
// rebuilt.
type EPGRefresher interface {
	RefreshEPG(ctx context.Context) error
}

// Coordinator drives a setup run end to end.
type Coordinator struct {
	mgr   *channel.Manager
	cat   catalog.Catalog
	kv    KV
	clock wallclock.Clock
	epg   EPGRefresher

	onProgress func(Progress)
}

// NewCoordinator wires a coordinator. epg may be nil.
func NewCoordinator(mgr *channel.Manager, cat catalog.Catalog, kv KV, clock wallclock.Clock, epg EPGRefresher) *Coordinator {
	return &Coordinator{mgr: mgr, cat: cat, kv: kv, clock: clock, epg: epg}
}

// SetProgressFunc registers the progress sink.
func (co *Coordinator) SetProgressFunc(fn func(Progress)) { co.onProgress = fn }

func (co *Coordinator) progress(task, label, detail string, current int, total *int) {
	if co.onProgress != nil {
		co.onProgress(Progress{Task: task, Label: label, Detail: detail, Current: current, Total: total})
	}
}

// PreviewSetup builds the plan and its diff against the current lineup
// without touching storage.
func (co *Coordinator) PreviewSetup(ctx context.Context, planner *Planner) (*Plan, *Diff, error) {
	plan, err := planner.BuildPlan(ctx)
	if err != nil {
		return nil, nil, err
	}
	return plan, DiffPlan(plan.Pending, co.mgr.ListChannels()), nil
}

// CreateChannelsFromSetup runs plan, build, apply, and EPG refresh.
// Cancellation is honored between every upstream call and every created
// channel; an aborted run reports canceled without partial persistence.
// The ephemeral builder keys are removed no matter how the run ends.
func (co *Coordinator) CreateChannelsFromSetup(ctx context.Context, cfg *SetupConfig) (*BuildSummary, error) {
	summary := &BuildSummary{LastTask: TaskFetchPlaylists}

	stamp := fmt.Sprintf("%d", co.clock.NowMS())
	builderKey := builderKeyPrefix + stamp
	defer func() {
		// Ephemeral builder state never outlives the run.
		if err := co.kv.Delete(builderKey); err != nil {
			slog.Warn("removing builder key failed", "key", builderKey, "err", err)
		}
		if err := co.kv.Delete(builderKey + ":current"); err != nil {
			slog.Warn("removing builder current key failed", "key", builderKey, "err", err)
		}
	}()

	planner := NewPlanner(co.cat, cfg, func(pr Progress) {
		summary.LastTask = pr.Task
		co.progress(pr.Task, pr.Label, pr.Detail, pr.Current, pr.Total)
	})

	plan, err := planner.BuildPlan(ctx)
	if err != nil {
		if channel.IsCancellation(err) || ctx.Err() != nil {
			summary.Canceled = true
			return summary, nil
		}
		summary.ErrorCount++
		return summary, err
	}
	summary.ReachedMaxChannels = plan.ReachedMaxChannels
	summary.Warnings = plan.Warnings

	summary.LastTask = TaskBuildPending
	total := len(plan.Pending)
	co.progress(TaskBuildPending, "Planning channels", "", total, &total)

	existing := co.mgr.ListChannels()
	diff := DiffPlan(plan.Pending, existing)

	// Build the channel configs into the ephemeral builder store first
	// so an abort mid-build leaves the live lineup untouched.
	builder := channel.NewStore(co.kv, co.clock, builderKey)
	built, canceled, err := co.buildChannels(ctx, cfg, plan, existing, builder, summary)
	if err != nil {
		return summary, err
	}
	if canceled {
		summary.Canceled = true
		return summary, nil
	}

	summary.LastTask = TaskApplyChannels
	co.progress(TaskApplyChannels, "Applying lineup", string(cfg.BuildMode), 0, nil)
	if err := ctx.Err(); err != nil {
		summary.Canceled = true
		return summary, nil
	}
	co.applyChannels(cfg, built, diff)

	if co.epg != nil {
		summary.LastTask = TaskRefreshEPG
		co.progress(TaskRefreshEPG, "Refreshing guide", "", 0, nil)
		if err := co.epg.RefreshEPG(ctx); err != nil {
			if channel.IsCancellation(err) {
				summary.Canceled = true
				return summary, nil
			}
			slog.Warn("EPG refresh after setup failed", "err", err)
			summary.ErrorCount++
		}
	}

	if err := co.MarkSetupComplete(cfg); err != nil {
		slog.Warn("writing setup record failed", "server", cfg.ServerID, "err", err)
		summary.ErrorCount++
	}

	summary.LastTask = TaskDone
	co.progress(TaskDone, "Setup complete", "", summary.Created, &summary.Created)
	return summary, nil
}

// buildChannels turns pending entries into concrete configs with ids
// and numbers, staged in the builder store.
func (co *Coordinator) buildChannels(ctx context.Context, cfg *SetupConfig, plan *Plan,
	existing []*channel.Config, builder *channel.Store, summary *BuildSummary) ([]*channel.Config, bool, error) {

	summary.LastTask = TaskCreateChannels
	total := len(plan.Pending)

	// Free channel numbers, ascending. Replace mode starts from a
	// clean slate; append/merge must avoid numbers already in use.
	used := make(map[int]bool)
	if cfg.BuildMode != BuildReplace {
		for _, c := range existing {
			used[c.Number] = true
		}
	}
	nextNumber := func() (int, bool) {
		for n := channel.MinChannelNumber; n <= channel.MaxChannelNumber; n++ {
			if !used[n] {
				used[n] = true
				return n, true
			}
		}
		return 0, false
	}

	// In merge mode matched channels keep their existing number, so
	// they are not built fresh here.
	matchedKeys := make(map[string]bool)
	if cfg.BuildMode == BuildMerge {
		for _, pair := range DiffPlan(plan.Pending, existing).MatchedPairs {
			matchedKeys[pair.Planned.IdentityKey()] = true
		}
	}

	var built []*channel.Config
	now := co.clock.NowMS()
	for i, pc := range plan.Pending {
		if err := ctx.Err(); err != nil {
			return nil, true, nil
		}
		co.progress(TaskCreateChannels, "Creating channels", pc.Name, i+1, &total)
		if cfg.BuildMode == BuildMerge && matchedKeys[pc.IdentityKey()] {
			continue
		}
		number, ok := nextNumber()
		if !ok {
			summary.ReachedMaxChannels = true
			summary.Skipped += len(plan.Pending) - i
			break
		}
		seed := pc.ShuffleSeed
		c := &channel.Config{
			ID:              uuid.NewString(),
			Number:          number,
			Name:            pc.Name,
			ContentSource:   pc.ContentSource,
			PlaybackMode:    pc.PlaybackMode,
			ShuffleSeed:     &seed,
			ContentFilters:  pc.ContentFilters,
			SortOrder:       pc.SortOrder,
			IsAutoGenerated: true,
			StartTimeAnchor: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		c.EnsureSeeds()
		builder.Put(c)
		built = append(built, c)
		summary.Created++
	}
	if err := builder.Save(); err != nil {
		slog.Warn("staging builder store failed", "err", err)
	}
	return built, false, nil
}

// applyChannels commits the built list per build mode.
func (co *Coordinator) applyChannels(cfg *SetupConfig, built []*channel.Config, diff *Diff) {
	switch cfg.BuildMode {
	case BuildAppend:
		final := append(co.mgr.ListChannels(), built...)
		co.mgr.ReplaceAllChannels(final, co.mgr.Store().Current())
	case BuildMerge:
		final := co.mgr.ListChannels()
		planned := make(map[string]PendingChannel)
		for _, pair := range diff.MatchedPairs {
			planned[pair.Existing.ID] = pair.Planned
		}
		for _, c := range final {
			pc, ok := planned[c.ID]
			if !ok {
				continue
			}
			// Matched channels take the planned definition; the name
			// only follows for auto-generated lineups.
			c.ContentSource = pc.ContentSource
			c.PlaybackMode = pc.PlaybackMode
			seed := pc.ShuffleSeed
			c.ShuffleSeed = &seed
			c.ContentFilters = pc.ContentFilters
			c.SortOrder = pc.SortOrder
			if c.IsAutoGenerated {
				c.Name = pc.Name
			}
			c.UpdatedAt = co.clock.NowMS()
		}
		final = append(final, built...)
		co.mgr.ReplaceAllChannels(final, co.mgr.Store().Current())
	default: // replace
		co.mgr.ReplaceAllChannels(built, "")
	}
}

// MarkSetupComplete writes the per-server setup record.
func (co *Coordinator) MarkSetupComplete(cfg *SetupConfig) error {
	now := co.clock.NowMS()
	rec := SetupRecord{
		ServerID:               cfg.ServerID,
		SelectedLibraryIDs:     append([]string(nil), cfg.SelectedLibraryIDs...),
		EnabledStrategies:      cfg.EnabledStrategies,
		ActorStudioCombineMode: cfg.ActorStudioCombineMode,
		BuildMode:              cfg.BuildMode,
		MaxChannels:            cfg.MaxChannels,
		MinItemsPerChannel:     cfg.MinItemsPerChannel,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if prev, ok, err := co.loadRecord(cfg.ServerID); err == nil && ok {
		rec.CreatedAt = prev.CreatedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return co.kv.Set(setupRecordPrefix+cfg.ServerID, data)
}

func (co *Coordinator) loadRecord(serverID string) (*SetupRecord, bool, error) {
	data, ok, err := co.kv.Get(setupRecordPrefix + serverID)
	if err != nil || !ok {
		return nil, false, err
	}
	var rec SetupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, nil
	}
	if rec.ServerID == "" {
		return nil, false, nil
	}
	return &rec, true, nil
}

// SetupRecordFor returns the stored record for serverID, if valid.
func (co *Coordinator) SetupRecordFor(serverID string) (*SetupRecord, bool) {
	rec, ok, _ := co.loadRecord(serverID)
	return rec, ok
}

// ClearSetupRecord requests a rerun by dropping the server's record.
func (co *Coordinator) ClearSetupRecord(serverID string) error {
	return co.kv.Delete(setupRecordPrefix + serverID)
}

// ShouldRunChannelSetup reports whether first-run setup is needed:
// no manager, an empty lineup, a missing/invalid record, or an
// explicit rerun request.
func ShouldRunChannelSetup(mgr *channel.Manager, co *Coordinator, serverID string, rerunRequested bool) bool {
	if rerunRequested {
		return true
	}
	if mgr == nil {
		return true
	}
	if len(mgr.ListChannels()) == 0 {
		return true
	}
	if co == nil {
		return true
	}
	_, ok := co.SetupRecordFor(serverID)
	return !ok
}
