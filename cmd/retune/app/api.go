// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/internal/schedule"
	"github.com/retunetv/retune/internal/setup"
)

// ProgramInfo is the wire form of one scheduled airing.
type ProgramInfo struct {
	Title         string `json:"title"`
	RatingKey     string `json:"ratingKey"`
	StartMS       int64  `json:"startMs"`
	EndMS         int64  `json:"endMs"`
	ElapsedMS     int64  `json:"elapsedMs"`
	RemainingMS   int64  `json:"remainingMs"`
	DurationMS    int64  `json:"durationMs"`
	ScheduleIndex int    `json:"scheduleIndex"`
	LoopNumber    int64  `json:"loopNumber"`
	IsCurrent     bool   `json:"isCurrent"`
}

func toProgramInfo(p *schedule.Program) *ProgramInfo {
	if p == nil {
		return nil
	}
	return &ProgramInfo{
		Title:         p.Item.FullTitle,
		RatingKey:     p.Item.RatingKey,
		StartMS:       p.ScheduledStartTime,
		EndMS:         p.ScheduledEndTime,
		ElapsedMS:     p.ElapsedMS,
		RemainingMS:   p.RemainingMS,
		DurationMS:    p.Item.DurationMS,
		ScheduleIndex: p.ScheduleIndex,
		LoopNumber:    p.LoopNumber,
		IsCurrent:     p.IsCurrent,
	}
}

// apiError maps channel error kinds onto HTTP statuses.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	switch kind := channel.KindOf(err); kind {
	case channel.KindChannelNotFound, channel.KindNotFound:
		return huma.Error404NotFound(err.Error())
	case channel.KindDuplicateNumber, channel.KindMaxChannelsReached:
		return huma.Error409Conflict(err.Error())
	case channel.KindInvalidNumber, channel.KindContentSourceRequired,
		channel.KindInvalidImportData, channel.KindInvalidTime, channel.KindEmptyChannel:
		return huma.Error422UnprocessableEntity(err.Error())
	case channel.KindUnauthorized:
		return huma.Error502BadGateway(err.Error())
	case channel.KindContentUnavailable, channel.KindTimeout, channel.KindOffline,
		channel.KindUnreachable, channel.KindUnavailable, channel.KindServerError,
		channel.KindRateLimited:
		return huma.Error503ServiceUnavailable(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}

type listChannelsResponse struct {
	Body struct {
		Channels         []*channel.Config `json:"channels"`
		CurrentChannelID string            `json:"currentChannelId,omitempty"`
	}
}

type channelIDInput struct {
	ID string `path:"id" maxLength:"64" doc:"Channel id"`
}

type channelResponse struct {
	Body *channel.Config
}

type createChannelRequest struct {
	Body channel.Config `json:"body"`
}

type updateChannelRequest struct {
	ID   string `path:"id" maxLength:"64" doc:"Channel id"`
	Body channel.UpdatePatch
}

type deleteChannelResponse struct {
	Status int
}

type reorderRequest struct {
	Body struct {
		OrderedIDs []string `json:"orderedIds" doc:"Channel ids in the desired order"`
	}
}

type reorderResponse struct {
	Body struct {
		Order []string `json:"order"`
	}
}

type resolveResponse struct {
	Body struct {
		ChannelID       string `json:"channelId"`
		ItemCount       int    `json:"itemCount"`
		TotalDurationMS int64  `json:"totalDurationMs"`
		FromCache       bool   `json:"fromCache"`
		IsStale         bool   `json:"isStale"`
		CacheReason     string `json:"cacheReason"`
	}
}

type nowPlayingResponse struct {
	Body struct {
		ChannelID string       `json:"channelId"`
		Current   *ProgramInfo `json:"current,omitempty"`
		Next      *ProgramInfo `json:"next,omitempty"`
	}
}

type guideInput struct {
	Hours int `query:"hours" minimum:"1" maximum:"48" default:"6" doc:"Guide window length in hours"`
}

type guideChannel struct {
	ChannelID string         `json:"channelId"`
	Number    int            `json:"number"`
	Name      string         `json:"name"`
	Programs  []*ProgramInfo `json:"programs"`
}

type guideResponse struct {
	Body struct {
		FromMS   int64          `json:"fromMs"`
		ToMS     int64          `json:"toMs"`
		Channels []guideChannel `json:"channels"`
	}
}

type tuneInput struct {
	Number int `path:"number" minimum:"1" maximum:"999" doc:"Channel number"`
}

type tuneResponse struct {
	Body struct {
		ChannelID string       `json:"channelId"`
		Number    int          `json:"number"`
		Name      string       `json:"name"`
		Current   *ProgramInfo `json:"current,omitempty"`
	}
}

type setupRequest struct {
	Body setup.SetupConfig `json:"body"`
}

type setupPreviewResponse struct {
	Body struct {
		Pending            int                    `json:"pending"`
		Estimates          map[setup.Strategy]int `json:"estimates"`
		Warnings           []string               `json:"warnings,omitempty"`
		ReachedMaxChannels bool                   `json:"reachedMaxChannels"`
		Created            int                    `json:"created"`
		Removed            int                    `json:"removed"`
		Unchanged          int                    `json:"unchanged"`
		Matched            int                    `json:"matched"`
	}
}

type setupRunResponse struct {
	Body struct {
		Started bool `json:"started"`
	}
}

type setupStatusResponse struct {
	Body struct {
		Running  bool                `json:"running"`
		Progress *setup.Progress     `json:"progress,omitempty"`
		Summary  *setup.BuildSummary `json:"summary,omitempty"`
	}
}

func createRouteAPI(s *Server) func(r chi.Router) {
	return func(r chi.Router) {
		config := huma.DefaultConfig("Retune channel API", "1.0.0")
		config.Servers = []*huma.Server{{URL: "/api"}}
		config.Info.Description = `Channel lineup management, program guide queries, tuning,
		and bulk channel setup for the Retune virtual TV service.`

		api := humachi.New(r, config)

		huma.Register(api, huma.Operation{
			OperationID: "list-channels",
			Method:      http.MethodGet,
			Path:        "/channels",
			Summary:     "List the channel lineup",
			Tags:        []string{"channels"},
		}, func(ctx context.Context, _ *struct{}) (*listChannelsResponse, error) {
			resp := &listChannelsResponse{}
			resp.Body.Channels = s.manager.ListChannels()
			resp.Body.CurrentChannelID = s.manager.Store().Current()
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID:   "create-channel",
			Method:        http.MethodPost,
			Path:          "/channels",
			Summary:       "Create a channel",
			Tags:          []string{"channels"},
			DefaultStatus: http.StatusCreated,
			Errors:        []int{409, 422},
		}, func(ctx context.Context, req *createChannelRequest) (*channelResponse, error) {
			created, err := s.manager.CreateChannel(ctx, &req.Body)
			if err != nil {
				return nil, apiError(err)
			}
			return &channelResponse{Body: created}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "get-channel",
			Method:      http.MethodGet,
			Path:        "/channels/{id}",
			Summary:     "Get one channel",
			Tags:        []string{"channels"},
			Errors:      []int{404},
		}, func(ctx context.Context, input *channelIDInput) (*channelResponse, error) {
			cfg, ok := s.manager.GetChannel(input.ID)
			if !ok {
				return nil, huma.Error404NotFound("channel " + input.ID + " not found")
			}
			return &channelResponse{Body: cfg}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "update-channel",
			Method:      http.MethodPatch,
			Path:        "/channels/{id}",
			Summary:     "Update a channel",
			Tags:        []string{"channels"},
			Errors:      []int{404, 409, 422},
		}, func(ctx context.Context, req *updateChannelRequest) (*channelResponse, error) {
			updated, err := s.manager.UpdateChannel(ctx, req.ID, req.Body)
			if err != nil {
				return nil, apiError(err)
			}
			return &channelResponse{Body: updated}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID:   "delete-channel",
			Method:        http.MethodDelete,
			Path:          "/channels/{id}",
			Summary:       "Delete a channel",
			Tags:          []string{"channels"},
			DefaultStatus: http.StatusNoContent,
			Errors:        []int{404},
		}, func(ctx context.Context, input *channelIDInput) (*deleteChannelResponse, error) {
			if err := s.manager.DeleteChannel(input.ID); err != nil {
				return nil, apiError(err)
			}
			return &deleteChannelResponse{Status: http.StatusNoContent}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "reorder-channels",
			Method:      http.MethodPost,
			Path:        "/channels/reorder",
			Summary:     "Reorder the lineup",
			Tags:        []string{"channels"},
		}, func(ctx context.Context, req *reorderRequest) (*reorderResponse, error) {
			s.manager.ReorderChannels(req.Body.OrderedIDs)
			resp := &reorderResponse{}
			resp.Body.Order = s.manager.Store().Order()
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "refresh-channel-content",
			Method:      http.MethodPost,
			Path:        "/channels/{id}/refresh",
			Summary:     "Invalidate and re-resolve a channel's content",
			Tags:        []string{"channels"},
			Errors:      []int{404, 422, 503},
		}, func(ctx context.Context, input *channelIDInput) (*resolveResponse, error) {
			content, err := s.manager.RefreshChannelContent(ctx, input.ID)
			if err != nil {
				return nil, apiError(err)
			}
			resp := &resolveResponse{}
			resp.Body.ChannelID = content.ChannelID
			resp.Body.ItemCount = len(content.OrderedItems)
			resp.Body.TotalDurationMS = content.TotalDurationMS
			resp.Body.FromCache = content.FromCache
			resp.Body.IsStale = content.IsStale
			resp.Body.CacheReason = string(content.CacheReason)
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "channel-now-playing",
			Method:      http.MethodGet,
			Path:        "/channels/{id}/now",
			Summary:     "Current and next program on a channel",
			Tags:        []string{"guide"},
			Errors:      []int{404, 422, 503},
		}, func(ctx context.Context, input *channelIDInput) (*nowPlayingResponse, error) {
			now := s.clock.NowMS()
			programs, err := s.guide.ChannelWindow(ctx, input.ID, now, now+12*time.Hour.Milliseconds())
			if err != nil {
				return nil, apiError(err)
			}
			resp := &nowPlayingResponse{}
			resp.Body.ChannelID = input.ID
			if len(programs) > 0 {
				resp.Body.Current = toProgramInfo(programs[0])
			}
			if len(programs) > 1 {
				resp.Body.Next = toProgramInfo(programs[1])
			}
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "guide-window",
			Method:      http.MethodGet,
			Path:        "/guide",
			Summary:     "Program guide for the whole lineup",
			Tags:        []string{"guide"},
		}, func(ctx context.Context, input *guideInput) (*guideResponse, error) {
			from := s.clock.NowMS()
			to := from + int64(input.Hours)*time.Hour.Milliseconds()
			entries, err := s.guide.LineupWindow(ctx, from, to)
			if err != nil {
				return nil, apiError(err)
			}
			resp := &guideResponse{}
			resp.Body.FromMS = from
			resp.Body.ToMS = to
			for _, entry := range entries {
				gc := guideChannel{
					ChannelID: entry.Channel.ID,
					Number:    entry.Channel.Number,
					Name:      entry.Channel.Name,
				}
				for _, p := range entry.Programs {
					gc.Programs = append(gc.Programs, toProgramInfo(p))
				}
				resp.Body.Channels = append(resp.Body.Channels, gc)
			}
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "tune-channel",
			Method:      http.MethodPost,
			Path:        "/tune/{number}",
			Summary:     "Switch to a channel by number",
			Tags:        []string{"tuning"},
			Errors:      []int{404, 422, 503},
		}, func(ctx context.Context, input *tuneInput) (*tuneResponse, error) {
			if err := s.tuner.SwitchToChannelByNumber(ctx, input.Number); err != nil {
				return nil, apiError(err)
			}
			cfg, ok := s.manager.GetChannelByNumber(input.Number)
			if !ok {
				return nil, huma.Error404NotFound("channel vanished during switch")
			}
			resp := &tuneResponse{}
			resp.Body.ChannelID = cfg.ID
			resp.Body.Number = cfg.Number
			resp.Body.Name = cfg.Name
			resp.Body.Current = toProgramInfo(s.sched.CurrentProgram())
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "setup-preview",
			Method:      http.MethodPost,
			Path:        "/setup/preview",
			Summary:     "Preview a channel setup plan",
			Tags:        []string{"setup"},
			Errors:      []int{503},
		}, func(ctx context.Context, req *setupRequest) (*setupPreviewResponse, error) {
			planner := setup.NewPlanner(s.catalog, &req.Body, nil)
			plan, diff, err := s.setupCo.PreviewSetup(ctx, planner)
			if err != nil {
				return nil, apiError(err)
			}
			resp := &setupPreviewResponse{}
			resp.Body.Pending = len(plan.Pending)
			resp.Body.Estimates = plan.Estimates
			resp.Body.Warnings = plan.Warnings
			resp.Body.ReachedMaxChannels = plan.ReachedMaxChannels
			resp.Body.Created = len(diff.Created)
			resp.Body.Removed = len(diff.Removed)
			resp.Body.Unchanged = len(diff.Unchanged)
			resp.Body.Matched = len(diff.MatchedPairs)
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID:   "setup-run",
			Method:        http.MethodPost,
			Path:          "/setup/run",
			Summary:       "Run channel setup in the background",
			Tags:          []string{"setup"},
			DefaultStatus: http.StatusAccepted,
			Errors:        []int{409},
		}, func(ctx context.Context, req *setupRequest) (*setupRunResponse, error) {
			if !s.startSetup(&req.Body) {
				return nil, huma.Error409Conflict("a setup run is already in progress")
			}
			resp := &setupRunResponse{}
			resp.Body.Started = true
			return resp, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "setup-cancel",
			Method:      http.MethodDelete,
			Path:        "/setup/run",
			Summary:     "Cancel the running setup",
			Tags:        []string{"setup"},
		}, func(ctx context.Context, _ *struct{}) (*setupRunResponse, error) {
			s.cancelSetup()
			return &setupRunResponse{}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "setup-status",
			Method:      http.MethodGet,
			Path:        "/setup/status",
			Summary:     "Progress of the current or last setup run",
			Tags:        []string{"setup"},
		}, func(ctx context.Context, _ *struct{}) (*setupStatusResponse, error) {
			resp := &setupStatusResponse{}
			s.setupMu.Lock()
			resp.Body.Running = s.setupRunning
			resp.Body.Progress = s.lastProgress
			resp.Body.Summary = s.lastSummary
			s.setupMu.Unlock()
			return resp, nil
		})
	}
}

// startSetup launches a setup run unless one is already in flight.
func (s *Server) startSetup(cfg *setup.SetupConfig) bool {
	s.setupMu.Lock()
	if s.setupRunning {
		s.setupMu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.setupRunning = true
	s.setupCancel = cancel
	s.lastSummary = nil
	s.lastProgress = nil
	s.setupMu.Unlock()

	s.setupCo.SetProgressFunc(func(p setup.Progress) {
		s.setupMu.Lock()
		s.lastProgress = &p
		s.setupMu.Unlock()
	})

	go func() {
		defer cancel()
		summary, err := s.setupCo.CreateChannelsFromSetup(runCtx, cfg)
		s.setupMu.Lock()
		s.setupRunning = false
		s.setupCancel = nil
		s.lastSummary = summary
		s.setupMu.Unlock()
		if err != nil {
			slog.Error("setup run failed", "err", err)
		}
		metricsChannels.Set(float64(s.manager.Store().Len()))
	}()
	return true
}

// cancelSetup aborts the in-flight setup run, if any.
func (s *Server) cancelSetup() {
	s.setupMu.Lock()
	cancel := s.setupCancel
	s.setupMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
