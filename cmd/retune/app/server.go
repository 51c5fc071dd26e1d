// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	json "github.com/goccy/go-json"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/internal/epg"
	"github.com/retunetv/retune/internal/kvstore"
	"github.com/retunetv/retune/internal/plexcat"
	"github.com/retunetv/retune/internal/schedule"
	"github.com/retunetv/retune/internal/setup"
	"github.com/retunetv/retune/internal/tuning"
	"github.com/retunetv/retune/pkg/logging"
	"github.com/retunetv/retune/pkg/wallclock"
)

type Server struct {
	Router *chi.Mux
	Cfg    *ServerConfig

	db      *kvstore.DB
	clock   wallclock.Clock
	catalog catalog.Catalog
	manager *channel.Manager
	sched   *schedule.Scheduler
	tuner   *tuning.Coordinator
	guide   *epg.Guide
	setupCo *setup.Coordinator

	setupMu      sync.Mutex
	setupCancel  context.CancelFunc
	setupRunning bool
	lastProgress *setup.Progress
	lastSummary  *setup.BuildSummary
}

// SetupServer sets up router, middleware, storage, and the channel
// subsystems, given koanf configuration.
func SetupServer(ctx context.Context, cfg *ServerConfig) (*Server, error) {
	logger := slog.Default()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.SlogMiddleWare(logger))
	r.Use(middleware.Recoverer)
	r.Use(NewPrometheusMiddleware())
	r.Use(addVersionAndCORSHeaders)
	if cfg.TimeoutS > 0 {
		r.Use(middleware.Timeout(time.Duration(cfg.TimeoutS) * time.Second))
	}
	r.Mount("/metrics", promhttp.Handler())

	db, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open channel database: %w", err)
	}

	cat, err := plexcat.NewClient(cfg.PlexURL, cfg.PlexToken, plexcat.Options{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("plex client: %w", err)
	}

	clock := wallclock.System()
	store := channel.NewStore(db, clock, cfg.StorageNamespace())
	resolver := channel.NewResolver(cat, clock)
	manager := channel.NewManager(store, resolver, clock)
	if err := store.Load(); err != nil {
		logger.Warn("loading channel store failed, starting empty", "err", err)
	}

	strategy := schedule.AnchorStrategy(cfg.AnchorMode)
	sched := schedule.New(clock)
	guide := epg.NewGuide(manager, clock, strategy, time.Local)
	setupCo := setup.NewCoordinator(manager, cat, db, clock, guide)

	server := &Server{
		Router:  r,
		Cfg:     cfg,
		db:      db,
		clock:   clock,
		catalog: cat,
		manager: manager,
		sched:   sched,
		guide:   guide,
		setupCo: setupCo,
	}
	server.tuner = tuning.NewCoordinator(manager, sched, clock, logPlayer{}, tuning.Hooks{
		ShowTransition: func(prefix string) {
			logger.Info("channel transition", "channel", prefix)
		},
		NotifyNowPlaying: func(p *schedule.Program) {
			logger.Info("now playing", "title", p.Item.FullTitle,
				"remainingMs", p.RemainingMS)
		},
		ReportError: func(kind channel.Kind, message string) {
			logger.Error("tuning failed", "kind", string(kind), "message", message)
		},
	}, strategy, time.Local)

	observeChannelEvents(manager, sched)
	metricsChannels.Set(float64(manager.Store().Len()))

	server.Routes(ctx)

	logger.Info("retune starting",
		"port", cfg.Port,
		"namespace", cfg.StorageNamespace(),
		"channels", manager.Store().Len())
	return server, nil
}

// Close tears down timers and storage.
func (s *Server) Close() {
	s.manager.CancelPendingRetries()
	s.sched.Unload()
	if err := s.db.Close(); err != nil {
		slog.Warn("closing channel database failed", "err", err)
	}
}

// logPlayer is the in-process stand-in for the playback collaborator;
// real playback runs on the client device.
type logPlayer struct{}

func (logPlayer) Stop() { slog.Debug("player stop issued") }

func (s *Server) healthzHandlerFunc(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, true, http.StatusOK)
}

// jsonResponse marshals message and give response with code
//
// Don't add any more content after this since Content-Length is set
func (s *Server) jsonResponse(w http.ResponseWriter, message any, code int) {
	raw, err := json.Marshal(message)
	if err != nil {
		http.Error(w, fmt.Sprintf("{message: \"%s\"}", err), http.StatusInternalServerError)
		slog.Error(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(code)
	_, err = w.Write(raw)
	if err != nil {
		slog.Error("could not write HTTP response", "err", err)
	}
}

// xmltvHandlerFunc serves the guide for the configured window.
func (s *Server) xmltvHandlerFunc(w http.ResponseWriter, r *http.Request) {
	from := s.clock.NowMS()
	to := from + int64(s.Cfg.GuideHours)*time.Hour.Milliseconds()
	entries, err := s.guide.LineupWindow(r.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	if err := epg.WriteXMLTV(w, entries, time.Local); err != nil {
		slog.Error("writing xmltv failed", "err", err)
	}
}

// Routes defines dispatches for all routes.
func (s *Server) Routes(ctx context.Context) {
	for _, route := range logging.LogRoutes {
		s.Router.MethodFunc(route.Method, route.Path, route.Handler)
	}
	s.Router.Mount("/debug", middleware.Profiler())
	s.Router.MethodFunc("GET", "/healthz", s.healthzHandlerFunc)
	s.Router.MethodFunc("GET", "/epg/xmltv", s.xmltvHandlerFunc)
	s.Router.Route("/api", createRouteAPI(s))
}
