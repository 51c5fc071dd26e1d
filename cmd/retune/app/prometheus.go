// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/retunetv/retune/internal/channel"
	"github.com/retunetv/retune/internal/schedule"
)

var (
	defaultBuckets = []float64{5, 10, 20, 50, 100, 200, 500, 1000}
	prometheusMW   prometheusMiddleware

	metricsChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "channels_configured",
		Help:        "Number of channels in the active lineup.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	metricsTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "program_transitions_total",
		Help:        "Number of program boundary transitions emitted.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	metricsResolves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "content_resolutions_total",
		Help:        "Content resolutions, partitioned by cache reason.",
		ConstLabels: prometheus.Labels{"service": service},
	}, []string{"reason"})
)

const (
	apiReqsName    = "api_requests_total"
	apiLatencyName = "api_request_duration_milliseconds"
	epgReqsName    = "epg_requests_total"
	epgLatencyName = "epg_request_duration_milliseconds"
	service        = "retune"
)

// prometheusMiddleware provides a handler that exposes prometheus metrics for various requests
type prometheusMiddleware struct {
	apiReqs    *prometheus.CounterVec
	apiLatency *prometheus.HistogramVec
	epgReqs    *prometheus.CounterVec
	epgLatency *prometheus.HistogramVec
}

func init() {
	prometheusMW.apiReqs = newCounter(apiReqsName,
		"Number of API requests processed, partitioned by status code.", service)
	prometheusMW.apiLatency = newHistogram(apiLatencyName,
		"API response latency.", service, defaultBuckets)
	prometheusMW.epgReqs = newCounter(epgReqsName,
		"Number of EPG requests processed, partitioned by status code.", service)
	prometheusMW.epgLatency = newHistogram(epgLatencyName,
		"EPG response latency.", service, defaultBuckets)
	prometheus.MustRegister(metricsChannels, metricsTransitions, metricsResolves)
}

// NewPrometheusMiddleware returns a new prometheus Middleware handler.
func NewPrometheusMiddleware() func(next http.Handler) http.Handler {
	return prometheusMW.handler
}

func (mw prometheusMiddleware) handler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := strconv.Itoa(ww.Status())
		latencyMS := float64(time.Since(start).Nanoseconds()) * 1e-6

		switch {
		case strings.HasPrefix(path, "/api"):
			mw.apiReqs.WithLabelValues(status).Inc()
			mw.apiLatency.WithLabelValues(status).Observe(latencyMS)
		case strings.HasPrefix(path, "/epg"):
			mw.epgReqs.WithLabelValues(status).Inc()
			mw.epgLatency.WithLabelValues(status).Observe(latencyMS)
		}
	}
	return http.HandlerFunc(fn)
}

// observeChannelEvents keeps the domain gauges in step with the
// channel manager and scheduler.
func observeChannelEvents(mgr *channel.Manager, sched *schedule.Scheduler) {
	mgr.Events().Subscribe(func(ev channel.Event) {
		switch ev.Type {
		case channel.EventCreated, channel.EventDeleted:
			metricsChannels.Set(float64(mgr.Store().Len()))
		case channel.EventContentResolved:
			if ev.Content != nil {
				metricsResolves.WithLabelValues(string(ev.Content.CacheReason)).Inc()
			}
		}
	})
	sched.Subscribe(func(ev schedule.Event) {
		if ev.Type == schedule.EventProgramStart {
			metricsTransitions.Inc()
		}
	})
}

func newCounter(counterName, help, serviceName string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        counterName,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"code"},
	)
	prometheus.MustRegister(cv)
	return cv
}

func newHistogram(histogramName, help, serviceName string, buckets []float64) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        histogramName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
		Buckets:     buckets,
	},
		[]string{"code"},
	)
	prometheus.MustRegister(h)
	return h
}
