// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package plexcat implements the catalog contract against a Plex Media
// Server's JSON API. Requests carry the X-Plex-Token header and are
// wrapped in a rate limiter and a circuit breaker; failures surface as
// channel error kinds so the content cache's tiered fallback applies.
package plexcat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/retunetv/retune/internal/catalog"
	"github.com/retunetv/retune/internal/channel"
)

// Plex numeric type codes used by the type= query parameter.
const (
	plexTypeMovie   = 1
	plexTypeShow    = 2
	plexTypeSeason  = 3
	plexTypeEpisode = 4
)

// containerPageSize is the page size for item listings.
const containerPageSize = 200

// Options tune the client; zero values get defaults.
type Options struct {
	// Timeout per HTTP request. Default 15s.
	Timeout time.Duration
	// RequestsPerSecond caps the request rate. Default 10.
	RequestsPerSecond float64
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is a Plex-backed catalog.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL, token string, opts Options) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse plex url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("plex url %q needs scheme and host", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "plex",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		base:    base,
		token:   token,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)),
		breaker: breaker,
	}, nil
}

// get fetches path with query and returns the raw body.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doGet(ctx, path, query)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, channel.WrapError(channel.KindUnavailable, err, "plex circuit open")
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) doGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.base
	u.Path = path
	if query == nil {
		query = url.Values{}
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, channel.NewError(channel.KindUnauthorized, "plex rejected token (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, channel.NewError(channel.KindNotFound, "plex path %s not found", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, channel.NewError(channel.KindRateLimited, "plex rate limited")
	case resp.StatusCode >= 500:
		return nil, channel.NewError(channel.KindServerError, "plex server error (%d)", resp.StatusCode)
	default:
		return nil, channel.NewError(channel.KindServerError, "plex unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return body, nil
}

func classifyTransportErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return channel.WrapError(channel.KindTimeout, err, "plex request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return channel.WrapError(channel.KindTimeout, err, "plex request timed out")
	}
	return channel.WrapError(channel.KindUnreachable, err, "plex unreachable")
}

func decodeContainer(body []byte) (*mediaContainer, error) {
	var envelope struct {
		MediaContainer mediaContainer `json:"MediaContainer"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, channel.WrapError(channel.KindParseError, err, "plex response undecodable")
	}
	return &envelope.MediaContainer, nil
}

// GetLibraries lists library sections.
func (c *Client) GetLibraries(ctx context.Context) ([]catalog.LibraryInfo, error) {
	body, err := c.get(ctx, "/library/sections", nil)
	if err != nil {
		return nil, err
	}
	mc, err := decodeContainer(body)
	if err != nil {
		return nil, err
	}
	libs := make([]catalog.LibraryInfo, 0, len(mc.Directory))
	for _, d := range mc.Directory {
		libs = append(libs, catalog.LibraryInfo{
			ID:    d.Key,
			Title: d.Title,
			Type:  d.Type,
		})
	}
	return libs, nil
}

// GetLibraryItems lists section contents, paging until opts.Limit or
// the section is exhausted.
func (c *Client) GetLibraryItems(ctx context.Context, libraryID string, opts catalog.ItemOptions) ([]catalog.MediaItem, error) {
	query := url.Values{}
	if opts.Filter != "" {
		if parsed, err := url.ParseQuery(opts.Filter); err == nil {
			for k, vs := range parsed {
				for _, v := range vs {
					query.Add(k, v)
				}
			}
		}
	}
	if code := plexTypeCode(opts.Type); code != 0 {
		query.Set("type", strconv.Itoa(code))
	}

	var items []catalog.MediaItem
	for start := 0; ; start += containerPageSize {
		page := url.Values{}
		for k, vs := range query {
			page[k] = vs
		}
		size := containerPageSize
		if opts.Limit > 0 && opts.Limit-len(items) < size {
			size = opts.Limit - len(items)
		}
		page.Set("X-Plex-Container-Start", strconv.Itoa(start))
		page.Set("X-Plex-Container-Size", strconv.Itoa(size))

		body, err := c.get(ctx, "/library/sections/"+libraryID+"/all", page)
		if err != nil {
			return nil, err
		}
		mc, err := decodeContainer(body)
		if err != nil {
			return nil, err
		}
		for i := range mc.Metadata {
			items = append(items, mc.Metadata[i].toMediaItem())
		}
		if opts.Limit > 0 && len(items) >= opts.Limit {
			return items[:opts.Limit], nil
		}
		if len(mc.Metadata) < size || mc.TotalSize > 0 && start+len(mc.Metadata) >= mc.TotalSize {
			return items, nil
		}
	}
}

// GetLibraryItemCount asks for a zero-size container and reads the
// total.
func (c *Client) GetLibraryItemCount(ctx context.Context, libraryID string, filter string) (int, error) {
	query := url.Values{}
	if filter != "" {
		if parsed, err := url.ParseQuery(filter); err == nil {
			for k, vs := range parsed {
				for _, v := range vs {
					query.Add(k, v)
				}
			}
		}
	}
	query.Set("X-Plex-Container-Start", "0")
	query.Set("X-Plex-Container-Size", "0")
	body, err := c.get(ctx, "/library/sections/"+libraryID+"/all", query)
	if err != nil {
		return 0, err
	}
	mc, err := decodeContainer(body)
	if err != nil {
		return 0, err
	}
	if mc.TotalSize > 0 {
		return mc.TotalSize, nil
	}
	return mc.Size, nil
}

// GetCollections lists a section's collections.
func (c *Client) GetCollections(ctx context.Context, libraryID string) ([]catalog.Collection, error) {
	body, err := c.get(ctx, "/library/sections/"+libraryID+"/collections", nil)
	if err != nil {
		return nil, err
	}
	mc, err := decodeContainer(body)
	if err != nil {
		return nil, err
	}
	cols := make([]catalog.Collection, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		cols = append(cols, catalog.Collection{
			RatingKey:  m.RatingKey,
			Title:      m.Title,
			ChildCount: m.ChildCount,
		})
	}
	return cols, nil
}

// GetCollectionItems lists a collection's children.
func (c *Client) GetCollectionItems(ctx context.Context, collectionKey string) ([]catalog.MediaItem, error) {
	return c.metadataList(ctx, "/library/collections/"+collectionKey+"/children")
}

// GetPlaylists lists server-wide video playlists.
func (c *Client) GetPlaylists(ctx context.Context) ([]catalog.Playlist, error) {
	query := url.Values{}
	query.Set("playlistType", "video")
	body, err := c.get(ctx, "/playlists", query)
	if err != nil {
		return nil, err
	}
	mc, err := decodeContainer(body)
	if err != nil {
		return nil, err
	}
	lists := make([]catalog.Playlist, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		lists = append(lists, catalog.Playlist{
			RatingKey:  m.RatingKey,
			Title:      m.Title,
			LeafCount:  m.LeafCount,
			DurationMS: m.Duration,
		})
	}
	return lists, nil
}

// GetPlaylistItems lists a playlist's entries in stored order.
func (c *Client) GetPlaylistItems(ctx context.Context, playlistKey string) ([]catalog.MediaItem, error) {
	return c.metadataList(ctx, "/playlists/"+playlistKey+"/items")
}

// GetShowEpisodes lists every leaf episode of a show.
func (c *Client) GetShowEpisodes(ctx context.Context, showRatingKey string) ([]catalog.MediaItem, error) {
	return c.metadataList(ctx, "/library/metadata/"+showRatingKey+"/allLeaves")
}

// GetActors lists the actor directory of a section.
func (c *Client) GetActors(ctx context.Context, libraryID string, opts catalog.DirectoryOptions) ([]catalog.TagDirectoryItem, error) {
	return c.directory(ctx, libraryID, "actor", opts)
}

// GetStudios lists the studio directory of a section.
func (c *Client) GetStudios(ctx context.Context, libraryID string, opts catalog.DirectoryOptions) ([]catalog.TagDirectoryItem, error) {
	return c.directory(ctx, libraryID, "studio", opts)
}

func (c *Client) directory(ctx context.Context, libraryID, kind string, opts catalog.DirectoryOptions) ([]catalog.TagDirectoryItem, error) {
	if opts.Type != "" {
		kind = opts.Type
	}
	body, err := c.get(ctx, "/library/sections/"+libraryID+"/"+kind, nil)
	if err != nil {
		// Older servers have no tag directories; report unsupported
		// instead of failing the whole plan.
		if channel.IsKind(err, channel.KindNotFound) {
			if opts.OnUnsupported != nil {
				opts.OnUnsupported()
			}
			return nil, nil
		}
		return nil, err
	}
	mc, err := decodeContainer(body)
	if err != nil {
		return nil, err
	}
	tags := make([]catalog.TagDirectoryItem, 0, len(mc.Directory))
	for _, d := range mc.Directory {
		tags = append(tags, catalog.TagDirectoryItem{
			Key:     d.Key,
			Title:   d.Title,
			Count:   d.Size,
			FastKey: d.FastKey,
		})
	}
	return tags, nil
}

func (c *Client) metadataList(ctx context.Context, path string) ([]catalog.MediaItem, error) {
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	mc, err := decodeContainer(body)
	if err != nil {
		return nil, err
	}
	items := make([]catalog.MediaItem, 0, len(mc.Metadata))
	for i := range mc.Metadata {
		items = append(items, mc.Metadata[i].toMediaItem())
	}
	return items, nil
}

func plexTypeCode(t string) int {
	switch t {
	case catalog.TypeMovie:
		return plexTypeMovie
	case catalog.TypeShow:
		return plexTypeShow
	case catalog.TypeSeason:
		return plexTypeSeason
	case catalog.TypeEpisode:
		return plexTypeEpisode
	}
	return 0
}

var _ catalog.Catalog = (*Client)(nil)
