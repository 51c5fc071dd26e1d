// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package plexcat

import "github.com/retunetv/retune/internal/catalog"

// Wire DTOs for the Plex JSON API. Fields the server omits stay zero;
// consumers tolerate that throughout.

type mediaContainer struct {
	Size      int            `json:"size"`
	TotalSize int            `json:"totalSize"`
	Directory []directoryDTO `json:"Directory"`
	Metadata  []metadataDTO  `json:"Metadata"`
}

type directoryDTO struct {
	Key     string `json:"key"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Size    int    `json:"size"`
	FastKey string `json:"fastKey"`
}

type tagDTO struct {
	Tag string `json:"tag"`
}

type streamDTO struct {
	StreamType   int    `json:"streamType"`
	Codec        string `json:"codec"`
	Channels     int    `json:"channels"`
	Title        string `json:"title"`
	DisplayTitle string `json:"displayTitle"`
}

type partDTO struct {
	Stream []streamDTO `json:"Stream"`
}

type mediaDTO struct {
	VideoResolution string    `json:"videoResolution"`
	AudioCodec      string    `json:"audioCodec"`
	AudioChannels   int       `json:"audioChannels"`
	Part            []partDTO `json:"Part"`
}

type metadataDTO struct {
	RatingKey            string     `json:"ratingKey"`
	Key                  string     `json:"key"`
	Type                 string     `json:"type"`
	Title                string     `json:"title"`
	Year                 int        `json:"year"`
	Duration             int64      `json:"duration"`
	Thumb                string     `json:"thumb"`
	Summary              string     `json:"summary"`
	GrandparentTitle     string     `json:"grandparentTitle"`
	ParentTitle          string     `json:"parentTitle"`
	GrandparentRatingKey string     `json:"grandparentRatingKey"`
	ParentRatingKey      string     `json:"parentRatingKey"`
	ParentIndex          *int       `json:"parentIndex"`
	Index                *int       `json:"index"`
	Rating               *float64   `json:"rating"`
	ContentRating        string     `json:"contentRating"`
	Genre                []tagDTO   `json:"Genre"`
	Director             []tagDTO   `json:"Director"`
	ViewCount            *int       `json:"viewCount"`
	AddedAt              *int64     `json:"addedAt"`
	LeafCount            int        `json:"leafCount"`
	ChildCount           int        `json:"childCount"`
	Media                []mediaDTO `json:"Media"`
}

func (m *metadataDTO) toMediaItem() catalog.MediaItem {
	item := catalog.MediaItem{
		RatingKey:            m.RatingKey,
		Type:                 m.Type,
		Title:                m.Title,
		Year:                 m.Year,
		DurationMS:           m.Duration,
		Thumb:                m.Thumb,
		Summary:              m.Summary,
		GrandparentTitle:     m.GrandparentTitle,
		ParentTitle:          m.ParentTitle,
		GrandparentRatingKey: m.GrandparentRatingKey,
		ParentRatingKey:      m.ParentRatingKey,
		SeasonNumber:         m.ParentIndex,
		EpisodeNumber:        m.Index,
		Rating:               m.Rating,
		ContentRating:        m.ContentRating,
		Genres:               tagNames(m.Genre),
		Directors:            tagNames(m.Director),
		ViewCount:            m.ViewCount,
		LeafCount:            m.LeafCount,
	}
	if m.AddedAt != nil {
		// Plex reports addedAt in seconds; the rest of the system
		// runs on milliseconds.
		ms := *m.AddedAt * 1000
		item.AddedAt = &ms
	}
	for _, md := range m.Media {
		item.Media = append(item.Media, toMedia(md))
	}
	return item
}

func toMedia(md mediaDTO) catalog.Media {
	out := catalog.Media{
		VideoResolution: md.VideoResolution,
		AudioCodec:      md.AudioCodec,
		AudioChannels:   md.AudioChannels,
	}
	for _, p := range md.Part {
		part := catalog.Part{}
		for _, s := range p.Stream {
			part.Streams = append(part.Streams, catalog.Stream{
				StreamType:   s.StreamType,
				Codec:        s.Codec,
				Channels:     s.Channels,
				Title:        s.Title,
				DisplayTitle: s.DisplayTitle,
			})
		}
		out.Parts = append(out.Parts, part)
	}
	return out
}

func tagNames(tags []tagDTO) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.Tag)
	}
	return out
}
