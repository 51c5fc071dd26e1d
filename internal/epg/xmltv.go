// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package epg

import (
	"fmt"
	"io"
	"time"

	"github.com/beevik/etree"
)

// xmltvTimeLayout is the XMLTV timestamp format.
const xmltvTimeLayout = "20060102150405 -0700"

// WriteXMLTV serializes the guide entries as an XMLTV document.
func WriteXMLTV(w io.Writer, entries []ChannelGuide, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	tv := doc.CreateElement("tv")
	tv.CreateAttr("generator-info-name", "retune")

	for _, entry := range entries {
		ch := tv.CreateElement("channel")
		ch.CreateAttr("id", channelXMLID(entry.Channel.Number))
		dn := ch.CreateElement("display-name")
		dn.SetText(entry.Channel.Name)
		num := ch.CreateElement("display-name")
		num.SetText(fmt.Sprintf("%d", entry.Channel.Number))
	}

	for _, entry := range entries {
		for _, p := range entry.Programs {
			prog := tv.CreateElement("programme")
			prog.CreateAttr("start", time.UnixMilli(p.ScheduledStartTime).In(loc).Format(xmltvTimeLayout))
			prog.CreateAttr("stop", time.UnixMilli(p.ScheduledEndTime).In(loc).Format(xmltvTimeLayout))
			prog.CreateAttr("channel", channelXMLID(entry.Channel.Number))

			title := prog.CreateElement("title")
			title.SetText(p.Item.FullTitle)
			if p.Item.Type == "episode" {
				sub := prog.CreateElement("sub-title")
				sub.SetText(p.Item.Title)
				if p.Item.SeasonNumber != nil && p.Item.EpisodeNumber != nil {
					en := prog.CreateElement("episode-num")
					en.CreateAttr("system", "xmltv_ns")
					en.SetText(fmt.Sprintf("%d.%d.", *p.Item.SeasonNumber-1, *p.Item.EpisodeNumber-1))
				}
			}
			if p.Item.Year > 0 {
				date := prog.CreateElement("date")
				date.SetText(fmt.Sprintf("%d", p.Item.Year))
			}
			for _, genre := range p.Item.Genres {
				cat := prog.CreateElement("category")
				cat.SetText(genre)
			}
			if p.Item.ContentRating != "" {
				rating := prog.CreateElement("rating")
				val := rating.CreateElement("value")
				val.SetText(p.Item.ContentRating)
			}
			if p.Item.Thumb != "" {
				icon := prog.CreateElement("icon")
				icon.CreateAttr("src", p.Item.Thumb)
			}
		}
	}

	doc.Indent(2)
	_, err := doc.WriteTo(w)
	return err
}

func channelXMLID(number int) string {
	return fmt.Sprintf("retune.%d", number)
}
