package m3u8

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/grafov/m3u8"
)

var ErrUnknownPlaylist = errors.New("unknown playlist type")

// Item is one media URI listed by a playlist, in playlist order.
type Item struct {
	URI   string
	Index int
	// Init marks an EXT-X-MAP initialization section.
	Init bool
}

// Variant is one media playlist referenced by a master playlist.
type Variant struct {
	URI        string
	Bandwidth  uint32
	Resolution string
}

// Playlist is the parsed content of one playlist fetch.
type Playlist struct {
	Items []Item
	// Ended is set when the EXT-X-ENDLIST tag was seen: no more items will
	// ever be added.
	Ended bool
	// Master is set for master playlists, which list Variants instead of
	// Items.
	Master   bool
	Variants []Variant
}

// IsMaster reports whether the playlist lists variants instead of media.
func (p *Playlist) IsMaster() bool {
	return p.Master || len(p.Variants) > 0
}

// BestVariant returns the variant with the highest bandwidth.
func (p *Playlist) BestVariant() (Variant, bool) {
	if len(p.Variants) == 0 {
		return Variant{}, false
	}
	best := p.Variants[0]
	for _, v := range p.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, true
}

// Parser turns raw playlist bytes into a Playlist.
type Parser interface {
	Parse(r io.Reader) (*Playlist, error)
}

// Decoder is the Parser backed by github.com/grafov/m3u8.
type Decoder struct {
	Strict bool
}

// Parse decodes a master or media playlist.
func (d Decoder) Parse(r io.Reader) (*Playlist, error) {
	p, listType, err := m3u8.DecodeFrom(r, d.Strict)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		return fromMaster(p.(*m3u8.MasterPlaylist)), nil
	case m3u8.MEDIA:
		return fromMedia(p.(*m3u8.MediaPlaylist)), nil
	default:
		return nil, ErrUnknownPlaylist
	}
}

func fromMaster(mp *m3u8.MasterPlaylist) *Playlist {
	pl := &Playlist{Master: true}
	for _, v := range mp.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		pl.Variants = append(pl.Variants, Variant{
			URI:        v.URI,
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
		})
	}
	return pl
}

func fromMedia(mp *m3u8.MediaPlaylist) *Playlist {
	pl := &Playlist{Ended: mp.Closed}

	xmap := mp.Map
	for _, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		if xmap == nil && seg.Map != nil {
			xmap = seg.Map
		}
		break
	}
	if xmap != nil && xmap.URI != "" {
		pl.Items = append(pl.Items, Item{URI: xmap.URI, Init: true})
	}

	for _, seg := range mp.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		pl.Items = append(pl.Items, Item{URI: seg.URI, Index: len(pl.Items)})
	}
	return pl
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}

// Pathname is the identity of a playlist URI: its path without query or
// fragment, so rotating tokens do not change it.
func Pathname(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return uri
	}
	return u.Path
}
