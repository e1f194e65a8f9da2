package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"hls-recorder/internal/m3u8"
	"hls-recorder/internal/resume"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint segment not in playlist")
	ErrNoVariants         = errors.New("master playlist has no variants")
)

// maxMasterHops bounds how many master playlists are followed before a
// media playlist must appear.
const maxMasterHops = 3

// PollState is the state of the playlist poller.
type PollState int

const (
	Idle PollState = iota
	Fetching
	Scheduled
	Ended
	Destroyed
)

func (s PollState) String() string {
	return [...]string{"idle", "fetching", "scheduled", "ended", "destroyed"}[s]
}

// PollEvent drives PollState transitions.
type PollEvent int

const (
	// EvRefresh starts a playlist fetch: first poll, timer expiry or early
	// refresh.
	EvRefresh PollEvent = iota
	// EvEndMarker is the playlist's end tag being observed.
	EvEndMarker
	// EvParsed is a playlist parse finishing without the end tag.
	EvParsed
	// EvDestroy is the consumer ending the session.
	EvDestroy
)

// Next returns the state reached from s on ev, and false when ev is not
// valid in s (the state is then unchanged).
func (s PollState) Next(ev PollEvent) (PollState, bool) {
	if ev == EvDestroy {
		return Destroyed, s != Destroyed
	}
	switch s {
	case Idle, Scheduled:
		if ev == EvRefresh {
			return Fetching, true
		}
	case Fetching:
		switch ev {
		case EvEndMarker:
			return Ended, true
		case EvParsed:
			return Scheduled, true
		}
	}
	return s, false
}

// ResumeMissPolicy decides what happens when a resumed session polls a
// playlist that no longer lists the checkpoint segment.
type ResumeMissPolicy int

const (
	// ResumeMissAppend leaves skip mode and admits the whole playlist,
	// accepting a gap in the output.
	ResumeMissAppend ResumeMissPolicy = iota
	// ResumeMissWait admits nothing from that poll and keeps looking.
	ResumeMissWait
	// ResumeMissFail ends the session with ErrCheckpointNotFound.
	ResumeMissFail
)

func ParseResumeMissPolicy(s string) (ResumeMissPolicy, error) {
	switch strings.ToLower(s) {
	case "", "append":
		return ResumeMissAppend, nil
	case "wait":
		return ResumeMissWait, nil
	case "fail":
		return ResumeMissFail, nil
	}
	return ResumeMissAppend, fmt.Errorf("unknown resume miss policy %q", s)
}

// pollHost is what the poller needs from its session. All calls happen on
// the session's event loop.
type pollHost interface {
	// fetchPlaylist starts an asynchronous fetch whose result comes back
	// through Poller.OnPlaylist with the same gen.
	fetchPlaylist(gen uint64, url string) context.CancelFunc
	// admit pushes a segment into the fetch queue.
	admit(seg *Segment) bool
	// post delivers an event to the session loop from any goroutine.
	post(ev event)
}

// refreshTimer is the poller's single timer. Every arm or stop invalidates
// earlier firings, so a timer that fires while being stopped is ignored.
type refreshTimer struct {
	t   *time.Timer
	gen uint64
}

func (r *refreshTimer) arm(d time.Duration, fire func(gen uint64)) {
	r.stop()
	gen := r.gen
	r.t = time.AfterFunc(d, func() { fire(gen) })
}

func (r *refreshTimer) stop() {
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
	r.gen++
}

func (r *refreshTimer) current(gen uint64) bool {
	return r.t != nil && r.gen == gen
}

// Poller refreshes the playlist and admits new segments. It runs on the
// session event loop and is not safe for concurrent use.
type Poller struct {
	host     pollHost
	tracker  *resume.Tracker
	interval time.Duration
	miss     ResumeMissPolicy
	log      hclog.Logger

	state       PollState
	url         string
	gen         uint64
	cancelFetch context.CancelFunc
	timer       refreshTimer
	threshold   int
	masterHops  int
	polls       int

	// seen holds pathnames already admitted that are still listed by the
	// playlist, so overlapping polls do not admit them twice.
	seen map[string]struct{}
}

func newPoller(host pollHost, playlistURL string, tracker *resume.Tracker, interval time.Duration, miss ResumeMissPolicy, log hclog.Logger) *Poller {
	return &Poller{
		host:     host,
		tracker:  tracker,
		interval: interval,
		miss:     miss,
		log:      log,
		url:      playlistURL,
		seen:     make(map[string]struct{}),
	}
}

func (p *Poller) State() PollState { return p.state }

// Threshold is the backlog size at which a delivery triggers an early
// refresh.
func (p *Poller) Threshold() int { return p.threshold }

// Polls is the number of playlist fetches started.
func (p *Poller) Polls() int { return p.polls }

// URL is the playlist currently polled. It changes when a master playlist
// is resolved to a variant.
func (p *Poller) URL() string { return p.url }

func (p *Poller) transition(ev PollEvent) bool {
	next, ok := p.state.Next(ev)
	if !ok {
		return false
	}
	p.log.Trace("poller transition", "from", p.state, "to", next)
	p.state = next
	return true
}

// Start begins the first poll.
func (p *Poller) Start() { p.refresh() }

func (p *Poller) refresh() {
	if !p.transition(EvRefresh) {
		return
	}
	p.timer.stop()
	p.fetch()
}

func (p *Poller) fetch() {
	if p.cancelFetch != nil {
		p.cancelFetch()
	}
	p.gen++
	p.polls++
	p.log.Debug("fetching playlist", "url", p.url, "poll", p.polls)
	p.cancelFetch = p.host.fetchPlaylist(p.gen, p.url)
}

// OnPlaylist handles a finished playlist fetch. A returned error is fatal.
func (p *Poller) OnPlaylist(gen uint64, pl *m3u8.Playlist, err error) error {
	if gen != p.gen || p.state != Fetching {
		return nil
	}
	p.cancelFetch = nil
	if err != nil {
		return err
	}

	base, err := url.Parse(p.url)
	if err != nil {
		return fmt.Errorf("parse playlist url: %w", err)
	}

	if pl.IsMaster() {
		return p.followVariant(base, pl)
	}

	added, err := p.admitItems(base, pl.Items)
	if err != nil {
		return err
	}

	if pl.Ended {
		p.transition(EvEndMarker)
		p.timer.stop()
		p.log.Info("playlist ended", "admitted", added)
		return nil
	}

	p.transition(EvParsed)
	p.threshold = (added + 99) / 100
	p.timer.arm(p.interval, func(g uint64) { p.host.post(timerEvent{gen: g}) })
	p.log.Debug("playlist polled", "admitted", added, "threshold", p.threshold, "next", p.interval)
	return nil
}

func (p *Poller) followVariant(base *url.URL, pl *m3u8.Playlist) error {
	v, ok := pl.BestVariant()
	if !ok {
		return ErrNoVariants
	}
	p.masterHops++
	if p.masterHops > maxMasterHops {
		return fmt.Errorf("%w: followed %d master playlists", ErrNoVariants, p.masterHops-1)
	}
	p.url = m3u8.ResolveURL(base, v.URI)
	p.log.Info("master playlist resolved", "variant", p.url, "bandwidth", v.Bandwidth, "resolution", v.Resolution)
	p.fetch()
	return nil
}

func (p *Poller) admitItems(base *url.URL, items []m3u8.Item) (int, error) {
	paths := make([]string, len(items))
	window := make(map[string]struct{}, len(items))
	for i, it := range items {
		paths[i] = m3u8.Pathname(it.URI)
		window[paths[i]] = struct{}{}
	}

	start := 0
	if p.tracker.Skipping() {
		match := -1
		for i, path := range paths {
			if p.tracker.Match(path) {
				match = i
				break
			}
		}
		switch {
		case match >= 0:
			for _, path := range paths[:match+1] {
				p.seen[path] = struct{}{}
			}
			start = match + 1
			p.log.Info("resuming after checkpoint", "pathname", paths[match], "skipped", match+1)
		case p.miss == ResumeMissWait:
			p.log.Warn("checkpoint segment not in playlist, waiting", "pathname", p.tracker.SkipTo())
			return 0, nil
		case p.miss == ResumeMissFail:
			return 0, fmt.Errorf("%w: %s", ErrCheckpointNotFound, p.tracker.SkipTo())
		default:
			p.log.Warn("checkpoint segment not in playlist, output will have a gap", "pathname", p.tracker.SkipTo())
			p.tracker.StopSkipping()
		}
	}

	added := 0
	for i := start; i < len(items); i++ {
		if _, dup := p.seen[paths[i]]; dup {
			continue
		}
		seg := &Segment{
			URI:      items[i].URI,
			URL:      m3u8.ResolveURL(base, items[i].URI),
			Pathname: paths[i],
			Init:     items[i].Init,
		}
		if p.host.admit(seg) {
			p.seen[paths[i]] = struct{}{}
			added++
		}
	}

	for path := range p.seen {
		if _, ok := window[path]; !ok {
			delete(p.seen, path)
		}
	}
	return added, nil
}

// OnTimer handles a refresh timer firing.
func (p *Poller) OnTimer(gen uint64) {
	if !p.timer.current(gen) {
		return
	}
	p.timer.t = nil
	p.refresh()
}

// OnDelivered is called after each segment delivery with the number of
// admitted segments still undelivered. When the backlog has drained to the
// threshold the playlist is refreshed without waiting for the timer.
func (p *Poller) OnDelivered(backlog int) {
	if p.state != Scheduled || backlog != p.threshold {
		return
	}
	p.log.Debug("backlog drained, refreshing early", "backlog", backlog)
	p.refresh()
}

// Stop ends polling for good, cancelling the timer and any playlist fetch.
func (p *Poller) Stop() {
	p.transition(EvDestroy)
	p.timer.stop()
	if p.cancelFetch != nil {
		p.cancelFetch()
		p.cancelFetch = nil
	}
}
