package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-recorder/internal/m3u8"
	"hls-recorder/internal/resume"
)

func TestPollState_Next(t *testing.T) {
	cases := []struct {
		from PollState
		ev   PollEvent
		to   PollState
		ok   bool
	}{
		{Idle, EvRefresh, Fetching, true},
		{Scheduled, EvRefresh, Fetching, true},
		{Fetching, EvParsed, Scheduled, true},
		{Fetching, EvEndMarker, Ended, true},
		{Fetching, EvRefresh, Fetching, false},
		{Ended, EvRefresh, Ended, false},
		{Ended, EvParsed, Ended, false},
		{Idle, EvParsed, Idle, false},
		{Idle, EvDestroy, Destroyed, true},
		{Ended, EvDestroy, Destroyed, true},
		{Destroyed, EvDestroy, Destroyed, false},
		{Destroyed, EvRefresh, Destroyed, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%d", tc.from, tc.ev), func(t *testing.T) {
			to, ok := tc.from.Next(tc.ev)
			assert.Equal(t, tc.to, to)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestParseResumeMissPolicy(t *testing.T) {
	for in, want := range map[string]ResumeMissPolicy{
		"":       ResumeMissAppend,
		"append": ResumeMissAppend,
		"WAIT":   ResumeMissWait,
		"fail":   ResumeMissFail,
	} {
		got, err := ParseResumeMissPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseResumeMissPolicy("skip")
	assert.Error(t, err)
}

type fakeHost struct {
	fetches  []string
	gens     []uint64
	admitted []*Segment
	posted   []event
	reject   map[string]bool
}

func (h *fakeHost) fetchPlaylist(gen uint64, url string) context.CancelFunc {
	h.fetches = append(h.fetches, url)
	h.gens = append(h.gens, gen)
	return func() {}
}

func (h *fakeHost) admit(seg *Segment) bool {
	if h.reject[seg.Pathname] {
		return false
	}
	h.admitted = append(h.admitted, seg)
	return true
}

func (h *fakeHost) post(ev event) { h.posted = append(h.posted, ev) }

func (h *fakeHost) lastGen() uint64 { return h.gens[len(h.gens)-1] }

func (h *fakeHost) pathnames() []string {
	var out []string
	for _, s := range h.admitted {
		out = append(out, s.Pathname)
	}
	return out
}

type memStore struct {
	cp resume.Checkpoint
	ok bool
}

func (m *memStore) Load() (resume.Checkpoint, bool, error) { return m.cp, m.ok, nil }
func (m *memStore) Save(cp resume.Checkpoint) error        { m.cp, m.ok = cp, true; return nil }
func (m *memStore) Remove() error                          { m.ok = false; return nil }

func items(paths ...string) []m3u8.Item {
	out := make([]m3u8.Item, len(paths))
	for i, p := range paths {
		out[i] = m3u8.Item{URI: p, Index: i}
	}
	return out
}

func newTestPoller(host pollHost, tracker *resume.Tracker, miss ResumeMissPolicy) *Poller {
	if tracker == nil {
		tracker = resume.NewTracker(nil)
	}
	return newPoller(host, "http://cdn.example/live/index.m3u8", tracker, time.Hour, miss, hclog.NewNullLogger())
}

func TestPoller_ThresholdAndEarlyRefresh(t *testing.T) {
	for added, want := range map[int]int{1: 1, 99: 1, 100: 1, 101: 2, 250: 3} {
		h := &fakeHost{}
		p := newTestPoller(h, nil, ResumeMissAppend)
		p.Start()
		require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items(segPaths(0, added)...)}, nil))
		assert.Equal(t, want, p.Threshold(), "added %d", added)
		assert.Equal(t, Scheduled, p.State())
		p.Stop()
	}

	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items(segPaths(0, 100)...)}, nil))

	p.OnDelivered(5)
	assert.Equal(t, 1, p.Polls())
	p.OnDelivered(1)
	assert.Equal(t, 2, p.Polls())
	assert.Equal(t, Fetching, p.State())
	// Only a scheduled poller refreshes early.
	p.OnDelivered(1)
	assert.Equal(t, 2, p.Polls())
	p.Stop()
}

func TestPoller_EmptyPollRefreshesOnZeroBacklog(t *testing.T) {
	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{}, nil))
	assert.Equal(t, 0, p.Threshold())
	p.OnDelivered(0)
	assert.Equal(t, 2, p.Polls())
	p.Stop()
}

func TestPoller_IgnoresStaleResults(t *testing.T) {
	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	stale := h.lastGen()
	require.NoError(t, p.OnPlaylist(stale, &m3u8.Playlist{Items: items("/live/a.ts")}, nil))
	p.OnDelivered(1)
	require.Len(t, h.gens, 2)

	require.NoError(t, p.OnPlaylist(stale, &m3u8.Playlist{Items: items("/live/b.ts")}, nil))
	assert.Equal(t, []string{"/live/a.ts"}, h.pathnames())
	assert.Equal(t, Fetching, p.State())
}

func TestPoller_TimerFiresRefresh(t *testing.T) {
	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/a.ts")}, nil))

	gen := p.timer.gen
	p.OnTimer(gen + 1)
	assert.Equal(t, 1, p.Polls())
	p.OnTimer(gen)
	assert.Equal(t, 2, p.Polls())
	// The timer already fired; a duplicate event does nothing.
	p.OnTimer(gen)
	assert.Equal(t, 2, p.Polls())
	p.Stop()
}

func TestPoller_DedupAcrossPolls(t *testing.T) {
	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/1.ts", "/live/2.ts?t=a")}, nil))
	p.OnDelivered(1)
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/2.ts?t=b", "/live/3.ts")}, nil))
	assert.Equal(t, []string{"/live/1.ts", "/live/2.ts", "/live/3.ts"}, h.pathnames())
	assert.Equal(t, "http://cdn.example/live/2.ts?t=a", h.admitted[1].URL)

	// Rejected by the host is not remembered.
	h.reject = map[string]bool{"/live/4.ts": true}
	p.OnDelivered(1)
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/3.ts", "/live/4.ts")}, nil))
	assert.Equal(t, 0, p.Threshold())
	h.reject = nil
	p.OnDelivered(0)
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/3.ts", "/live/4.ts")}, nil))
	assert.Equal(t, []string{"/live/1.ts", "/live/2.ts", "/live/3.ts", "/live/4.ts"}, h.pathnames())
	p.Stop()
}

func TestPoller_EndMarker(t *testing.T) {
	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/a.ts"), Ended: true}, nil))
	assert.Equal(t, Ended, p.State())
	p.OnDelivered(0)
	assert.Equal(t, 1, p.Polls())
	assert.Nil(t, p.timer.t)
}

func TestPoller_ResumeSkipsThroughCheckpoint(t *testing.T) {
	h := &fakeHost{}
	tr := resume.NewTracker(&memStore{cp: resume.Checkpoint{Pathname: "/live/2.ts", Offset: 10}, ok: true})
	_, _, err := tr.Load()
	require.NoError(t, err)

	p := newTestPoller(h, tr, ResumeMissAppend)
	p.Start()
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/1.ts", "/live/2.ts?x=1", "/live/3.ts")}, nil))
	assert.Equal(t, []string{"/live/3.ts"}, h.pathnames())
	assert.False(t, tr.Skipping())

	// Skipped items stay known and are not admitted by the next poll.
	p.OnDelivered(1)
	require.NoError(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Items: items("/live/2.ts", "/live/3.ts", "/live/4.ts")}, nil))
	assert.Equal(t, []string{"/live/3.ts", "/live/4.ts"}, h.pathnames())
	p.Stop()
}

func TestPoller_ResumeMiss(t *testing.T) {
	load := func(t *testing.T) *resume.Tracker {
		tr := resume.NewTracker(&memStore{cp: resume.Checkpoint{Pathname: "/live/0.ts", Offset: 3}, ok: true})
		_, _, err := tr.Load()
		require.NoError(t, err)
		return tr
	}
	pl := &m3u8.Playlist{Items: items("/live/5.ts", "/live/6.ts")}

	t.Run("append", func(t *testing.T) {
		h := &fakeHost{}
		p := newTestPoller(h, load(t), ResumeMissAppend)
		p.Start()
		require.NoError(t, p.OnPlaylist(h.lastGen(), pl, nil))
		assert.Equal(t, []string{"/live/5.ts", "/live/6.ts"}, h.pathnames())
		p.Stop()
	})

	t.Run("wait", func(t *testing.T) {
		h := &fakeHost{}
		tr := load(t)
		p := newTestPoller(h, tr, ResumeMissWait)
		p.Start()
		require.NoError(t, p.OnPlaylist(h.lastGen(), pl, nil))
		assert.Empty(t, h.admitted)
		assert.True(t, tr.Skipping())
		assert.Equal(t, Scheduled, p.State())
		p.Stop()
	})

	t.Run("fail", func(t *testing.T) {
		h := &fakeHost{}
		p := newTestPoller(h, load(t), ResumeMissFail)
		p.Start()
		err := p.OnPlaylist(h.lastGen(), pl, nil)
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
		assert.Empty(t, h.admitted)
	})
}

func TestPoller_MasterPlaylist(t *testing.T) {
	h := &fakeHost{}
	p := newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	master := &m3u8.Playlist{Variants: []m3u8.Variant{
		{URI: "low/index.m3u8", Bandwidth: 100},
		{URI: "high/index.m3u8", Bandwidth: 900},
	}}
	require.NoError(t, p.OnPlaylist(h.lastGen(), master, nil))
	assert.Equal(t, "http://cdn.example/live/high/index.m3u8", p.URL())
	assert.Equal(t, Fetching, p.State())
	require.Len(t, h.fetches, 2)
	assert.Equal(t, p.URL(), h.fetches[1])

	// Master playlists that never lead to media are an error.
	for i := 0; i < maxMasterHops-1; i++ {
		require.NoError(t, p.OnPlaylist(h.lastGen(), master, nil))
	}
	err := p.OnPlaylist(h.lastGen(), master, nil)
	assert.ErrorIs(t, err, ErrNoVariants)

	h = &fakeHost{}
	p = newTestPoller(h, nil, ResumeMissAppend)
	p.Start()
	assert.ErrorIs(t, p.OnPlaylist(h.lastGen(), &m3u8.Playlist{Master: true}, nil), ErrNoVariants)
}
