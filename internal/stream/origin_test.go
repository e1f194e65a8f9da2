package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// origin is a scripted HLS server. The n-th playlist request gets
// playlists[n], the last one repeating.
type origin struct {
	t  *testing.T
	mu sync.Mutex

	playlists []string
	polls     int
	bodies    map[string]string
	delays    map[string]time.Duration
	gates     map[string]chan struct{}
	status    map[string]int
	hits      map[string]int

	srv *httptest.Server
}

func newOrigin(t *testing.T, playlists ...string) *origin {
	o := &origin{
		t:         t,
		playlists: playlists,
		bodies:    make(map[string]string),
		delays:    make(map[string]time.Duration),
		gates:     make(map[string]chan struct{}),
		status:    make(map[string]int),
		hits:      make(map[string]int),
	}
	o.srv = httptest.NewServer(o)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) url() string { return o.srv.URL + "/live/index.m3u8" }

func (o *origin) segment(path, body string) { o.bodies[path] = body }

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	if r.URL.Path == "/live/index.m3u8" {
		i := o.polls
		if i >= len(o.playlists) {
			i = len(o.playlists) - 1
		}
		o.polls++
		body := o.playlists[i]
		o.mu.Unlock()
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, body)
		return
	}
	body, ok := o.bodies[r.URL.Path]
	delay := o.delays[r.URL.Path]
	gate := o.gates[r.URL.Path]
	status := o.status[r.URL.Path]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, body)
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) pollCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.polls
}

// mediaPlaylist renders a media playlist listing paths, with the end tag
// when ended is set.
func mediaPlaylist(seq int, ended bool, paths ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for _, p := range paths {
		fmt.Fprintf(&b, "#EXTINF:4.000,\n%s\n", p)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func segPaths(from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("/live/s%d.ts", i))
	}
	return out
}
