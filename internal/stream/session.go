// Package stream downloads a live HLS playlist into one ordered byte stream.
//
// A Session polls the playlist, fetches up to ChunkReadahead segments at a
// time and writes them to the output strictly in playlist order. In file
// mode it can checkpoint after every segment and resume an interrupted
// download.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"hls-recorder/internal/fetch"
	"hls-recorder/internal/m3u8"
	"hls-recorder/internal/queue"
	"hls-recorder/internal/resume"
)

const (
	DefaultChunkReadahead  = 3
	DefaultRefreshInterval = 10 * time.Minute
)

var (
	ErrClosed          = errors.New("session closed")
	ErrResumeNeedsFile = errors.New("resume needs an output file")
)

// Options configures a Session.
type Options struct {
	// ID names the session in logs. A random id is used when empty.
	ID string
	// ChunkReadahead is how many segments may be fetching at once.
	ChunkReadahead int
	// RefreshInterval is the longest wait between playlist polls.
	RefreshInterval time.Duration
	RequestOptions  fetch.RequestOptions

	// OnComplete is called once when the playlist has ended and every
	// segment has been written.
	OnComplete func()
	// OnError is called once on a fatal error in file mode. In stream mode
	// the error is returned by Read instead.
	OnError func(error)
	// OnSegment is called on the session loop after each delivery.
	OnSegment func(Delivery)

	// OutFile selects file mode. Empty means stream mode.
	OutFile string
	// ResumeLoad enables checkpointing to OutFile+".resume" and resuming
	// from it.
	ResumeLoad bool
	ResumeMiss ResumeMissPolicy

	Fetcher fetch.Fetcher
	Parser  m3u8.Parser
	Logger  hclog.Logger
}

func (o *Options) setDefaults() {
	if o.ChunkReadahead < 1 {
		o.ChunkReadahead = DefaultChunkReadahead
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Fetcher == nil {
		o.Fetcher = fetch.NewClient(o.Logger.Named("fetch"))
	}
	if o.Parser == nil {
		o.Parser = m3u8.Decoder{}
	}
}

type event interface{}

type playlistEvent struct {
	gen      uint64
	playlist *m3u8.Playlist
	err      error
}

type timerEvent struct{ gen uint64 }

type deliveredEvent struct {
	seg *Segment
	err error
}

type closeEvent struct{}

// Stats is a snapshot of a session's progress.
type Stats struct {
	ID        string
	Segments  int
	Bytes     int64
	State     PollState
	Polls     int
	Completed bool
	Err       error
}

// Session is one download. In stream mode it is read as an io.Reader; in
// file mode the bytes go to Options.OutFile.
type Session struct {
	id   string
	opts Options
	log  hclog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	pr       *io.PipeReader
	pw       *io.PipeWriter
	file     *os.File
	closedMu sync.Mutex
	closedRd bool

	fetchQ  *queue.Queue[*Segment]
	asm     *Assembler
	poller  *Poller
	tracker *resume.Tracker
	nextSeq uint64
	// backlog counts segments admitted whose delivery the loop has not
	// handled yet. Only the loop touches it.
	backlog int

	events chan event
	done   chan struct{}

	mu        sync.Mutex
	finished  bool
	completed bool
	err       error
	segments  int
	bytes     int64
}

// Open starts downloading playlistURL. The returned session is already
// running.
func Open(ctx context.Context, playlistURL string, opts Options) (*Session, error) {
	if opts.ResumeLoad && opts.OutFile == "" {
		return nil, ErrResumeNeedsFile
	}
	opts.setDefaults()

	s := &Session{
		id:     opts.ID,
		opts:   opts,
		parent: ctx,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	s.log = opts.Logger.With("session", s.id)

	var sink io.Writer
	if opts.OutFile == "" {
		s.tracker = resume.NewTracker(nil)
		s.pr, s.pw = io.Pipe()
		sink = s.pw
	} else {
		var store resume.Store
		if opts.ResumeLoad {
			store = resume.ForOutput(opts.OutFile)
		}
		s.tracker = resume.NewTracker(store)
		cp, ok, err := s.tracker.Load()
		if err != nil {
			return nil, err
		}
		f, err := openOutput(opts.OutFile, cp.Offset)
		if err != nil {
			return nil, err
		}
		if ok {
			s.log.Info("resuming download", "pathname", cp.Pathname, "offset", humanize.Bytes(uint64(cp.Offset)))
		}
		s.file = f
		sink = f
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.asm = NewAssembler(sink)
	s.fetchQ = queue.New[*Segment](s.startFetch, queue.Options[*Segment]{
		Concurrency: opts.ChunkReadahead,
		Key:         func(seg *Segment) string { return seg.Pathname },
	})
	s.poller = newPoller(s, playlistURL, s.tracker, opts.RefreshInterval, opts.ResumeMiss, s.log.Named("poller"))

	s.log.Info("session started", "url", playlistURL, "out", opts.OutFile, "readahead", opts.ChunkReadahead)
	go s.run()
	return s, nil
}

// openOutput opens the output file positioned at offset. Anything past
// offset is left over from an interrupted run and is discarded.
func openOutput(path string, offset int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	if offset > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat output: %w", err)
		}
		if info.Size() < offset {
			f.Close()
			return nil, fmt.Errorf("%w: output is %d bytes, checkpoint offset %d", resume.ErrBadCheckpoint, info.Size(), offset)
		}
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate output: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek output: %w", err)
	}
	return f, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Read returns the reassembled stream in stream mode. A fatal download
// error is returned once the bytes before it have been read.
func (s *Session) Read(p []byte) (int, error) {
	if s.pr == nil {
		return 0, errors.New("session is in file mode")
	}
	s.closedMu.Lock()
	closed := s.closedRd
	s.closedMu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return s.pr.Read(p)
}

// Close ends the session. In-flight fetches are aborted and the output is
// closed; a checkpoint, if any, is left for a later resume. Close is safe to
// call more than once and from any goroutine.
func (s *Session) Close() error {
	s.closedMu.Lock()
	s.closedRd = true
	s.closedMu.Unlock()
	s.post(closeEvent{})
	<-s.done
	return nil
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its fatal error, nil when
// it completed or was closed by the consumer.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns a snapshot of the session's progress.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ID:        s.id,
		Segments:  s.segments,
		Bytes:     s.bytes,
		Completed: s.completed,
		Err:       s.err,
	}
	// The poller belongs to the loop; once the loop is gone it is safe to
	// read.
	select {
	case <-s.done:
		st.State = s.poller.State()
		st.Polls = s.poller.Polls()
	default:
	}
	return st
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)
	s.poller.Start()
	for !s.isFinished() {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.parent.Done():
			s.teardown(s.parent.Err(), false)
		}
	}
}

func (s *Session) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case playlistEvent:
		if err := s.poller.OnPlaylist(ev.gen, ev.playlist, ev.err); err != nil {
			s.fail(err)
			return
		}
		if s.poller.State() == Ended && s.backlog == 0 {
			s.complete()
		}
	case timerEvent:
		s.poller.OnTimer(ev.gen)
	case deliveredEvent:
		s.delivered(ev)
	case closeEvent:
		s.log.Info("session closed by consumer")
		s.teardown(nil, false)
	}
}

func (s *Session) delivered(ev deliveredEvent) {
	s.backlog--
	if ev.err != nil {
		s.fail(ev.err)
		return
	}
	seg := ev.seg
	cp, err := s.tracker.Delivered(seg.Pathname, seg.Length)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.segments++
	s.bytes = cp.Offset
	s.mu.Unlock()

	s.log.Debug("segment delivered", "seq", seg.Seq, "pathname", seg.Pathname,
		"size", humanize.Bytes(uint64(seg.Length)), "total", humanize.Bytes(uint64(cp.Offset)))
	if s.opts.OnSegment != nil {
		s.opts.OnSegment(Delivery{
			Seq:        seg.Seq,
			URL:        seg.URL,
			Pathname:   seg.Pathname,
			Length:     seg.Length,
			Checkpoint: cp,
		})
	}

	s.poller.OnDelivered(s.backlog)
	if s.poller.State() == Ended && s.backlog == 0 {
		s.complete()
	}
}

// fetchPlaylist implements pollHost.
func (s *Session) fetchPlaylist(gen uint64, url string) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		defer cancel()
		res := s.opts.Fetcher.Fetch(ctx, url, s.opts.RequestOptions)
		defer res.Close()
		pl, err := s.opts.Parser.Parse(res)
		switch {
		case err == nil:
			// A parser may stop early; the fetch itself must still have
			// succeeded.
			<-res.Done()
			err = res.Err()
		case res.Err() != nil:
			err = res.Err()
		}
		s.post(playlistEvent{gen: gen, playlist: pl, err: err})
	}()
	return cancel
}

// admit implements pollHost.
func (s *Session) admit(seg *Segment) bool {
	seg.Seq = s.nextSeq
	ok := s.fetchQ.Push(seg, func(err error) {
		s.post(deliveredEvent{seg: seg, err: err})
	})
	if ok {
		s.nextSeq++
		s.backlog++
		s.log.Trace("segment admitted", "seq", seg.Seq, "url", seg.URL)
	}
	return ok
}

// startFetch is the fetch queue worker. The fetch slot stays taken until
// the segment has been written, which is what bounds the read-ahead.
func (s *Session) startFetch(seg *Segment, done func(error)) {
	seg.Resource = s.opts.Fetcher.Fetch(s.ctx, seg.URL, s.opts.RequestOptions)
	go func(res fetch.Resource) {
		<-res.Done()
		if err := res.Err(); err != nil && !errors.Is(err, fetch.ErrDetached) {
			done(err)
		}
	}(seg.Resource)
	s.asm.Push(seg, done)
}

func (s *Session) fail(err error) {
	s.log.Error("download failed", "error", err)
	s.teardown(err, false)
}

func (s *Session) complete() {
	if err := s.tracker.Complete(); err != nil {
		s.log.Warn("could not remove checkpoint", "error", err)
	}
	s.mu.Lock()
	segments, bytes := s.segments, s.bytes
	s.mu.Unlock()
	s.log.Info("download complete", "segments", segments, "size", humanize.Bytes(uint64(bytes)))
	s.teardown(nil, true)
}

// teardown is the single exit path: it stops polling, kills both queues,
// aborts in-flight fetches, detaches the segment being written and ends the
// output. It runs once; later calls do nothing.
func (s *Session) teardown(err error, completed bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.completed = completed
	s.err = err
	s.mu.Unlock()

	s.poller.Stop()
	s.fetchQ.Die()
	s.asm.Die()
	s.cancel()
	s.asm.Detach()

	if s.pw != nil {
		if err != nil {
			s.pw.CloseWithError(err)
		} else {
			s.pw.Close()
		}
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil && completed {
			s.log.Warn("closing output", "error", cerr)
		}
	}

	switch {
	case completed && s.opts.OnComplete != nil:
		s.opts.OnComplete()
	case err != nil && s.file != nil && s.opts.OnError != nil && !errors.Is(err, context.Canceled):
		s.opts.OnError(err)
	}
}
