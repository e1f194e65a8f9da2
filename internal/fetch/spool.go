package fetch

import (
	"context"
	"io"
	"sync"
)

// Spool is a Resource fed by a producer goroutine. Data written to it is kept
// in memory until read, so a fetch can run to completion while its reader is
// still waiting for its turn.
type Spool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	err    error // io.EOF on success
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
	total  int64
}

// NewSpool returns an empty spool. cancel, if not nil, is called on Close to
// abort the producer.
func NewSpool(cancel context.CancelFunc) *Spool {
	s := &Spool{cancel: cancel, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write appends p for readers. It fails with ErrDetached once the spool has
// been closed.
func (s *Spool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrDetached
	}
	if s.err != nil {
		return 0, io.ErrClosedPipe
	}
	s.buf = append(s.buf, p...)
	s.total += int64(len(p))
	s.cond.Broadcast()
	return len(p), nil
}

// Finish ends the producer side. A nil err means the data is complete.
// Only the first call has an effect.
func (s *Spool) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.err = err
	close(s.done)
	s.cond.Broadcast()
}

// Read blocks until data is available or the producer has finished. After the
// buffered data is drained it returns io.EOF, or the fetch error.
func (s *Spool) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return 0, ErrDetached
	}
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		if len(s.buf) == 0 {
			s.buf = nil
		}
		return n, nil
	}
	return 0, s.err
}

// Close detaches the reader and aborts the producer. Buffered data is
// discarded.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Done is closed once the producer has finished.
func (s *Spool) Done() <-chan struct{} { return s.done }

// Err returns the producer's failure, or nil while running or on success.
func (s *Spool) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// Fetched is the number of bytes received from the producer so far.
func (s *Spool) Fetched() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
