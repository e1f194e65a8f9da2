package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"hls-recorder/internal/queue"
)

var ErrOutOfOrder = errors.New("segment admitted out of order")

// Assembler writes segments to the sink one at a time, in the order they
// were admitted. A segment's task completes only when its resource reaches
// end of data, so a later segment whose fetch finished first waits, buffered
// in its resource, until every earlier one is written.
type Assembler struct {
	sink io.Writer
	q    *queue.Queue[*Segment]

	mu      sync.Mutex
	current *Segment
	lastSeq uint64
	started bool
}

func NewAssembler(sink io.Writer) *Assembler {
	a := &Assembler{sink: sink}
	a.q = queue.New[*Segment](a.deliver, queue.Options[*Segment]{Concurrency: 1})
	return a
}

// Push admits seg behind every previously admitted segment. onDone receives
// the delivery result.
func (a *Assembler) Push(seg *Segment, onDone func(error)) bool {
	return a.q.Push(seg, onDone)
}

// Die stops delivery of anything not yet started.
func (a *Assembler) Die() { a.q.Die() }

// Len is the number of segments admitted and not yet written.
func (a *Assembler) Len() int { return a.q.Len() }

// Detach disconnects the segment currently being written from the sink.
func (a *Assembler) Detach() {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur != nil && cur.Resource != nil {
		cur.Resource.Close()
	}
}

func (a *Assembler) deliver(seg *Segment, done func(error)) {
	a.mu.Lock()
	if a.started && seg.Seq <= a.lastSeq {
		a.mu.Unlock()
		a.q.Die()
		done(fmt.Errorf("%w: %d after %d", ErrOutOfOrder, seg.Seq, a.lastSeq))
		return
	}
	a.started = true
	a.lastSeq = seg.Seq
	a.current = seg
	a.mu.Unlock()

	go func() {
		n, err := io.Copy(a.sink, seg.Resource)
		seg.Length = n
		seg.Resource.Close()

		a.mu.Lock()
		if a.current == seg {
			a.current = nil
		}
		a.mu.Unlock()

		if err != nil {
			// Nothing admitted after a failed segment may reach the sink.
			a.q.Die()
		}
		done(err)
	}()
}
