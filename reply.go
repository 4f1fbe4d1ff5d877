package sdbus

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/mds/heapq"
)

// pendingCall tracks one outstanding method call awaiting its reply.
type pendingCall struct {
	serial    uint32
	handler   MessageHandler
	deadline  time.Time // zero means never
	cancelled bool
}

// replyTracker maps outgoing call serials to their reply handlers
// and times them out via a deadline-ordered heap.
//
// Cancelled entries stay in the heap as tombstones and are skipped
// when they surface; the map is the source of truth.
type replyTracker struct {
	clk   clock.Clock
	calls map[uint32]*pendingCall
	heap  *heapq.Queue[*pendingCall]
}

func compareDeadlines(a, b *pendingCall) int {
	switch {
	case a.deadline.Before(b.deadline):
		return -1
	case b.deadline.Before(a.deadline):
		return 1
	default:
		return 0
	}
}

func newReplyTracker() *replyTracker {
	return &replyTracker{
		calls: map[uint32]*pendingCall{},
		heap:  heapq.New(compareDeadlines),
	}
}

// register records a pending call. A zero deadline means the call
// never expires and stays out of the heap.
func (r *replyTracker) register(serial uint32, handler MessageHandler, deadline time.Time) {
	p := &pendingCall{
		serial:   serial,
		handler:  handler,
		deadline: deadline,
	}
	r.calls[serial] = p
	if !deadline.IsZero() {
		r.heap.Add(p)
	}
}

// cancel removes the entry for serial. It reports whether an entry
// existed.
func (r *replyTracker) cancel(serial uint32) bool {
	p, ok := r.calls[serial]
	if !ok {
		return false
	}
	p.cancelled = true
	delete(r.calls, serial)
	return true
}

// lookup reports whether serial has a pending entry.
func (r *replyTracker) lookup(serial uint32) bool {
	_, ok := r.calls[serial]
	return ok
}

// onReply dispatches m to the pending call its reply-serial names,
// if any, and propagates the handler's result.
func (r *replyTracker) onReply(c *Conn, m *Message) (bool, error) {
	p, ok := r.calls[m.ReplySerial]
	if !ok {
		return false, nil
	}
	p.cancelled = true
	delete(r.calls, m.ReplySerial)
	if p.handler == nil {
		return true, nil
	}
	return p.handler(c, m)
}

// tick fires at most one expired entry, synthesizing a timeout error
// message for its handler. It reports whether it made progress.
func (r *replyTracker) tick(c *Conn) (bool, error) {
	now := r.clk.Now()
	for {
		p, ok := r.heap.Pop()
		if !ok {
			return false, nil
		}
		if p.cancelled {
			continue
		}
		if p.deadline.After(now) {
			r.heap.Add(p)
			return false, nil
		}
		delete(r.calls, p.serial)
		if p.handler == nil {
			return true, nil
		}
		timeout := &Message{
			Type:        TypeError,
			ErrName:     ErrNameTimeout,
			ReplySerial: p.serial,
			Body:        []any{"method call timed out"},
			sealed:      true,
		}
		_, err := p.handler(c, timeout)
		return true, err
	}
}

// nextDeadline returns the earliest live deadline, if any.
// Tombstones that surface are discarded along the way.
func (r *replyTracker) nextDeadline() (time.Time, bool) {
	for {
		p, ok := r.heap.Pop()
		if !ok {
			return time.Time{}, false
		}
		if p.cancelled {
			continue
		}
		r.heap.Add(p)
		return p.deadline, true
	}
}

func (r *replyTracker) clear() {
	r.calls = map[uint32]*pendingCall{}
	r.heap = heapq.New(compareDeadlines)
}

// empty reports whether no calls are pending.
func (r *replyTracker) empty() bool { return len(r.calls) == 0 }
