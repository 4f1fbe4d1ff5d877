package sdbus

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func testTracker() (*replyTracker, *clock.Mock) {
	clk := clock.NewMock()
	r := newReplyTracker()
	r.clk = clk
	return r, clk
}

func TestReplyTrackerOnReply(t *testing.T) {
	r, clk := testTracker()

	var got *Message
	r.register(7, func(c *Conn, m *Message) (bool, error) {
		got = m
		return true, nil
	}, clk.Now().Add(time.Minute))

	reply := &Message{Type: TypeMethodReturn, ReplySerial: 7, sealed: true}
	handled, err := r.onReply(nil, reply)
	if err != nil || !handled {
		t.Fatalf("onReply = (%v, %v), want (true, nil)", handled, err)
	}
	if got != reply {
		t.Fatalf("handler saw %v, want the delivered reply", got)
	}
	if r.lookup(7) {
		t.Error("serial 7 still tracked after reply")
	}

	// A second reply for the same serial finds nothing.
	if handled, _ := r.onReply(nil, reply); handled {
		t.Error("duplicate reply was dispatched")
	}
}

func TestReplyTrackerCancel(t *testing.T) {
	r, clk := testTracker()
	r.register(1, func(*Conn, *Message) (bool, error) {
		t.Error("cancelled handler invoked")
		return true, nil
	}, clk.Now().Add(time.Millisecond))

	if !r.cancel(1) {
		t.Fatal("cancel reported no entry")
	}
	if r.cancel(1) {
		t.Error("second cancel reported an entry")
	}

	clk.Add(time.Second)
	progress, err := r.tick(nil)
	if progress || err != nil {
		t.Errorf("tick after cancel = (%v, %v), want (false, nil)", progress, err)
	}
}

func TestReplyTrackerTimeoutOrder(t *testing.T) {
	r, clk := testTracker()

	var fired []uint32
	handler := func(serial uint32) MessageHandler {
		return func(c *Conn, m *Message) (bool, error) {
			if m.Type != TypeError || m.ErrName != ErrNameTimeout {
				t.Errorf("serial %d: got %v %q, want a %s error", serial, m.Type, m.ErrName, ErrNameTimeout)
			}
			if m.ReplySerial != serial {
				t.Errorf("timeout for serial %d carries reply-serial %d", serial, m.ReplySerial)
			}
			fired = append(fired, serial)
			return true, nil
		}
	}

	r.register(1, handler(1), clk.Now().Add(30*time.Millisecond))
	r.register(2, handler(2), clk.Now().Add(10*time.Millisecond))
	r.register(3, handler(3), time.Time{}) // never expires
	r.register(4, handler(4), clk.Now().Add(20*time.Millisecond))

	if dl, ok := r.nextDeadline(); !ok || dl != clk.Now().Add(10*time.Millisecond) {
		t.Fatalf("nextDeadline = (%v, %v), want the earliest registration", dl, ok)
	}

	// Nothing has expired yet.
	if progress, _ := r.tick(nil); progress {
		t.Fatal("tick fired before any deadline")
	}

	clk.Add(time.Hour)
	// One expiry per tick.
	for i := 0; i < 3; i++ {
		progress, err := r.tick(nil)
		if err != nil || !progress {
			t.Fatalf("tick %d = (%v, %v), want (true, nil)", i, progress, err)
		}
	}
	if progress, _ := r.tick(nil); progress {
		t.Error("tick fired for the never-expiring entry")
	}

	want := []uint32{2, 4, 1}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d] = %d, want %d", i, fired[i], want[i])
		}
	}

	if !r.lookup(3) {
		t.Error("never-expiring entry was dropped")
	}
}

func TestReplyTrackerHandlerError(t *testing.T) {
	r, clk := testTracker()
	boom := errors.New("boom")
	r.register(9, func(*Conn, *Message) (bool, error) { return false, boom }, clk.Now().Add(time.Millisecond))
	clk.Add(time.Second)
	progress, err := r.tick(nil)
	if !progress || !errors.Is(err, boom) {
		t.Errorf("tick = (%v, %v), want (true, boom)", progress, err)
	}
}
