package registry

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
)

type fakeSub struct {
	id     string
	mu     sync.Mutex
	got    []models.Event
	fail   bool
	closed bool
	hook   func()
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(ev models.Event) error {
	if f.hook != nil {
		f.hook()
	}
	if f.closed {
		return fmt.Errorf("send: %w", models.ErrConnClosed)
	}
	if f.fail {
		return errors.New("queue full")
	}
	f.mu.Lock()
	f.got = append(f.got, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func ev() models.Event { return models.Event{Name: models.EventTripLocation} }

func TestJoinIsIdempotent(t *testing.T) {
	r := New(nil)
	s := &fakeSub{id: "s1"}
	r.Join(s, "T1")
	r.Join(s, "T1")

	if n := r.Broadcast("T1", ev()); n != 1 {
		t.Fatalf("delivered = %d", n)
	}
	if s.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", s.count())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := New(nil)
	s := &fakeSub{id: "s1"}
	r.Leave(s, "T1")
	r.Join(s, "T1")
	r.Leave(s, "T1")
	r.Leave(s, "T1")
	if n := r.Broadcast("T1", ev()); n != 0 {
		t.Fatalf("delivered = %d", n)
	}
	if len(r.Topics("s1")) != 0 {
		t.Fatalf("reverse index not cleaned: %v", r.Topics("s1"))
	}
}

func TestLeaveAllRemovesEveryMembership(t *testing.T) {
	r := New(nil)
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	r.Join(a, "T1")
	r.Join(a, "T2")
	r.Join(b, "T1")

	left := r.LeaveAll(a)
	if len(left) != 2 {
		t.Fatalf("left = %v", left)
	}
	r.Broadcast("T1", ev())
	r.Broadcast("T2", ev())
	if a.count() != 0 {
		t.Fatalf("departed subscriber got %d events", a.count())
	}
	if b.count() != 1 {
		t.Fatalf("remaining subscriber got %d events", b.count())
	}
	if len(r.Members("T2")) != 0 {
		t.Fatalf("empty topic not removed")
	}
	if len(r.LeaveAll(a)) != 0 {
		t.Fatalf("second LeaveAll should be empty")
	}
}

func TestBroadcastOnlyReachesTopic(t *testing.T) {
	r := New(nil)
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	r.Join(a, "T1")
	r.Join(b, "T2")
	r.Broadcast("T1", ev())
	if a.count() != 1 || b.count() != 0 {
		t.Fatalf("a=%d b=%d", a.count(), b.count())
	}
}

func TestBroadcastContinuesPastFailingSubscriber(t *testing.T) {
	r := New(nil)
	bad := &fakeSub{id: "bad", fail: true}
	good := &fakeSub{id: "good"}
	r.Join(bad, "T1")
	r.Join(good, "T1")
	if n := r.Broadcast("T1", ev()); n != 1 {
		t.Fatalf("delivered = %d", n)
	}
	if good.count() != 1 {
		t.Fatalf("good subscriber missed the event")
	}
}

func TestBroadcastUsesMembershipSnapshot(t *testing.T) {
	r := New(nil)
	late := &fakeSub{id: "late"}
	first := &fakeSub{id: "first"}
	second := &fakeSub{id: "second"}
	// whichever member is delivered to first mutates membership mid-broadcast
	var once sync.Once
	hook := func() {
		once.Do(func() {
			r.Join(late, "T1")
			r.Leave(first, "T1")
			r.Leave(second, "T1")
		})
	}
	first.hook = hook
	second.hook = hook
	r.Join(first, "T1")
	r.Join(second, "T1")

	if n := r.Broadcast("T1", ev()); n != 2 {
		t.Fatalf("expected delivery to the 2 members present at start, got %d", n)
	}
	if late.count() != 0 {
		t.Fatalf("member that joined mid-broadcast must not receive it")
	}
	if n := r.Broadcast("T1", ev()); n != 1 || late.count() != 1 {
		t.Fatalf("next broadcast should reach only the late joiner, n=%d", n)
	}
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	r := New(nil)
	var delivered atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSub{id: fmt.Sprintf("s%d", i)}
			for j := 0; j < 100; j++ {
				r.Join(s, "T1")
				delivered.Add(int64(r.Broadcast("T1", ev())))
				if j%3 == 0 {
					r.LeaveAll(s)
				}
			}
			r.LeaveAll(s)
		}(i)
	}
	wg.Wait()
	if len(r.Members("T1")) != 0 {
		t.Fatalf("members left behind: %d", len(r.Members("T1")))
	}
	if delivered.Load() == 0 {
		t.Fatalf("expected some deliveries")
	}
}

func TestBroadcastToClosedSubscriberIsNotAWarning(t *testing.T) {
	var buf bytes.Buffer
	r := New(logging.New(&buf, "test", "info"))
	gone := &fakeSub{id: "gone", closed: true}
	full := &fakeSub{id: "full", fail: true}
	live := &fakeSub{id: "live"}
	r.Join(gone, "T1")
	r.Join(full, "T1")
	r.Join(live, "T1")

	if n := r.Broadcast("T1", ev()); n != 1 {
		t.Fatalf("delivered = %d", n)
	}
	out := buf.String()
	if strings.Contains(out, `"conn_id":"gone"`) {
		t.Fatalf("closed subscriber logged above debug: %s", out)
	}
	if !strings.Contains(out, `"conn_id":"full"`) {
		t.Fatalf("failed delivery not logged: %s", out)
	}
}
