package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func TestAdmitSpacing(t *testing.T) {
	th := New(180 * time.Second)
	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{60 * time.Second, false},
		{180 * time.Second, false}, // not strictly greater than the interval
		{185 * time.Second, true},
		{200 * time.Second, false},
		{366 * time.Second, true},
	}
	for _, s := range steps {
		if got := th.Admit("T1", t0.Add(s.at)); got != s.want {
			t.Fatalf("at %s: got %v want %v", s.at, got, s.want)
		}
	}
}

func TestAdmitIsPerTrip(t *testing.T) {
	th := New(time.Minute)
	if !th.Admit("T1", t0) || !th.Admit("T2", t0) {
		t.Fatal("first update of each trip must be admitted")
	}
	if th.Admit("T1", t0.Add(time.Second)) {
		t.Fatal("T1 should be throttled")
	}
}

func TestRejectionLeavesStateUnchanged(t *testing.T) {
	th := New(time.Minute)
	th.Admit("T1", t0)
	// a burst of rejected calls must not push the window forward
	for i := 1; i <= 59; i++ {
		th.Admit("T1", t0.Add(time.Duration(i)*time.Second))
	}
	if !th.Admit("T1", t0.Add(61*time.Second)) {
		t.Fatal("window is anchored to the last admitted write")
	}
}

func TestConcurrentAdmitAdmitsOnce(t *testing.T) {
	th := New(time.Minute)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if th.Admit("T1", t0) {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if admitted.Load() != 1 {
		t.Fatalf("admitted %d concurrent updates", admitted.Load())
	}
}

func TestPruneDropsOnlyExpiredWindows(t *testing.T) {
	th := New(time.Minute)
	th.Admit("T1", t0)
	th.Admit("T2", t0.Add(50*time.Second))

	if n := th.Prune(t0.Add(100 * time.Second)); n != 1 {
		t.Fatalf("pruned %d", n)
	}
	if th.Len() != 1 {
		t.Fatalf("len = %d", th.Len())
	}
	if th.Admit("T2", t0.Add(109*time.Second)) {
		t.Fatal("pruning must not affect live windows")
	}
}

func TestDefaultInterval(t *testing.T) {
	if New(0).Interval() != DefaultInterval {
		t.Fatal("zero interval should fall back to default")
	}
}
