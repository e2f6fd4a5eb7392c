package pipeline

import (
	"sync"
	"testing"
	"time"
)

func TestGuardSingleFlight(t *testing.T) {
	g := NewGuard()

	if !g.TryAcquire("s1") {
		t.Fatal("first acquire should succeed")
	}
	if g.TryAcquire("s1") {
		t.Fatal("second acquire should be rejected, not queued")
	}
	// Other sessions are unaffected.
	if !g.TryAcquire("s2") {
		t.Fatal("acquire for a different session should succeed")
	}

	g.Release("s1")
	if !g.TryAcquire("s1") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestGuardReleaseIdempotent(t *testing.T) {
	g := NewGuard()
	g.TryAcquire("s1")

	g.Release("s1")
	g.Release("s1")
	g.Release("never-acquired")

	if !g.TryAcquire("s1") {
		t.Fatal("acquire after repeated release should succeed")
	}
}

func TestGuardRejectedUntilReleased(t *testing.T) {
	g := NewGuard()
	g.TryAcquire("s1")

	for i := 0; i < 5; i++ {
		if g.TryAcquire("s1") {
			t.Fatalf("attempt %d acquired while lock held", i)
		}
	}
}

func TestGuardRateWindow(t *testing.T) {
	g := NewGuard()
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := g.Check("s1", "burst", 3, 10*time.Second); !ok {
			t.Fatalf("check %d rejected within limit", i)
		}
	}

	ok, retry := g.Check("s1", "burst", 3, 10*time.Second)
	if ok {
		t.Fatal("fourth check should be rejected")
	}
	if retry <= 0 {
		t.Errorf("retryAfter = %v, want > 0", retry)
	}

	// Independent bucket, same session.
	if ok, _ := g.Check("s1", "sustained", 30, 10*time.Minute); !ok {
		t.Fatal("independent bucket should not be affected")
	}

	// Window slides: after the window passes, events expire.
	now = now.Add(11 * time.Second)
	if ok, _ := g.Check("s1", "burst", 3, 10*time.Second); !ok {
		t.Fatal("check after window expiry should succeed")
	}
}

func TestGuardRateRejectionDoesNotConsumeLock(t *testing.T) {
	g := NewGuard()
	g.Check("s1", "burst", 0, time.Second)

	if !g.TryAcquire("s1") {
		t.Fatal("rate rejection must not hold the single-flight lock")
	}
}

func TestGuardConcurrentAccess(t *testing.T) {
	g := NewGuard()

	var wg sync.WaitGroup
	acquired := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("s1") {
				acquired <- true
			}
			g.Check("s1", "burst", 3, time.Second)
		}()
	}
	wg.Wait()
	close(acquired)

	count := 0
	for range acquired {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines acquired the lock, want exactly 1", count)
	}
}
