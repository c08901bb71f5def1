package webhook

import (
	"sync"
	"testing"
	"time"
)

func TestTryAcquireRelease(t *testing.T) {
	l := NewChannelLocks(time.Minute, nil)

	if !l.TryAcquire("ch-1") {
		t.Fatal("first acquire must succeed")
	}
	if l.TryAcquire("ch-1") {
		t.Fatal("second acquire while held must fail")
	}
	// Other channels are independent.
	if !l.TryAcquire("ch-2") {
		t.Fatal("different channel must not serialize")
	}

	l.Release("ch-1")
	if !l.TryAcquire("ch-1") {
		t.Fatal("acquire after release must succeed")
	}
}

func TestLockExpiry(t *testing.T) {
	current := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	l := NewChannelLocks(30*time.Second, clock)

	if !l.TryAcquire("ch-1") {
		t.Fatal("acquire failed")
	}
	current = current.Add(10 * time.Second)
	if l.TryAcquire("ch-1") {
		t.Fatal("lock must still be held before expiry")
	}
	// A crashed handler never releases; expiry un-wedges the channel.
	current = current.Add(25 * time.Second)
	if !l.TryAcquire("ch-1") {
		t.Fatal("expired lock must be acquirable")
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	l := NewChannelLocks(time.Minute, nil)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire("ch-1") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Fatalf("%d goroutines acquired the same channel lock", acquired)
	}
}

func TestHeld(t *testing.T) {
	current := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	l := NewChannelLocks(time.Second, func() time.Time { return current })

	if l.Held("ch-1") {
		t.Fatal("unacquired lock reported held")
	}
	l.TryAcquire("ch-1")
	if !l.Held("ch-1") {
		t.Fatal("acquired lock not reported held")
	}
	current = current.Add(2 * time.Second)
	if l.Held("ch-1") {
		t.Fatal("expired lock reported held")
	}
}
