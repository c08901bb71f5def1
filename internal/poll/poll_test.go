package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitCompleted(t *testing.T) {
	calls := 0
	outcome, err := Wait(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Completed {
		t.Fatalf("outcome = %s, want completed", outcome)
	}
	if calls != 3 {
		t.Fatalf("check ran %d times", calls)
	}
}

func TestWaitTimedOut(t *testing.T) {
	outcome, err := Wait(context.Background(), time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != TimedOut {
		t.Fatalf("outcome = %s, want timed out", outcome)
	}
}

func TestWaitAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := Wait(ctx, time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	if outcome != Aborted {
		t.Fatalf("outcome = %s, want aborted", outcome)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWaitCheckError(t *testing.T) {
	boom := errors.New("boom")
	outcome, err := Wait(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	if outcome != Aborted || !errors.Is(err, boom) {
		t.Fatalf("got (%s, %v)", outcome, err)
	}
}
