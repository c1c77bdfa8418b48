package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRendezvousCollapsesConcurrentArrivals(t *testing.T) {
	r := NewRendezvous()
	id := uuid.New()

	wait1, first1 := r.Join(id)
	if !first1 {
		t.Fatal("expected first arrival to be first")
	}
	wait2, first2 := r.Join(id)
	if first2 {
		t.Fatal("expected second arrival to not be first")
	}

	done := make(chan struct{})
	var got any
	var gotErr error
	go func() {
		got, gotErr = wait2()
		close(done)
	}()

	r.Resolve(id, "outcome", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second caller never woke up")
	}
	if got != "outcome" || gotErr != nil {
		t.Fatalf("unexpected result: %v %v", got, gotErr)
	}

	result, err := wait1()
	if result != "outcome" || err != nil {
		t.Fatalf("unexpected first-caller result: %v %v", result, err)
	}

	// A later, unrelated reuse of the same request_id is not collapsed.
	_, firstAgain := r.Join(id)
	if !firstAgain {
		t.Fatal("expected entry to be released after Resolve")
	}
}

func TestRendezvousPropagatesError(t *testing.T) {
	r := NewRendezvous()
	id := uuid.New()
	wantErr := errors.New("boom")

	_, _ = r.Join(id)
	wait, _ := r.Join(id)
	r.Resolve(id, nil, wantErr)

	_, err := wait()
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
