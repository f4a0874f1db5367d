package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeExecutor struct {
	ran []string
}

func (f *fakeExecutor) RunClaimed(ctx context.Context, id string) error {
	f.ran = append(f.ran, id)
	return nil
}

func TestStopEndsRunBeforeAnyTick(t *testing.T) {
	exec := &fakeExecutor{}
	// Interval far longer than the test's timeout, so Run must return via
	// the stop channel rather than ever reaching tick().
	s := New(nil, exec, time.Hour)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Empty(t, exec.ran)
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(nil, exec, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
