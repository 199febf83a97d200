package combine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/hostif/mock"
)

func TestAddBranchStartsAtBaseRate(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 10*time.Second, nil)
	b := s.AddBranch(1, "left")
	assert.Equal(t, 48000.0, b.Rate())

	got, ok := s.Branch(1)
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRemoveBranchDropsIt(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 10*time.Second, nil)
	s.AddBranch(1, "left")
	s.RemoveBranch(1)
	_, ok := s.Branch(1)
	assert.False(t, ok)
	assert.Empty(t, s.Branches())
}

func TestAdjustAppliesPerBranchRate(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 10*time.Second, nil)
	a := s.AddBranch(1, "a")
	b := s.AddBranch(2, "b")

	a.SetActive(true)
	a.PublishLatency(30*time.Millisecond, 95*time.Millisecond)
	b.SetActive(true)
	b.PublishLatency(105*time.Millisecond, 105*time.Millisecond)

	s.adjust()

	assert.InDelta(t, 47952.0, a.Rate(), 0.01)
	assert.Equal(t, 48000.0, b.Rate())
}

func TestAdjustIgnoresInactiveBranches(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 10*time.Second, nil)
	a := s.AddBranch(1, "a")
	a.PublishLatency(500*time.Millisecond, 500*time.Millisecond) // wildly off, but inactive

	s.adjust()

	assert.Equal(t, 48000.0, a.Rate())
}

func TestEffectiveMaxRequestFallsBackToDefaultWhenNoBranchPublished(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 10*time.Second, nil)
	s.AddBranch(1, "a")
	assert.Equal(t, int64(4096), s.EffectiveMaxRequest(4096))
}

func TestShutdownIsIdempotentAndStopsRun(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 50*time.Millisecond, nil)
	s.AddBranch(1, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
	require.NoError(t, s.Shutdown(shutdownCtx)) // second call must be a no-op, not hang

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Shutdown")
	}
}

func TestSetSuspendedBroadcastsToAllBranches(t *testing.T) {
	host := mock.New()
	s := New("combined", host, 9000, 48000, 10*time.Second, nil)
	a := s.AddBranch(1, "a")
	b := s.AddBranch(2, "b")

	s.SetSuspended(true)

	msgA := <-a.inq
	msgB := <-b.inq
	assert.Equal(t, ctrlSuspend, msgA.kind)
	assert.Equal(t, ctrlSuspend, msgB.kind)
}
