package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testService struct {
	BaseService

	starts int32
	stops  int32
	err    error
}

func (ts *testService) OnStart(context.Context) error {
	atomic.AddInt32(&ts.starts, 1)
	return ts.err
}

func (ts *testService) OnStop() { atomic.AddInt32(&ts.stops, 1) }

func newTestService(err error) *testService {
	ts := &testService{err: err}
	ts.BaseService = *NewBaseService(nil, "TestService", ts)
	return ts
}

func TestBaseServiceWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService(nil)
	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		close(waitFinished)
	}()

	go ts.Stop() //nolint:errcheck // ignore for tests

	select {
	case <-waitFinished:
		// all good
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}

	require.False(t, ts.IsRunning())
	require.EqualValues(t, 1, atomic.LoadInt32(&ts.stops))
}

func TestBaseServiceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService(nil)
	require.NoError(t, ts.Start(ctx))
	cancel()

	select {
	case <-ts.quit:
	case <-time.After(time.Second):
		t.Fatal("service did not stop after context cancellation")
	}
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	require.ErrorIs(t, ts.Start(context.Background()), ErrAlreadyStopped)
}

func TestBaseServiceStartErrors(t *testing.T) {
	boom := errors.New("boom")
	ts := newTestService(boom)
	require.ErrorIs(t, ts.Start(context.Background()), boom)
	require.False(t, ts.IsRunning())
	require.ErrorIs(t, ts.Stop(), ErrNotStarted)

	ok := newTestService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ok.Start(ctx))
	require.ErrorIs(t, ok.Start(ctx), ErrAlreadyStarted)
}
