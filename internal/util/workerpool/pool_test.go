package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsJobs(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2, QueueSize: 4})
	defer p.Stop(time.Second)

	var ran int32
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(Job{Name: "inc", Run: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 4
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.Stats().Succeeded == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(4), p.Stats().Accepted)
}

func TestPool_FailuresAndPanicsAreCounted(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 2})
	defer p.Stop(time.Second)

	require.NoError(t, p.Submit(Job{Name: "fail", Run: func(ctx context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, p.Submit(Job{Name: "panic", Run: func(ctx context.Context) error {
		panic("bad row")
	}}))

	require.Eventually(t, func() bool {
		return p.Stats().Failed == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPool_QueueFull(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Job{Name: "queued", Run: func(ctx context.Context) error { return nil }}))
	assert.Error(t, p.Submit(Job{Name: "overflow", Run: func(ctx context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(release)
}

func TestPool_StopCancelsJobs(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1})

	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "wait", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, p.Stop(time.Second))
	assert.Error(t, p.Submit(Job{Name: "late", Run: func(ctx context.Context) error { return nil }}))
}

func TestPool_SubmitWaitHonorsContext(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Job{Name: "fill", Run: func(ctx context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, Job{Name: "wait", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
