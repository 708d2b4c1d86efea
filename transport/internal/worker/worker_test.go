package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeAndWait(p *Pool) {
	p.Close()
	p.Wait()
}

func TestSingleWorkerSerializes(t *testing.T) {
	p := New(1, 4)
	var (
		mu     sync.Mutex
		active int
		peak   int
		order  []int
	)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			mu.Lock()
			active++
			peak = max(peak, active)
			order = append(order, i)
			active--
			mu.Unlock()
		}))
	}
	wg.Wait()
	closeAndWait(p)
	assert.Equal(t, 1, peak)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Zero(t, p.Pending())
}

func TestDo(t *testing.T) {
	p := New(2, 0)
	defer closeAndWait(p)

	boom := errors.New("boom")
	tests := []struct {
		name string
		fn   func(context.Context) error
		want error
	}{
		{name: "error", fn: func(context.Context) error { return boom }, want: boom},
		{name: "ok", fn: func(context.Context) error { return nil }},
		{name: "panic", fn: func(context.Context) error { panic("listener blew up") }, want: ErrPanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Do(context.Background(), tt.fn)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }), "pool survives a panic")
}

func TestPending(t *testing.T) {
	p := New(1, 2)
	defer closeAndWait(p)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))
	assert.Equal(t, 2, p.Pending())
	close(release)
}

func TestClosedPool(t *testing.T) {
	p := New(1, 1)
	p.Close()
	p.Close()
	p.Wait()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrClosed)
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return nil }), ErrClosed)
}

func TestSubmitCanceled(t *testing.T) {
	p := New(1, 1)
	defer closeAndWait(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.Canceled)
	assert.Zero(t, p.Pending())
}
