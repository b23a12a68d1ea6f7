package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/audit"
)

type eventAudit struct {
	audit.Logger
	mu     sync.Mutex
	events []*audit.Event
}

func (e *eventAudit) Log(_ context.Context, ev *audit.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type failingPurger struct{ err error }

func (f failingPurger) PurgeExpired(context.Context, time.Time) (int64, error) { return 0, f.err }

func TestJanitorSweepRemovesExpired(t *testing.T) {
	l, store, _ := newTestLearner(t)
	ctx := context.Background()

	expired := conversation("old", "f1")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	_, err := l.Store(ctx, expired)
	require.NoError(t, err)
	_, err = l.Store(ctx, conversation("fresh", "f1"))
	require.NoError(t, err)

	ea := &eventAudit{Logger: audit.NewNop()}
	j := NewJanitor(store, time.Hour, ea, zap.NewNop())

	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.GetConversation(ctx, "fresh")
	assert.NoError(t, err)

	require.Len(t, ea.events, 2)
	assert.Equal(t, audit.EventRetentionSweep, ea.events[0].EventType)
	assert.Equal(t, audit.ResultSuccess, ea.events[0].Result)
	assert.Equal(t, int64(1), ea.events[0].Metadata["removed"])
}

func TestJanitorSweepFailure(t *testing.T) {
	ea := &eventAudit{Logger: audit.NewNop()}
	j := NewJanitor(failingPurger{err: errors.New("disk I/O error")}, time.Hour, ea, nil)

	_, err := j.Sweep(context.Background())
	assert.Error(t, err)
	require.Len(t, ea.events, 1)
	assert.Equal(t, audit.ResultFailure, ea.events[0].Result)
	assert.Equal(t, "PURGE_FAILED", ea.events[0].ErrorCode)
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	ea := &eventAudit{Logger: audit.NewNop()}
	j := NewJanitor(failingPurger{}, time.Hour, ea, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ea.mu.Lock()
		defer ea.mu.Unlock()
		return len(ea.events) == 1
	}, time.Second, 5*time.Millisecond, "first sweep runs immediately")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
