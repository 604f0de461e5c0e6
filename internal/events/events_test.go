package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/taskrec/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	p, err := NewRedisPublisher(mr.Addr(), "")
	require.NoError(t, err)

	return p, mr
}

func TestNewRedisPublisher(t *testing.T) {
	p, mr := setupTestPublisher(t)
	defer mr.Close()
	defer func() { _ = p.Close() }()

	assert.Equal(t, DefaultStream, p.Stream())
}

func TestNewRedisPublisher_InvalidAddress(t *testing.T) {
	_, err := NewRedisPublisher("invalid:99999", "")
	assert.Error(t, err)
}

func TestRedisPublisherPublishAndRead(t *testing.T) {
	p, mr := setupTestPublisher(t)
	defer mr.Close()
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, StateChanged("sess-1", task.StatusCreated, task.StatusRunning)))
	require.NoError(t, p.Publish(ctx, StepSaved("sess-1", 1)))
	require.NoError(t, p.Publish(ctx, TaskFinalized("sess-1", task.StatusSuccess, 1, 2*time.Second)))

	got, err := p.Read(ctx, "-", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, TypeStateChanged, got[0].Type)
	assert.Equal(t, task.StatusRunning, got[0].NewStatus)
	assert.Equal(t, 1, got[1].StepNum)
	assert.Equal(t, TypeTaskFinalized, got[2].Type)
	assert.InDelta(t, 2.0, got[2].TotalTime, 0.001)

	entries, err := mr.Stream(DefaultStream)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"type", "state_changed", "session_id", "sess-1"}, entries[0].Values[:4])
}

func TestRedisPublisherTrimsStream(t *testing.T) {
	p, mr := setupTestPublisher(t)
	defer mr.Close()
	defer func() { _ = p.Close() }()

	p.SetMaxLen(2)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Publish(ctx, StepSaved("sess-1", i)))
	}

	got, err := p.Read(ctx, "-", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].StepNum)
	assert.Equal(t, 5, got[1].StepNum)
}

func TestRedisPublisherServerGone(t *testing.T) {
	p, mr := setupTestPublisher(t)
	defer func() { _ = p.Close() }()
	mr.Close()

	err := p.Publish(context.Background(), Error("sess-1", "boom"))
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, StepSaved("s", 1)))
	require.NoError(t, r.Publish(ctx, Error("s", "write failed")))
	require.NoError(t, r.Publish(ctx, StepSaved("s", 2)))

	assert.Len(t, r.Events(), 3)
	saved := r.OfType(TypeStepSaved)
	require.Len(t, saved, 2)
	assert.Equal(t, 2, saved[1].StepNum)
	assert.Equal(t, "write failed", r.OfType(TypeError)[0].Message)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestFanout(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("boom")

	f := Fanout{a, failingPublisher{err: boom}, nil, b}
	err := f.Publish(context.Background(), StepSaved("s", 1))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)

	assert.NoError(t, Fanout{a, Nop{}}.Publish(context.Background(), StepSaved("s", 2)))
}

func TestEventJSON(t *testing.T) {
	e := TaskFinalized("sess-1", task.StatusStopped, 5, 1500*time.Millisecond)
	raw, err := e.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, raw, `"type":"task_finalized"`)
	assert.NotContains(t, raw, "old_status")

	back, err := EventFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, task.StatusStopped, back.NewStatus)
	assert.Equal(t, 5, back.TotalSteps)

	_, err = EventFromJSON("{")
	assert.Error(t, err)
}
