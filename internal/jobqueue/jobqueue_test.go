package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang/snappy"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawledger/internal/clock"
	"github.com/smallbiznis/drawledger/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestCodecRoundTripCompresses(t *testing.T) {
	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-1")
	job, err := NewJob(ctx, "drawing.attach", map[string]string{"drawing_number": "A-100"}, epoch)
	require.NoError(t, err)
	assert.Len(t, job.ID, 26)
	assert.Equal(t, "cid-1", job.CorrelationID)

	data, err := Encode(job)
	require.NoError(t, err)
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	decodedLen, err := snappy.DecodedLen(data)
	require.NoError(t, err)
	assert.Equal(t, len(raw), decodedLen)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Type, decoded.Type)
	assert.JSONEq(t, `{"drawing_number":"A-100"}`, string(decoded.Payload))
	assert.True(t, decoded.EnqueuedAt.Equal(epoch))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not snappy"))
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestNewJobRequiresType(t *testing.T) {
	_, err := NewJob(context.Background(), " ", nil, epoch)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestRedisQueueIsFIFO(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisQueue(client, "test:jobs")
	pub := NewPublisher(q, clock.NewFakeClock(epoch))
	ctx := context.Background()

	first, err := pub.Publish(ctx, "a", 1)
	require.NoError(t, err)
	second, err := pub.Publish(ctx, "b", 2)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

func TestRedisQueueEmptyReturnsNil(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisQueue(client, "test:jobs")

	got, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPublisherWithoutQueue(t *testing.T) {
	pub := NewPublisher(nil, nil)
	assert.False(t, pub.Enabled())
	_, err := pub.Publish(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClaimerIsExclusiveAndTokenBound(t *testing.T) {
	srv, client := newRedis(t)
	c := NewClaimer(client)
	ctx := context.Background()

	token, ok, err := c.TryClaim(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.TryClaim(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Release(ctx, "job-1", "someone-else"))
	assert.True(t, srv.Exists(keyJobClaim+"job-1"))

	require.NoError(t, c.Release(ctx, "job-1", token))
	assert.False(t, srv.Exists(keyJobClaim+"job-1"))

	_, ok, err = c.TryClaim(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimerExpires(t *testing.T) {
	srv, client := newRedis(t)
	c := NewClaimer(client)
	ctx := context.Background()

	_, ok, err := c.TryClaim(ctx, "job-2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Second)
	_, ok, err = c.TryClaim(ctx, "job-2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newWorker(t *testing.T, client *redis.Client) (*Worker, Queue) {
	t.Helper()
	q := NewRedisQueue(client, "test:jobs")
	w := NewWorker(Params{
		Queue:   q,
		Claimer: NewClaimer(client),
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(epoch),
		Config:  Config{PollTimeout: time.Second},
	})
	return w, q
}

func TestWorkerDispatchesByType(t *testing.T) {
	srv, client := newRedis(t)
	w, _ := newWorker(t, client)

	var got string
	w.Register("drawing.attach", func(ctx context.Context, job Job) error {
		var payload map[string]string
		require.NoError(t, job.Decode(&payload))
		got = payload["drawing_number"]
		assert.Equal(t, "cid-9", correlation.ExtractCorrelationID(ctx))
		return nil
	})

	job, err := NewJob(correlation.ContextWithCorrelationID(context.Background(), "cid-9"),
		"drawing.attach", map[string]string{"drawing_number": "A-100"}, epoch)
	require.NoError(t, err)

	require.NoError(t, w.Process(context.Background(), job))
	assert.Equal(t, "A-100", got)
	assert.False(t, srv.Exists(keyJobClaim+job.ID), "claim released after the run")
}

func TestWorkerUnknownType(t *testing.T) {
	_, client := newRedis(t)
	w, _ := newWorker(t, client)

	err := w.Process(context.Background(), Job{ID: "01HX", Type: "nope"})
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestWorkerSkipsClaimedJob(t *testing.T) {
	_, client := newRedis(t)
	w, _ := newWorker(t, client)

	var calls int32
	w.Register("t", func(context.Context, Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	_, ok, err := w.claimer.TryClaim(context.Background(), "dup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = w.Process(context.Background(), Job{ID: "dup", Type: "t"})
	assert.ErrorIs(t, err, ErrJobAlreadyTaken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestWorkerRecoversPanicsAndReportsFailure(t *testing.T) {
	_, client := newRedis(t)
	w, _ := newWorker(t, client)

	boom := errors.New("boom")
	w.Register("fail", func(context.Context, Job) error { return boom })
	w.Register("panic", func(context.Context, Job) error { panic("bad payload") })

	assert.ErrorIs(t, w.Process(context.Background(), Job{ID: "1", Type: "fail"}), boom)
	err := w.Process(context.Background(), Job{ID: "2", Type: "panic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	_, client := newRedis(t)
	w, q := newWorker(t, client)
	pub := NewPublisher(q, clock.NewFakeClock(epoch))

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	w.Register("n", func(_ context.Context, job Job) error {
		var n int
		require.NoError(t, job.Decode(&n))
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
		if len(seen) == 3 {
			close(done)
		}
		return nil
	})

	for i := 1; i <= 3; i++ {
		_, err := pub.Publish(context.Background(), "n", i)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	cancel()
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)
}
