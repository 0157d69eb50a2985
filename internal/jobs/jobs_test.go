package jobs

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDeliverer) Deliver(_ context.Context, id string, attempt, maxAttempts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, id)
	if attempt > maxAttempts {
		return stderrors.New("attempt past max")
	}
	return d.err
}

func (d *recordingDeliverer) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func TestDeliveryWorkerPassesAttempts(t *testing.T) {
	d := &recordingDeliverer{err: stderrors.New("channel down")}
	w := &deliveryWorker{deliverer: d, backoff: deliveryBackoff()}

	job := &river.Job[DeliveryArgs]{
		JobRow: &rivertype.JobRow{Attempt: 2, MaxAttempts: 5},
		Args:   DeliveryArgs{NotificationID: "n-1"},
	}
	err := w.Work(context.Background(), job)
	assert.EqualError(t, err, "channel down")
	assert.Equal(t, []string{"n-1"}, d.seen())

	next := w.NextRetry(job)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, JobKindDelivery, DeliveryArgs{}.Kind())
}

type fakeLocker struct {
	held     bool
	released atomic.Int32
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() { l.released.Add(1) }, true, nil
}

func TestSchedulerRunHonoursLease(t *testing.T) {
	lock := &fakeLocker{held: true}
	s := NewScheduler(lock, time.Minute, zerolog.Nop())
	ran := 0
	task := func(context.Context) error { ran++; return nil }

	s.run(context.Background(), "escalation", task)
	assert.Equal(t, 0, ran)

	lock.held = false
	s.run(context.Background(), "escalation", task)
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(1), lock.released.Load())

	// a failing task still releases its lease
	s.run(context.Background(), "escalation", func(context.Context) error { return stderrors.New("boom") })
	assert.Equal(t, int32(2), lock.released.Load())
}

func TestSchedulerFiresTasks(t *testing.T) {
	s := NewScheduler(LocalLocker{}, time.Minute, zerolog.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	assert.Error(t, s.Add("broken", "not a spec", func(context.Context) error { return nil }))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })

	a, b := NewRedisLocker(rdb), NewRedisLocker(rdb)
	release, ok, err := a.TryLock(ctx, "approvals:cron:test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "approvals:cron:test", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = b.TryLock(ctx, "approvals:cron:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("approvals_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestQueueDeliversEnqueuedNotifications(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, pool, zerolog.Nop()))

	d := &recordingDeliverer{}
	q, err := NewQueue(pool, d, QueueConfig{Workers: 2, MaxAttempts: 3}, zerolog.Nop())
	require.NoError(t, err)

	// duplicates enqueued before the worker runs collapse into one job
	require.NoError(t, q.EnqueueDelivery(ctx, "n-1"))
	require.NoError(t, q.EnqueueDelivery(ctx, "n-1"))
	require.NoError(t, q.EnqueueDelivery(ctx, "n-2"))

	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(stopCtx)
	})

	assert.Eventually(t, func() bool { return len(d.seen()) >= 2 }, 15*time.Second, 100*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.ElementsMatch(t, []string{"n-1", "n-2"}, d.seen())
}

func TestInsertOnlyQueueLeavesWorkToServer(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, pool, zerolog.Nop()))

	idle := &recordingDeliverer{}
	inserter, err := NewQueue(pool, idle, QueueConfig{MaxAttempts: 3, InsertOnly: true}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, inserter.EnqueueDelivery(ctx, "n-10"))

	worker := &recordingDeliverer{}
	q, err := NewQueue(pool, worker, QueueConfig{Workers: 1, MaxAttempts: 3}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(stopCtx)
	})

	assert.Eventually(t, func() bool { return len(worker.seen()) == 1 }, 15*time.Second, 100*time.Millisecond)
	assert.Equal(t, []string{"n-10"}, worker.seen())
	assert.Empty(t, idle.seen())
}
