package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	return db
}

func TestArgs(t *testing.T) {
	assert := assert.New(t)

	b, err := encodeArgs([]any{int64(42), "create", 7})
	require.NoError(t, err)
	args, err := decodeArgs(b)
	require.NoError(t, err)

	n, err := args.Int64(0)
	assert.NoError(err)
	assert.Equal(int64(42), n)

	s, err := args.String(1)
	assert.NoError(err)
	assert.Equal("create", s)

	n, err = args.Int64(2)
	assert.NoError(err)
	assert.Equal(int64(7), n)

	_, err = args.Int64(3)
	assert.Error(err)
	_, err = args.String(0)
	assert.Error(err)
}

func TestInline(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	inline := NewInline()
	var got []int64
	inline.Register("touch", func(ctx context.Context, args Args) error {
		n, err := args.Int64(0)
		if err != nil {
			return err
		}
		got = append(got, n)
		return nil
	})

	assert.NoError(inline.Enqueue(ctx, "touch", int64(5)))
	assert.NoError(inline.Enqueue(ctx, "touch", int64(6)))
	assert.Equal([]int64{5, 6}, got)

	assert.Error(inline.Enqueue(ctx, "unknown"))
}

func TestQueueClaiming(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q, err := NewQueue(testDB(t))
	require.NoError(err)

	require.NoError(q.Enqueue(ctx, "a", int64(1)))
	require.NoError(q.Enqueue(ctx, "b", int64(2)))

	j1, err := q.nextEnqueued(ctx)
	require.NoError(err)
	require.NotNil(j1)
	assert.Equal("a", j1.Name)
	assert.Equal(StateInProgress, j1.State)

	j2, err := q.nextEnqueued(ctx)
	require.NoError(err)
	require.NotNil(j2)
	assert.Equal("b", j2.Name)

	// queue drained
	j3, err := q.nextEnqueued(ctx)
	require.NoError(err)
	assert.Nil(j3)

	require.NoError(q.complete(ctx, j1))
	var done Job
	require.NoError(q.db.First(&done, j1.ID).Error)
	assert.Equal(StateComplete, done.State)
}

func TestQueueRetryAndFail(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q, err := NewQueue(testDB(t))
	require.NoError(err)
	require.NoError(q.Enqueue(ctx, "flaky", int64(1)))

	j, err := q.nextEnqueued(ctx)
	require.NoError(err)
	require.NotNil(j)

	// first failure reschedules with backoff
	require.NoError(q.fail(ctx, j, 2))
	var row Job
	require.NoError(q.db.First(&row, j.ID).Error)
	assert.Equal(StateEnqueued, row.State)
	assert.Equal(1, row.RetryCount)
	require.NotNil(row.RetryAfter)
	assert.True(row.RetryAfter.After(time.Now()))

	// a backed-off job is not runnable yet
	next, err := q.nextEnqueued(ctx)
	require.NoError(err)
	assert.Nil(next)

	// the second failure exhausts the budget and parks the job
	require.NoError(q.fail(ctx, &row, 2))
	require.NoError(q.db.First(&row, j.ID).Error)
	assert.Equal(StateFailed, row.State)
}

func TestWorkerExecutesJobs(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	q, err := NewQueue(testDB(t))
	require.NoError(err)

	opts := DefaultWorkerOptions()
	opts.PollInterval = 10 * time.Millisecond
	w := NewWorker(q, opts)

	done := make(chan int64, 4)
	w.Register("touch", func(ctx context.Context, args Args) error {
		n, err := args.Int64(0)
		if err != nil {
			return err
		}
		done <- n
		return nil
	})

	require.NoError(q.Enqueue(ctx, "touch", int64(1)))
	require.NoError(q.Enqueue(ctx, "touch", int64(2)))

	go w.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(w.Stop(sctx))
	}()

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-done:
			seen[n] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	require.True(seen[1] && seen[2])
}

func TestWorkerUnknownJobFails(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	q, err := NewQueue(testDB(t))
	require.NoError(err)
	w := NewWorker(q, nil)

	require.NoError(q.Enqueue(ctx, "mystery"))
	j, err := q.nextEnqueued(ctx)
	require.NoError(err)
	require.NotNil(j)
	require.Error(w.executeJob(ctx, j))
}

func TestNullDropsEverything(t *testing.T) {
	assert.NoError(t, Null{}.Enqueue(context.Background(), "anything", int64(1), "x"))
}
