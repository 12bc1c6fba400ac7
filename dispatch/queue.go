package dispatch

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Job states.
var (
	StateEnqueued   = "enqueued"
	StateInProgress = "in_progress"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// Job is a persisted unit of work.
type Job struct {
	gorm.Model
	Name       string `gorm:"index"`
	Args       []byte
	State      string `gorm:"index"`
	RetryCount int
	RetryAfter *time.Time
}

// Queue is the gorm-backed dispatcher. Enqueue persists a job row inside the
// caller's process; workers poll rows back out. Delivery is at least once: a
// worker crash after execution but before the completion update reruns the
// job.
type Queue struct {
	db *gorm.DB
}

var _ Dispatcher = (*Queue)(nil)

func NewQueue(db *gorm.DB) (*Queue, error) {
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, err
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job string, args ...any) error {
	b, err := encodeArgs(args)
	if err != nil {
		return err
	}
	if err := q.db.WithContext(ctx).Create(&Job{
		Name:  job,
		Args:  b,
		State: StateEnqueued,
	}).Error; err != nil {
		return err
	}
	jobsEnqueued.WithLabelValues(job).Inc()
	return nil
}

// nextEnqueued claims the oldest runnable job by flipping its state, or
// returns nil when the queue is drained. The guarded update keeps two
// pollers from claiming the same row.
func (q *Queue) nextEnqueued(ctx context.Context) (*Job, error) {
	var j Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND (retry_after IS NULL OR retry_after < ?)", StateEnqueued, time.Now()).
		Order("id").
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", j.ID, StateEnqueued).
		Update("state", StateInProgress)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// raced another worker
		return nil, nil
	}
	j.State = StateInProgress
	return &j, nil
}

func (q *Queue) complete(ctx context.Context, j *Job) error {
	return q.db.WithContext(ctx).Model(j).Update("state", StateComplete).Error
}

// fail re-enqueues the job with exponential backoff, or parks it as failed
// once the retry budget is spent.
func (q *Queue) fail(ctx context.Context, j *Job, maxRetries int) error {
	j.RetryCount++
	if j.RetryCount >= maxRetries {
		return q.db.WithContext(ctx).Model(j).Updates(map[string]any{
			"state":       StateFailed,
			"retry_count": j.RetryCount,
		}).Error
	}
	next := time.Now().Add(computeExponentialBackoff(j.RetryCount))
	return q.db.WithContext(ctx).Model(j).Updates(map[string]any{
		"state":       StateEnqueued,
		"retry_count": j.RetryCount,
		"retry_after": &next,
	}).Error
}

func computeExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 10 * time.Second
}
