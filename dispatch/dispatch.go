// Package dispatch moves fan-out, reindex and mail work off the request
// path. The request path only ever sees the Dispatcher interface; the queue
// and worker pool behind it guarantee at-least-once execution, so every
// registered handler must be idempotent.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Job names understood by the workers.
const (
	JobFanoutFollow   = "fanout-on-follow"
	JobFanoutPost     = "fanout-on-post"
	JobRemoveUnfollow = "remove-on-unfollow"
	JobRemoveDelete   = "remove-on-delete"
	JobAddActivity    = "add-activity"
	JobReindex        = "reindex"
	JobSendMail       = "send-mail"
)

// Dispatcher enqueues a unit of work, fire-and-forget. Implementations
// deliver at least once; the caller observes no result.
type Dispatcher interface {
	Enqueue(ctx context.Context, job string, args ...any) error
}

// HandlerFunc executes one unit of work. Handlers may run more than once for
// the same enqueue and in any order relative to other jobs.
type HandlerFunc func(ctx context.Context, args Args) error

// Args is the decoded argument list of a job. Arguments travel as JSON, so
// numbers come back as float64 regardless of how they were enqueued.
type Args []any

func (a Args) Int64(i int) (int64, error) {
	if i >= len(a) {
		return 0, fmt.Errorf("dispatch: missing argument %d", i)
	}
	switch v := a[i].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("dispatch: argument %d is %T, not an integer", i, v)
	}
}

func (a Args) String(i int) (string, error) {
	if i >= len(a) {
		return "", fmt.Errorf("dispatch: missing argument %d", i)
	}
	s, ok := a[i].(string)
	if !ok {
		return "", fmt.Errorf("dispatch: argument %d is %T, not a string", i, a[i])
	}
	return s, nil
}

func encodeArgs(args []any) ([]byte, error) {
	return json.Marshal(args)
}

func decodeArgs(b []byte) (Args, error) {
	var a Args
	if len(b) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return a, nil
}

// Inline runs jobs synchronously in the caller, for tests and one-process
// tooling. Arguments still round-trip through the wire encoding, so handler
// behavior matches the persistent queue.
type Inline struct {
	handlers map[string]HandlerFunc
}

func NewInline() *Inline {
	return &Inline{handlers: make(map[string]HandlerFunc)}
}

func (i *Inline) Register(job string, fn HandlerFunc) {
	i.handlers[job] = fn
}

func (i *Inline) Enqueue(ctx context.Context, job string, args ...any) error {
	fn, ok := i.handlers[job]
	if !ok {
		return fmt.Errorf("dispatch: no handler for job %q", job)
	}
	b, err := encodeArgs(args)
	if err != nil {
		return err
	}
	decoded, err := decodeArgs(b)
	if err != nil {
		return err
	}
	return fn(ctx, decoded)
}

// Null drops every job. Useful for tools that mutate the canonical store but
// must not trigger fan-out.
type Null struct{}

func (Null) Enqueue(ctx context.Context, job string, args ...any) error {
	slog.Debug("dropping job", "source", "dispatch", "job", job)
	return nil
}
