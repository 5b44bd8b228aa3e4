// Package sink delivers event batches to storage backends.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coinflow/models"
)

// Sink persists batches. Upsert must be idempotent on each event's natural
// key so that redelivery after retries or restarts cannot duplicate records.
type Sink interface {
	Name() string
	Upsert(ctx context.Context, batch *models.Batch) error
	Close() error
}

// Error classifies a sink failure for retry handling.
type Error struct {
	Sink      string
	Op        string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a retryable failure.
func Transient(sinkName, op string, err error) error {
	return &Error{Sink: sinkName, Op: op, Err: err}
}

// Permanent wraps a failure retrying cannot fix, like a rejected schema.
func Permanent(sinkName, op string, err error) error {
	return &Error{Sink: sinkName, Op: op, Permanent: true, Err: err}
}

// IsPermanent reports whether retrying err is pointless. Unclassified errors
// count as transient so the pipeline keeps retrying and eventually falls
// back to the overflow log.
func IsPermanent(err error) bool {
	var sinkErr *Error
	return errors.As(err, &sinkErr) && sinkErr.Permanent
}

// Multi fans one batch out to every configured sink and succeeds only when
// all of them accepted it. A failed delivery is retried against all sinks;
// natural-key idempotence makes the replay harmless for the sinks that had
// already taken the batch.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Upsert returns a permanent error only when every failure was permanent;
// one retryable sink keeps the whole batch retryable.
func (m *Multi) Upsert(ctx context.Context, batch *models.Batch) error {
	var errs []error
	permanent := true
	for _, s := range m.sinks {
		if err := s.Upsert(ctx, batch); err != nil {
			errs = append(errs, err)
			if !IsPermanent(err) {
				permanent = false
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if permanent {
		return Permanent(m.Name(), "upsert", joined)
	}
	return Transient(m.Name(), "upsert", joined)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
