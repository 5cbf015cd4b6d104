package events

import (
	"context"

	"github.com/hpungsan/mneme/internal/logging"
)

// NewLogSink writes each event as a structured log line.
func NewLogSink(log logging.Logger) Sink {
	return SinkFunc(func(_ context.Context, e Event) error {
		args := make([]any, 0, 4+2*len(e.Data))
		args = append(args, "event", string(e.Type), "session_id", e.SessionID)
		for k, v := range e.Data {
			args = append(args, k, v)
		}
		log.Info("memory event", args...)
		return nil
	})
}

// Writer persists events.
type Writer interface {
	AppendEvent(ctx context.Context, e Event) error
}

// NewStoreSink appends each event to w. It runs on the bus worker, off the caller's path.
func NewStoreSink(w Writer) Sink {
	return SinkFunc(func(ctx context.Context, e Event) error {
		return w.AppendEvent(ctx, e)
	})
}
