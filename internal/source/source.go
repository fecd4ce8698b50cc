// Package source provides change-stream readers: the forward stream from
// the source database's logical replication, and the reverse stream from
// the target cluster's changefeed topic.
package source

import (
	"context"

	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
)

// Stream is a lazy, infinite, restartable sequence of raw change events.
//
// Run blocks until ctx is canceled, emitting events to out in commit order
// starting from the given cursor. Transport failures are retried internally
// with resume from the last emitted position; they never surface as fatal.
//
// confirmed reports the latest cursor the consumer has durably staged. The
// stream uses it to acknowledge upstream (standby status updates, consumer
// group offsets), so a crash can only ever cause redelivery, not loss.
type Stream interface {
	Run(ctx context.Context, from cursor.Cursor, out chan<- event.Raw, confirmed func() cursor.Cursor) error
}

// emit delivers ev to out, honoring cancellation. Unlike a lossy
// best-effort send, a full channel applies backpressure to the stream.
func emit(ctx context.Context, out chan<- event.Raw, ev event.Raw) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
