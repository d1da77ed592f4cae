package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultDepth is the per-subscriber channel depth. When the subscriber
	// cannot keep up, progress events beyond this depth are discarded;
	// path_found, complete and error are never discarded.
	DefaultDepth = 64

	// DefaultKeepAliveInterval is how long the stream stays silent before a
	// keepalive frame is sent.
	DefaultKeepAliveInterval = 15 * time.Second
)

// ErrStreamClosed is returned when emitting on a stream whose subscriber is gone.
var ErrStreamClosed = errors.New("the event stream is closed")

// Stream multiplexes the events of one search to one subscriber. The
// producer side (the search engine) calls Emit; the consumer side calls
// Serve, which drains events to an HTTP response until a terminal event.
type Stream struct {
	ch   chan Event
	done chan struct{}

	closeOnce sync.Once

	keepAliveInterval time.Duration

	droppedProgress atomic.Int64
}

// StreamOptions contains optional configuration for creating a stream.
type StreamOptions struct {
	// Depth overrides the channel depth. If zero, defaults to DefaultDepth.
	Depth int

	// KeepAliveInterval overrides the keepalive silence threshold.
	// If zero, defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration
}

// NewStream returns a new stream for a single subscriber.
func NewStream(opts *StreamOptions) *Stream {
	depth := DefaultDepth
	keepAlive := DefaultKeepAliveInterval

	if opts != nil {
		if opts.Depth > 0 {
			depth = opts.Depth
		}

		if opts.KeepAliveInterval > 0 {
			keepAlive = opts.KeepAliveInterval
		}
	}

	return &Stream{
		ch:                make(chan Event, depth),
		done:              make(chan struct{}),
		keepAliveInterval: keepAlive,
	}
}

// Emit sends an event to the subscriber, preserving emission order. Progress
// events are dropped rather than blocking a slow consumer; all other events
// block until delivered, the stream closes, or the context is canceled.
func (s *Stream) Emit(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	if ev.Kind() == KindProgress {
		select {
		case s.ch <- ev:
			return nil
		case <-s.done:
			return ErrStreamClosed
		default:
			s.droppedProgress.Add(1)

			return nil
		}
	}

	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DroppedProgress returns how many progress events were discarded due to a
// slow subscriber.
func (s *Stream) DroppedProgress() int64 { return s.droppedProgress.Load() }

// Close releases the subscriber. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Serve writes frames to w until a terminal event is delivered or the
// context is canceled. It closes the stream on return.
func (s *Stream) Serve(ctx context.Context, w io.Writer) error {
	defer s.Close()

	flusher, _ := w.(http.Flusher)

	keepAlive := time.NewTimer(s.keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepAlive.C:
			if err := WriteFrame(w, NewKeepAlive()); err != nil {
				return err
			}

			if flusher != nil {
				flusher.Flush()
			}

			keepAlive.Reset(s.keepAliveInterval)
		case ev := <-s.ch:
			if err := WriteFrame(w, ev); err != nil {
				return err
			}

			if flusher != nil {
				flusher.Flush()
			}

			if IsTerminal(ev) {
				if n := s.droppedProgress.Load(); n > 0 {
					zerolog.Ctx(ctx).
						Debug().
						Int64("dropped_progress", n).
						Msg("discarded progress events for a slow subscriber")
				}

				return nil
			}

			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}

			keepAlive.Reset(s.keepAliveInterval)
		}
	}
}

// WriteFrame writes one line-delimited frame: `data: <json>` followed by a
// blank line.
func WriteFrame(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error marshaling the event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("error writing the frame: %w", err)
	}

	return nil
}
