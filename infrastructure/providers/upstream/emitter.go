// Package upstream holds the plumbing shared by the vendor adapters: the
// single-terminal stream emitter, HTTP error mapping and the pooled client.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay/domain/chat"
)

const streamBuffer = 16

// Emitter forwards token deltas to the consumer and accumulates the full text.
type Emitter struct {
	ctx  context.Context
	out  chan<- chat.StreamEvent
	text strings.Builder
}

// Token delivers one delta. It returns false once the consumer is gone.
func (e *Emitter) Token(text string) bool {
	if text == "" {
		return e.ctx.Err() == nil
	}
	e.text.WriteString(text)
	return e.send(chat.TokenEvent(text))
}

// Text is everything delivered so far.
func (e *Emitter) Text() string {
	return e.text.String()
}

func (e *Emitter) send(ev chat.StreamEvent) bool {
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// StreamFunc performs one upstream streaming call, emitting deltas as they
// arrive. It returns the final usage or the reason the stream failed.
type StreamFunc func(ctx context.Context, emit *Emitter) (chat.TokenUsage, error)

// Stream runs fn on its own goroutine and turns its outcome into exactly one
// terminal event. If ctx is cancelled the channel is closed without one.
func Stream(ctx context.Context, vendor chat.Vendor, timeout time.Duration, fn StreamFunc) <-chan chat.StreamEvent {
	out := make(chan chat.StreamEvent, streamBuffer)
	go func() {
		defer close(out)
		emit := &Emitter{ctx: ctx, out: out}
		usage, err := guarded(ctx, timeout, func(callCtx context.Context) (chat.TokenUsage, error) {
			return fn(callCtx, emit)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			emit.send(chat.FailedEvent(Wrap(vendor, err)))
			return
		}
		emit.send(chat.CompletedEvent(emit.Text(), usage))
	}()
	return out
}

// Call runs a non-streaming upstream call under the same timeout and error
// wrapping as Stream.
func Call(ctx context.Context, vendor chat.Vendor, timeout time.Duration, fn func(ctx context.Context) (chat.Completion, error)) (chat.Completion, error) {
	out, err := guarded(ctx, timeout, fn)
	if err != nil {
		return chat.Completion{}, Wrap(vendor, err)
	}
	out.Usage = out.Usage.Normalize()
	return out, nil
}

// Reject returns an already-failed stream. No upstream call is made.
func Reject(err error) <-chan chat.StreamEvent {
	out := make(chan chat.StreamEvent, 1)
	out <- chat.FailedEvent(err)
	close(out)
	return out
}

// ErrNoUserTurn rejects sequences without a trailing non-empty user turn.
var ErrNoUserTurn = &chat.ValidationError{Detail: "conversation must end with a non-empty user message"}

// Wrap attaches vendor context to err unless it already carries it.
func Wrap(vendor chat.Vendor, err error) error {
	var perr *chat.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	var verr *chat.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: upstream timed out", chat.ErrProviderUnavailable)
	}
	return &chat.ProviderError{Vendor: vendor, Err: err}
}

func guarded[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (out T, err error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", chat.ErrInternal, r)
		}
	}()
	return fn(callCtx)
}
