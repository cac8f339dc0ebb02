// Package stream adapts a provider's raw SSE output into an ordered,
// cancellable sequence of completion events.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"modelgate/internal/core"
	"modelgate/internal/providers/openai"
)

// Opener is the provider surface the adapter consumes.
type Opener interface {
	// OpenCompletion issues a streaming completion and returns the raw SSE body.
	OpenCompletion(ctx context.Context, prompt *core.Prompt) (io.ReadCloser, error)
	// WireAPI reports the upstream wire protocol ("chat" or "responses").
	WireAPI() string
}

// Config holds adapter settings.
type Config struct {
	// CallTimeout bounds one whole provider call. Exceeding it surfaces as a
	// terminal Failed event, never a silent hang. Zero disables the bound.
	CallTimeout time.Duration
	// Buffer is the event channel capacity. Small on purpose: a saturated
	// consumer suspends the parse loop, which in turn stops reading the
	// provider socket. Defaults to 8.
	Buffer int
}

// Adapter opens provider calls and turns their output into StreamEvents.
type Adapter struct {
	opener Opener
	cfg    Config
	logger *slog.Logger
}

// NewAdapter creates an adapter over the given provider.
func NewAdapter(opener Opener, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{opener: opener, cfg: cfg, logger: logger}
}

// Open starts a provider call for the prompt and returns its event stream.
//
// The sequence is finite and not restartable. Events are produced
// incrementally as the provider emits output. Cancelling ctx (client
// disconnect, session teardown) aborts the upstream call promptly and no
// events are emitted afterwards. Errors before the stream is established are
// returned synchronously; later failures arrive as a terminal Failed event.
func (a *Adapter) Open(ctx context.Context, prompt *core.Prompt) (*Stream, error) {
	callCtx, cancel := context.WithCancel(ctx)
	if a.cfg.CallTimeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(callCtx, a.cfg.CallTimeout)
		inner := cancel
		cancel = func() {
			cancelTimeout()
			inner()
		}
	}

	body, err := a.opener.OpenCompletion(callCtx, prompt)
	if err != nil {
		cancel()
		var ge *core.GatewayError
		if errors.As(err, &ge) {
			return nil, ge
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewProviderError(0, "provider call timed out", err)
		}
		return nil, core.NewProviderError(0, "provider call failed: "+err.Error(), err)
	}

	s := &Stream{
		events: make(chan core.StreamEvent, a.cfg.Buffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		cancel: cancel,
	}

	var parse parser
	if strings.EqualFold(a.opener.WireAPI(), string(openai.WireResponses)) {
		parse = parseResponsesEvent
	} else {
		parse = parseChatEvent
	}

	go a.pump(callCtx, body, parse, s)
	return s, nil
}

// pump reads provider SSE payloads, converts them to events, and forwards
// them in order. It owns the response body and the event channel.
func (a *Adapter) pump(ctx context.Context, body io.ReadCloser, parse parser, s *Stream) {
	defer close(s.done)
	defer close(s.events)
	defer body.Close()

	var st parseState
	terminal := false

	emit := func(ev core.StreamEvent) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	r := newSSEReader(body)
	for !terminal {
		payload, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled or deadline-hit while reading. A consumer gone
				// away gets nothing further; a deadline surfaces as Failed.
				// The context is already done here, so emit's select would
				// drop the terminal event at random. Send directly and fall
				// back on the close signal for a consumer that has left.
				if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
					ev := core.FailedEvent(core.NewProviderError(0, "provider call exceeded deadline", ctx.Err()))
					select {
					case s.events <- ev:
					case <-s.closed:
					}
				} else {
					a.logger.Debug("provider stream cancelled")
				}
				return
			}
			if errors.Is(err, io.EOF) {
				emit(core.FailedEvent(core.NewProviderError(0, "provider stream ended unexpectedly", nil)))
			} else {
				emit(core.FailedEvent(core.NewProviderError(0, "provider stream read failed: "+err.Error(), err)))
			}
			return
		}

		for _, ev := range parse(payload, &st) {
			if !emit(ev) {
				return
			}
			if ev.Terminal() {
				terminal = true
				break
			}
		}
	}
}

// Stream is one in-flight completion call's ordered event sequence.
type Stream struct {
	events    chan core.StreamEvent
	done      chan struct{}
	closed    chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events returns the ordered event channel. It is closed after the terminal
// event, or without one when the call was cancelled.
func (s *Stream) Events() <-chan core.StreamEvent {
	return s.events
}

// Done is closed once the upstream call has fully wound down. The session
// registry waits on this during shutdown.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close aborts the upstream call. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closed)
	})
}

// Collect drains the stream into one synchronous completion. Used for
// non-streaming callers, which consume the same event sequence.
func (s *Stream) Collect(ctx context.Context) (string, string, *core.Usage, error) {
	defer s.Close()

	var text strings.Builder
	finish := "stop"
	var usage *core.Usage

	for {
		select {
		case <-ctx.Done():
			return "", "", nil, core.NewCancelledError(ctx.Err())
		case ev, ok := <-s.events:
			if !ok {
				// Channel closed without a terminal event: the call was
				// cancelled out from under us.
				return "", "", nil, core.NewCancelledError(context.Canceled)
			}
			switch ev.Kind {
			case core.EventDelta:
				text.WriteString(ev.Delta)
			case core.EventCompleted:
				if ev.FinishReason != "" {
					finish = ev.FinishReason
				}
				usage = ev.Usage
				return text.String(), finish, usage, nil
			case core.EventFailed:
				return "", "", nil, ev.Err
			}
		}
	}
}
