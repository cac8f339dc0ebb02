// Package sse frames completion events as OpenAI-style server-sent events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/core"
)

// DefaultKeepAlive is the idle threshold after which a comment line is
// written so intermediaries do not reap a quiet connection.
const DefaultKeepAlive = 10 * time.Second

// Encoder writes one completion's event stream to an HTTP response as
// chat.completion.chunk frames.
//
// Writes are blocking on purpose. A slow client stalls the encoder, the
// stalled encoder stops draining the event channel, and the full channel
// suspends the upstream read. Backpressure, not buffering.
type Encoder struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	id        string
	model     string
	created   int64
	keepAlive time.Duration
	sentRole  bool
	started   bool
}

// NewEncoder prepares an encoder for one response. The completion id is
// minted here and shared by every frame of the stream.
func NewEncoder(w http.ResponseWriter, model string, keepAlive time.Duration) *Encoder {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	flusher, _ := w.(http.Flusher)
	return &Encoder{
		w:         w,
		flusher:   flusher,
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		keepAlive: keepAlive,
	}
}

// ID returns the completion id used across the stream's frames.
func (e *Encoder) ID() string { return e.id }

// Run consumes events until the channel closes or a write fails, writing the
// SSE headers on the first frame. The first delta carries the assistant role;
// a Completed event becomes a finish chunk followed by the [DONE] sentinel;
// a Failed event becomes a single error payload with no sentinel, so clients
// can tell truncation from success.
func (e *Encoder) Run(events <-chan core.StreamEvent) error {
	e.start()
	idle := time.NewTimer(e.keepAlive)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.encode(ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.keepAlive)
		case <-idle.C:
			if err := e.comment("ping"); err != nil {
				return err
			}
			idle.Reset(e.keepAlive)
		}
	}
}

func (e *Encoder) start() {
	if e.started {
		return
	}
	e.started = true
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	e.flush()
}

func (e *Encoder) encode(ev core.StreamEvent) error {
	switch ev.Kind {
	case core.EventDelta:
		delta := core.ChunkDelta{Content: ev.Delta}
		if !e.sentRole {
			delta.Role = "assistant"
			e.sentRole = true
		}
		return e.data(e.chunk(core.ChunkChoice{Index: ev.Index, Delta: delta}))
	case core.EventCompleted:
		finish := ev.FinishReason
		chunk := e.chunk(core.ChunkChoice{Index: ev.Index, FinishReason: &finish})
		chunk.Usage = ev.Usage
		if err := e.data(chunk); err != nil {
			return err
		}
		return e.raw("data: [DONE]\n\n")
	case core.EventFailed:
		ge := ev.Err
		if ge == nil {
			ge = core.NewProviderError(0, "stream failed", nil)
		}
		return e.data(ge.ToJSON())
	default:
		return nil
	}
}

func (e *Encoder) chunk(choice core.ChunkChoice) core.ChatChunk {
	return core.ChatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []core.ChunkChoice{choice},
	}
}

func (e *Encoder) data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode sse frame: %w", err)
	}
	return e.raw("data: " + string(payload) + "\n\n")
}

func (e *Encoder) comment(text string) error {
	return e.raw(": " + text + "\n\n")
}

func (e *Encoder) raw(s string) error {
	if _, err := fmt.Fprint(e.w, s); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *Encoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
