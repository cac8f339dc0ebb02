package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"

	"modelgate/internal/core"
)

const maxSSELine = 1 << 20

// sseReader yields the data payload of each server-sent event, skipping
// comments and non-data fields.
type sseReader struct {
	sc *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseReader{sc: sc}
}

// Next returns the next event's data payload. Multi-line data fields are
// joined with newlines per the SSE framing rules. Returns io.EOF when the
// provider closes the stream.
func (r *sseReader) Next() ([]byte, error) {
	var data [][]byte
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			rest = bytes.TrimPrefix(rest, []byte(" "))
			// Copy: the scanner reuses its buffer on the next call.
			data = append(data, bytes.Clone(rest))
		}
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}

// parseState carries per-stream accumulation across payloads.
type parseState struct {
	finishReason string
	usage        *core.Usage
}

// parser converts one SSE data payload into zero or more events.
type parser func(payload []byte, st *parseState) []core.StreamEvent

// chatChunk mirrors the subset of an upstream chat.completion.chunk the
// adapter cares about.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *core.Usage `json:"usage"`
}

// parseChatEvent handles providers speaking the Chat Completions wire
// protocol. Text arrives in choice deltas; the terminal marker is the
// literal "[DONE]" payload.
func parseChatEvent(payload []byte, st *parseState) []core.StreamEvent {
	if bytes.Equal(payload, []byte("[DONE]")) {
		return []core.StreamEvent{core.CompletedEvent(st.finishReason, st.usage)}
	}
	var chunk chatChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Tolerate malformed interleavings rather than killing the stream.
		return nil
	}
	if chunk.Usage != nil {
		st.usage = chunk.Usage
	}
	var evs []core.StreamEvent
	for _, ch := range chunk.Choices {
		if ch.Delta.Content != "" {
			evs = append(evs, core.DeltaEvent(ch.Delta.Content, 0))
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			st.finishReason = *ch.FinishReason
		}
	}
	return evs
}

// parseResponsesEvent handles providers speaking the Responses wire
// protocol, where each payload is a typed event object.
func parseResponsesEvent(payload []byte, st *parseState) []core.StreamEvent {
	typ := gjson.GetBytes(payload, "type").String()
	switch typ {
	case "response.output_text.delta":
		if delta := gjson.GetBytes(payload, "delta").String(); delta != "" {
			return []core.StreamEvent{core.DeltaEvent(delta, 0)}
		}
		return nil
	case "response.completed":
		usage := st.usage
		if u := gjson.GetBytes(payload, "response.usage"); u.Exists() {
			usage = &core.Usage{
				PromptTokens:     int(u.Get("input_tokens").Int()),
				CompletionTokens: int(u.Get("output_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}
		return []core.StreamEvent{core.CompletedEvent(st.finishReason, usage)}
	case "response.failed", "error":
		msg := gjson.GetBytes(payload, "response.error.message").String()
		if msg == "" {
			msg = gjson.GetBytes(payload, "error.message").String()
		}
		if msg == "" {
			msg = "provider reported a failed response"
		}
		return []core.StreamEvent{core.FailedEvent(core.NewProviderError(0, msg, nil))}
	default:
		return nil
	}
}
