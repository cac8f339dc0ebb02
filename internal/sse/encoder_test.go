package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"modelgate/internal/core"
)

func run(t *testing.T, keepAlive time.Duration, events ...core.StreamEvent) (*httptest.ResponseRecorder, *Encoder) {
	t.Helper()
	ch := make(chan core.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec, "gpt-4o", keepAlive)
	if err := enc.Run(ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	return rec, enc
}

func frames(body string) []string {
	var out []string
	for _, f := range strings.Split(body, "\n\n") {
		if strings.HasPrefix(f, "data: ") {
			out = append(out, strings.TrimPrefix(f, "data: "))
		}
	}
	return out
}

func TestEncoderSuccessStream(t *testing.T) {
	rec, enc := run(t, 0,
		core.DeltaEvent("Hel", 0),
		core.DeltaEvent("lo", 0),
		core.CompletedEvent("stop", &core.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}),
	)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	fs := frames(rec.Body.String())
	if len(fs) != 4 {
		t.Fatalf("got %d frames, want 4: %v", len(fs), fs)
	}
	if fs[3] != "[DONE]" {
		t.Errorf("missing [DONE] sentinel, got %q", fs[3])
	}

	first := gjson.Parse(fs[0])
	if first.Get("object").String() != "chat.completion.chunk" {
		t.Errorf("object = %q", first.Get("object").String())
	}
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Error("first delta missing assistant role")
	}
	if got := first.Get("choices.0.delta.content").String(); got != "Hel" {
		t.Errorf("first content = %q", got)
	}
	if gjson.Parse(fs[1]).Get("choices.0.delta.role").Exists() {
		t.Error("role repeated on later delta")
	}

	finish := gjson.Parse(fs[2])
	if finish.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason frame: %s", fs[2])
	}
	if finish.Get("usage.total_tokens").Int() != 3 {
		t.Errorf("usage missing from finish frame: %s", fs[2])
	}

	for _, f := range fs[:3] {
		id := gjson.Parse(f).Get("id").String()
		if id != enc.ID() {
			t.Errorf("frame id %q != stream id %q", id, enc.ID())
		}
		if !strings.HasPrefix(id, "chatcmpl-") {
			t.Errorf("id %q missing chatcmpl prefix", id)
		}
	}
}

func TestEncoderFailureHasNoSentinel(t *testing.T) {
	rec, _ := run(t, 0,
		core.DeltaEvent("par", 0),
		core.FailedEvent(core.NewProviderError(0, "upstream died", nil)),
	)
	body := rec.Body.String()
	if strings.Contains(body, "[DONE]") {
		t.Error("failed stream must not emit [DONE]")
	}
	fs := frames(body)
	last := gjson.Parse(fs[len(fs)-1])
	if last.Get("error.message").String() != "upstream died" {
		t.Errorf("error frame = %s", fs[len(fs)-1])
	}
}

func TestEncoderKeepAlive(t *testing.T) {
	ch := make(chan core.StreamEvent)
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec, "gpt-4o", 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- enc.Run(ch) }()

	time.Sleep(50 * time.Millisecond)
	ch <- core.CompletedEvent("stop", nil)
	close(ch)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(rec.Body.String(), ": ping\n\n") {
		t.Error("no keep-alive comment on idle stream")
	}
}
