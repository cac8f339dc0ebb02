package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modelgate/internal/core"
	"modelgate/internal/policy"
	"modelgate/internal/rpc"
	"modelgate/internal/session"
	"modelgate/internal/stream"
	"modelgate/internal/translate"
)

// hangingProvider emits one delta and then holds the stream open until its
// context is cancelled, signalling the cancellation for assertions.
type hangingProvider struct {
	cancelled chan struct{}
}

func (p *hangingProvider) OpenCompletion(ctx context.Context, prompt *core.Prompt) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"},\"finish_reason\":null}]}\n\n"))
		<-ctx.Done()
		close(p.cancelled)
		pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (p *hangingProvider) WireAPI() string { return "chat" }

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	pol, err := policy.Resolve(policy.Raw{BindAddress: "127.0.0.1", Port: 8090, NoAuth: true})
	if err != nil {
		t.Fatalf("resolve policy: %v", err)
	}
	provider := &hangingProvider{cancelled: make(chan struct{})}
	registry := session.NewRegistry(4, nil, nil)
	handler := NewHandler(HandlerConfig{
		Adapter:  stream.NewAdapter(provider, stream.Config{}, nil),
		Registry: registry,
		Defaults: translate.Defaults{Model: "gpt-4o"},
	})
	dispatcher := rpc.NewDispatcher(handler, "modelgate", "test", nil)
	srv := New(pol, Config{Mode: ModeOpenAI}, handler, dispatcher, registry, prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	// Read the first frame so the stream is known to be live, then walk away.
	br := bufio.NewReader(resp.Body)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	cancel()

	select {
	case <-provider.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream call not cancelled after client disconnect")
	}

	// The registry entry goes away once the handler unwinds.
	deadline := time.Now().Add(5 * time.Second)
	for registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still lists %d sessions", registry.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownCancelsLiveStreams(t *testing.T) {
	pol, err := policy.Resolve(policy.Raw{BindAddress: "127.0.0.1", Port: 8090, NoAuth: true})
	if err != nil {
		t.Fatalf("resolve policy: %v", err)
	}
	provider := &hangingProvider{cancelled: make(chan struct{})}
	registry := session.NewRegistry(4, nil, nil)
	handler := NewHandler(HandlerConfig{
		Adapter:  stream.NewAdapter(provider, stream.Config{}, nil),
		Registry: registry,
		Defaults: translate.Defaults{Model: "gpt-4o"},
	})
	dispatcher := rpc.NewDispatcher(handler, "modelgate", "test", nil)
	srv := New(pol, Config{Mode: ModeOpenAI}, handler, dispatcher, registry, prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("read first frame: %v", err)
	}

	// Shutdown must cancel the live upstream call and drain the registry
	// within its deadline, not wait behind the still-running handler.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-provider.cancelled:
	case <-time.After(time.Second):
		t.Fatal("upstream provider call was never cancelled by shutdown")
	}
	if n := registry.Len(); n != 0 {
		t.Errorf("registry still lists %d sessions after shutdown", n)
	}
}
