package llmclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/internal/core"
)

func fastConfig(baseURL string) Config {
	cfg := DefaultConfig(baseURL)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestDoUnmarshalsResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("header setter not applied")
		}
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer ts.Close()

	c := New(fastConfig(ts.URL), func(req *http.Request) {
		req.Header.Set("X-Test", "yes")
	})

	var out struct {
		Value string `json:"value"`
	}
	if err := c.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/x"}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.Value != "ok" {
		t.Errorf("value = %q", out.Value)
	}
}

func TestDoRetriesOnRetryableStatus(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := New(fastConfig(ts.URL), nil)
	if err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/x", Body: map[string]int{"a": 1}}, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"message":"bad params"}}`))
	}))
	defer ts.Close()

	c := New(fastConfig(ts.URL), nil)
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/x"}, nil)
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Type != core.ErrorTypeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDoStreamReturnsBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept header = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: hello\n\n"))
	}))
	defer ts.Close()

	c := New(fastConfig(ts.URL), nil)
	rc, err := c.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/x"})
	if err != nil {
		t.Fatalf("do stream: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "data: hello\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestDoStreamErrorStatusNeverRetries(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"down"}}`))
	}))
	defer ts.Close()

	c := New(fastConfig(ts.URL), nil)
	_, err := c.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/x"})
	var ge *core.GatewayError
	if !errors.As(err, &ge) || ge.Type != core.ErrorTypeProvider {
		t.Fatalf("err = %v, want provider error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (streaming must not retry)", calls.Load())
	}
}

func TestDoStreamHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	c := New(fastConfig(ts.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.DoStream(ctx, Request{Method: http.MethodPost, Endpoint: "/x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRawBodyWinsOverBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"raw":true}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := New(fastConfig(ts.URL), nil)
	req := Request{
		Method:   http.MethodPost,
		Endpoint: "/x",
		Body:     map[string]bool{"marshaled": true},
		RawBody:  []byte(`{"raw":true}`),
	}
	if err := c.Do(context.Background(), req, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
}
