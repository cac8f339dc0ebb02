package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"modelgate/internal/core"
	"modelgate/internal/requestlog"
	"modelgate/internal/session"
	"modelgate/internal/sse"
	"modelgate/internal/stream"
	"modelgate/internal/translate"
)

// ResponsesProxy is the provider surface the pass-through route needs.
// Bodies cross it verbatim in both directions.
type ResponsesProxy interface {
	Responses(ctx context.Context, body []byte) ([]byte, error)
	StreamResponses(ctx context.Context, body []byte) (io.ReadCloser, error)
}

// Handler serves the OpenAI-compatible routes and doubles as the completion
// backend for the RPC bridge.
type Handler struct {
	adapter   *stream.Adapter
	registry  *session.Registry
	defaults  translate.Defaults
	models    []string
	proxy     ResponsesProxy
	reqlog    *requestlog.Logger
	keepAlive time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// HandlerConfig collects handler wiring.
type HandlerConfig struct {
	Adapter   *stream.Adapter
	Registry  *session.Registry
	Defaults  translate.Defaults
	Models    []string
	Proxy     ResponsesProxy
	ReqLog    *requestlog.Logger
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// NewHandler builds the route handlers.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		adapter:   cfg.Adapter,
		registry:  cfg.Registry,
		defaults:  cfg.Defaults,
		models:    cfg.Models,
		proxy:     cfg.Proxy,
		reqlog:    cfg.ReqLog,
		keepAlive: cfg.KeepAlive,
		logger:    cfg.Logger,
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(c echo.Context) error {
	resp := core.ModelsResponse{Object: "list"}
	for _, id := range h.models {
		resp.Data = append(resp.Data, core.Model{ID: id, Object: "model"})
	}
	if resp.Data == nil {
		resp.Data = []core.Model{}
	}
	return c.JSON(http.StatusOK, resp)
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req core.ChatRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		// No provider call happens for a body we cannot parse.
		return handleError(c, core.NewValidationError("invalid request body: "+err.Error(), err))
	}

	prompt, err := translate.Translate(&req, h.defaults)
	if err != nil {
		return handleError(c, err)
	}

	if req.Stream {
		return h.streamCompletion(c, &req, prompt)
	}

	start := time.Now()
	resp, err := h.runCompletion(c.Request().Context(), prompt)
	h.record(c.Path(), prompt, resp, err, false, start)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Complete satisfies the RPC bridge's completion backend. Tool calls travel
// the same translate/open/collect path as REST callers.
func (h *Handler) Complete(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	prompt, err := translate.Translate(req, h.defaults)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := h.runCompletion(ctx, prompt)
	h.record("rpc/tools/call", prompt, resp, err, false, start)
	return resp, err
}

func (h *Handler) runCompletion(ctx context.Context, prompt *core.Prompt) (*core.ChatResponse, error) {
	// The slot is claimed first: a capacity refusal must not cost an
	// upstream provider call.
	res, err := h.registry.Reserve()
	if err != nil {
		return nil, err
	}
	defer res.Release()

	s, err := h.adapter.Open(ctx, prompt)
	if err != nil {
		return nil, err
	}
	res.Bind(s)

	text, finish, usage, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}

	resp := &core.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   prompt.Model,
		Choices: []core.Choice{{
			Index:        0,
			Message:      core.Message{Role: "assistant", Content: text},
			FinishReason: finish,
		}},
	}
	if usage != nil {
		resp.Usage = *usage
	}
	return resp, nil
}

func (h *Handler) streamCompletion(c echo.Context, req *core.ChatRequest, prompt *core.Prompt) error {
	ctx := c.Request().Context()
	res, err := h.registry.Reserve()
	if err != nil {
		return handleError(c, err)
	}
	defer res.Release()

	s, err := h.adapter.Open(ctx, prompt)
	if err != nil {
		return handleError(c, err)
	}
	res.Bind(s)
	defer s.Close()

	if h.metrics != nil {
		h.metrics.streams.Inc()
	}
	start := time.Now()
	enc := sse.NewEncoder(c.Response(), prompt.Model, h.keepAlive)
	if err := enc.Run(s.Events()); err != nil {
		// Headers are long gone; the disconnect is logged, not reported.
		h.logger.Debug("stream write failed, client likely disconnected", "error", err)
	}
	h.record(c.Path(), prompt, nil, nil, true, start)
	return nil
}

// Responses handles POST /v1/responses: a verbatim pass-through to the
// provider's Responses surface, streaming included. The gateway does not
// normalize the payload in either direction.
func (h *Handler) Responses(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, core.NewValidationError("failed to read request body", err))
	}

	if gjson.GetBytes(body, "stream").Bool() {
		return h.streamResponses(c, body)
	}

	raw, err := h.proxy.Responses(c.Request().Context(), body)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSONBlob(http.StatusOK, raw)
}

func (h *Handler) streamResponses(c echo.Context, body []byte) error {
	res, err := h.registry.Reserve()
	if err != nil {
		return handleError(c, err)
	}
	defer res.Release()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	rc, err := h.proxy.StreamResponses(ctx, body)
	if err != nil {
		return handleError(c, err)
	}
	defer rc.Close()

	relay := newRelaySession(cancel)
	defer relay.finish()
	res.Bind(relay)

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := resp.Write(buf[:n]); werr != nil {
				cancel()
				return nil
			}
			resp.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Warn("responses relay ended early", "error", err)
			}
			return nil
		}
	}
}

func (h *Handler) record(route string, prompt *core.Prompt, resp *core.ChatResponse, err error, streamed bool, start time.Time) {
	if h.reqlog == nil {
		return
	}
	entry := requestlog.Entry{
		Route:       route,
		Model:       prompt.Model,
		DurationNs:  time.Since(start).Nanoseconds(),
		Stream:      streamed,
		Fingerprint: requestlog.Fingerprint(prompt.Model, prompt.Messages),
		StatusCode:  http.StatusOK,
	}
	if resp != nil {
		entry.Usage = resp.Usage
	}
	if err != nil {
		var ge *core.GatewayError
		if errors.As(err, &ge) {
			entry.StatusCode = ge.HTTPStatusCode()
			entry.ErrorType = string(ge.Type)
		} else {
			entry.StatusCode = http.StatusInternalServerError
		}
	}
	h.reqlog.Record(entry)
}

// relaySession adapts the raw Responses relay to the registry's Canceller.
type relaySession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newRelaySession(cancel context.CancelFunc) *relaySession {
	return &relaySession{cancel: cancel, done: make(chan struct{})}
}

func (r *relaySession) Close()                { r.cancel() }
func (r *relaySession) Done() <-chan struct{} { return r.done }
func (r *relaySession) finish()               { close(r.done) }

// handleError converts gateway errors into the OpenAI-style error envelope.
func handleError(c echo.Context, err error) error {
	var ge *core.GatewayError
	if errors.As(err, &ge) {
		return c.JSON(ge.HTTPStatusCode(), ge.ToJSON())
	}
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
