package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
)

// FrameConn is a duplex frame transport. Implementations: websocket and
// stdio.
type FrameConn interface {
	// ReadFrame blocks for the next inbound frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one outbound frame. Callers serialize writes.
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Conn runs the dispatch loop for one connection. Correlation ids are scoped
// to the connection: two connections may use the same ids without ever
// seeing each other's responses, because each Conn owns its transport and
// its pending map outright.
type Conn struct {
	fc         FrameConn
	dispatcher Dispatcher
	logger     *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]context.CancelFunc

	// closeCtx is created up front so Close can be called from any goroutine
	// without racing Serve.
	closeCtx context.Context
	closeFn  context.CancelFunc
	done     chan struct{}
}

// NewConn wraps a transport. Call Serve to start the loop.
func NewConn(fc FrameConn, dispatcher Dispatcher, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	closeCtx, closeFn := context.WithCancel(context.Background())
	return &Conn{
		fc:         fc,
		dispatcher: dispatcher,
		logger:     logger,
		pending:    make(map[string]context.CancelFunc),
		closeCtx:   closeCtx,
		closeFn:    closeFn,
		done:       make(chan struct{}),
	}
}

// Serve reads frames until the transport closes or ctx ends. Each request is
// dispatched on its own goroutine so one slow call never stalls the
// connection's read loop, let alone other connections. Teardown cancels all
// in-flight dispatches and releases their state.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.closeCtx, cancel)
	defer stop()
	defer close(c.done)
	defer c.fc.Close()
	defer c.cancelAll()

	for {
		frame, err := c.fc.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("rpc connection closed", "error", err)
			}
			return
		}
		c.handleFrame(ctx, frame)
	}
}

// Close tears the connection down. Idempotent; satisfies the session
// registry's Canceller.
func (c *Conn) Close() {
	c.closeFn()
	c.fc.Close()
}

// Done is closed once the serve loop has fully exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) handleFrame(ctx context.Context, frame []byte) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return
	}
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		// Echo back whatever id survives the malformed frame, if any.
		id := json.RawMessage("null")
		if raw := gjson.GetBytes(frame, "id").Raw; raw != "" {
			id = json.RawMessage(raw)
		}
		c.write(ctx, NewError(id, CodeParseError, "parse error"))
		return
	}
	if req.Method == "" {
		// Parseable JSON that is not a request gets the invalid-request
		// code, not the parse error reserved for broken JSON.
		id := req.ID
		if len(id) == 0 {
			id = json.RawMessage("null")
		}
		c.write(ctx, NewError(id, CodeInvalidRequest, "invalid request"))
		return
	}

	if req.Method == "notifications/cancelled" || req.Method == "$/cancelRequest" {
		c.cancelPending(gjson.GetBytes(req.Params, "requestId").Raw, gjson.GetBytes(req.Params, "id").Raw)
		return
	}

	var reqCtx context.Context
	var release func()
	if req.IsNotification() {
		reqCtx, release = ctx, func() {}
	} else {
		reqCtx, release = c.track(ctx, string(req.ID))
	}

	go func() {
		defer release()
		resp := c.dispatcher.Dispatch(reqCtx, &req)
		if resp != nil {
			c.write(ctx, resp)
		}
	}()
}

// track registers an in-flight request so a later cancellation notification
// can abort it. Returns the request context and a release func.
func (c *Conn) track(ctx context.Context, id string) (context.Context, func()) {
	reqCtx, cancel := context.WithCancel(ctx)
	c.pendingMu.Lock()
	c.pending[id] = cancel
	c.pendingMu.Unlock()
	return reqCtx, func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		cancel()
	}
}

func (c *Conn) cancelPending(ids ...string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if cancel, ok := c.pending[id]; ok {
			cancel()
		}
	}
}

func (c *Conn) cancelAll() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, cancel := range c.pending {
		cancel()
		delete(c.pending, id)
	}
}

func (c *Conn) write(ctx context.Context, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("marshal rpc response", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fc.WriteFrame(ctx, payload); err != nil && ctx.Err() == nil {
		c.logger.Debug("write rpc frame", "error", err)
	}
}
