package rpc

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"modelgate/internal/session"
)

// wsFrameConn adapts a websocket connection to the frame transport.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (w *wsFrameConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsFrameConn) WriteFrame(ctx context.Context, frame []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, frame)
}

func (w *wsFrameConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// Upgrade accepts a websocket on an HTTP request and serves the JSON-RPC
// loop on it until either side closes. It blocks for the connection's
// lifetime, matching the handler model of the HTTP server it runs under.
// The connection is tracked in the session registry so shutdown can drain it.
func Upgrade(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher, reg *session.Registry, logger *slog.Logger) error {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Cross-origin policy is enforced by the gateway's own CORS layer
		// before the upgrade is reached.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	conn := NewConn(&wsFrameConn{conn: ws}, dispatcher, logger)
	if reg != nil {
		id, err := reg.Register(conn)
		if err != nil {
			ws.Close(websocket.StatusTryAgainLater, "gateway at capacity")
			return err
		}
		defer reg.Release(id)
	}

	conn.Serve(r.Context())
	return nil
}
