package rpc

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
)

// stdioFrameConn frames JSON-RPC messages as newline-delimited JSON over a
// reader/writer pair, normally the process's stdin and stdout.
type stdioFrameConn struct {
	r       *bufio.Reader
	w       io.Writer
	writeMu sync.Mutex
	closer  io.Closer
}

func (s *stdioFrameConn) ReadFrame(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.r.ReadBytes('\n')
		ch <- result{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.line, nil
	}
}

func (s *stdioFrameConn) WriteFrame(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	_, err := s.w.Write([]byte{'\n'})
	return err
}

func (s *stdioFrameConn) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ServeStdio runs the dispatch loop over a stream pair until EOF or ctx
// cancellation. It reuses the exact connection machinery the websocket
// transport uses, so both surfaces behave identically.
func ServeStdio(ctx context.Context, r io.Reader, w io.Writer, dispatcher Dispatcher, logger *slog.Logger) {
	fc := &stdioFrameConn{r: bufio.NewReader(r), w: w}
	if c, ok := r.(io.Closer); ok {
		fc.closer = c
	}
	conn := NewConn(fc, dispatcher, logger)
	conn.Serve(ctx)
}
