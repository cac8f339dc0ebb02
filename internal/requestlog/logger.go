package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Logger buffers entries and flushes them to the store in batches, off the
// request path. Record never blocks a request; when the buffer is full the
// entry is dropped with a warning.
type Logger struct {
	store  *Store
	buffer chan Entry
	done   chan struct{}
	wg     sync.WaitGroup
	slog   *slog.Logger

	flushInterval time.Duration
}

// Config tunes the async logger.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
}

// NewLogger starts the background flush loop. Callers own Close.
func NewLogger(store *Store, cfg Config, logger *slog.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:         store,
		buffer:        make(chan Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		slog:          logger,
		flushInterval: cfg.FlushInterval,
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Record queues one entry. Non-blocking. Nil receivers are tolerated so the
// request log can be disabled by simply not constructing one.
func (l *Logger) Record(e Entry) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case l.buffer <- e:
	default:
		l.slog.Warn("request log buffer full, dropping entry", "route", e.Route, "model", e.Model)
	}
}

// Close flushes remaining entries and closes the store.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	var pending []Entry
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.store.WriteBatch(ctx, pending); err != nil {
			l.slog.Error("flush request log", "error", err, "entries", len(pending))
		}
		cancel()
		pending = pending[:0]
	}

	for {
		select {
		case e := <-l.buffer:
			pending = append(pending, e)
			if len(pending) >= cap(l.buffer)/2 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is queued before exiting.
			for {
				select {
				case e := <-l.buffer:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
