// Package session tracks in-flight completion streams so they can be
// cancelled individually or drained together at shutdown.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"modelgate/internal/core"
)

// Canceller is the slice of a stream the registry needs: a way to abort it
// and a way to know it has fully wound down.
type Canceller interface {
	Close()
	Done() <-chan struct{}
}

// Registry bounds and tracks concurrent sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Canceller
	limit    int
	closed   bool
	logger   *slog.Logger

	active  prometheus.Gauge
	refused prometheus.Counter
}

// NewRegistry creates a registry admitting at most limit concurrent
// sessions. A non-positive limit means unbounded.
func NewRegistry(limit int, logger *slog.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions: make(map[string]Canceller),
		limit:    limit,
		logger:   logger,
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_sessions_active",
			Help: "Number of in-flight completion sessions.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_sessions_refused_total",
			Help: "Sessions refused because the concurrency bound was reached.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.active, r.refused)
	}
	return r
}

// Reserve claims a session slot before the upstream call is opened, so a
// capacity refusal never costs a provider call. The caller binds the stream
// once it exists and releases the reservation when the session ends.
func (r *Registry) Reserve() (*Reservation, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, core.NewCapacityError("gateway is shutting down")
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		r.mu.Unlock()
		r.refused.Inc()
		return nil, core.NewCapacityError("too many concurrent sessions")
	}
	res := &Reservation{id: uuid.NewString(), reg: r, done: make(chan struct{})}
	r.sessions[res.id] = res
	r.active.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	r.logger.Debug("session registered", "session_id", res.id)
	return res, nil
}

// Register admits a session whose stream already exists. When the concurrency
// bound is reached the session is refused with a capacity error and the
// stream is closed on the caller's behalf.
func (r *Registry) Register(s Canceller) (string, error) {
	res, err := r.Reserve()
	if err != nil {
		s.Close()
		return "", err
	}
	res.Bind(s)
	return res.id, nil
}

// Release removes a finished session. Safe to call for ids already gone.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.active.Set(float64(len(r.sessions)))
	}
}

// Lookup returns the live session for id, if any.
func (r *Registry) Lookup(id string) (Canceller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Terminate cancels one session by id. Idempotent: unknown ids are a no-op,
// and the bool reports whether the id was live.
func (r *Registry) Terminate(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.active.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if ok {
		s.Close()
		r.logger.Debug("session terminated", "session_id", id)
	}
	return ok
}

// Len reports the live session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown cancels every live session and waits, bounded by ctx, for each to
// wind down. After Shutdown the registry refuses new registrations.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	remaining := make([]Canceller, 0, len(r.sessions))
	for id, s := range r.sessions {
		remaining = append(remaining, s)
		delete(r.sessions, id)
	}
	r.active.Set(0)
	r.mu.Unlock()

	for _, s := range remaining {
		s.Close()
	}
	for _, s := range remaining {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Info("all sessions drained", "count", len(remaining))
	return nil
}

// Reservation is a claimed session slot. It stands in for the stream until
// Bind attaches one, so Terminate and Shutdown work on reserved-but-unopened
// sessions too.
type Reservation struct {
	id  string
	reg *Registry

	mu     sync.Mutex
	stream Canceller
	closed bool
	once   sync.Once
	done   chan struct{}
}

// ID returns the session id backing the reservation.
func (res *Reservation) ID() string { return res.id }

// Bind attaches the opened stream. A reservation that was already cancelled
// closes the stream immediately instead of leaking it.
func (res *Reservation) Bind(s Canceller) {
	res.mu.Lock()
	closed := res.closed
	if !closed {
		res.stream = s
	}
	res.mu.Unlock()
	if closed {
		s.Close()
		return
	}
	go func() {
		<-s.Done()
		res.once.Do(func() { close(res.done) })
	}()
}

// Release frees the slot. Safe to call whether or not a stream was bound.
func (res *Reservation) Release() {
	res.reg.Release(res.id)
}

// Close aborts the session. Satisfies Canceller for the registry's own map.
func (res *Reservation) Close() {
	res.mu.Lock()
	res.closed = true
	s := res.stream
	res.mu.Unlock()
	if s != nil {
		s.Close()
		return
	}
	res.once.Do(func() { close(res.done) })
}

// Done is closed once the bound stream has wound down, or immediately when an
// unbound reservation is cancelled.
func (res *Reservation) Done() <-chan struct{} { return res.done }
