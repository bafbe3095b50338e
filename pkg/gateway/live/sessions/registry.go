// Package sessions tracks live voice connections for idle eviction and
// coordinated shutdown.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Conn identifies a live connection and allows the registry to force it
// closed. Implementations must be comparable; *websocket.Conn qualifies.
type Conn interface {
	Close() error
}

// Session is the authenticated identity bound to a connection.
type Session struct {
	UserID     string
	Email      string
	ChatID     int64
	LastActive time.Time
}

// Handle exposes per-connection operations to the registry.
type Handle struct {
	// Warn sends an out-of-band notice to the client, such as a shutdown
	// announcement. May be nil.
	Warn func(code, message string) error
}

type entry struct {
	session Session
	handle  Handle
	once    sync.Once
}

// Registry tracks authenticated sessions keyed by connection. A user has at
// most one registered connection; registering a second one closes the first.
type Registry struct {
	idleTimeout time.Duration
	now         func() time.Time

	onSweep func(evicted int)

	mu     sync.Mutex
	byConn map[Conn]*entry
	byUser map[string]Conn
	wg     sync.WaitGroup
}

// NewRegistry creates a registry that considers sessions idle after
// idleTimeout without activity.
func NewRegistry(idleTimeout time.Duration) *Registry {
	return &Registry{
		idleTimeout: idleTimeout,
		now:         time.Now,
		byConn:      make(map[Conn]*entry),
		byUser:      make(map[string]Conn),
	}
}

// SetNow overrides the clock, for tests.
func (r *Registry) SetNow(now func() time.Time) {
	r.now = now
}

// SetOnSweep installs a callback invoked with the eviction count after each
// sweep that removed at least one session. Must be set before Run starts.
func (r *Registry) SetOnSweep(fn func(evicted int)) {
	r.onSweep = fn
}

// Register binds an authenticated session to its connection and returns an
// unregister func. If the user already has a registered connection, that
// connection is closed and replaced.
func (r *Registry) Register(conn Conn, sess Session, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	sess.LastActive = r.now()
	e := &entry{session: sess, handle: h}

	r.mu.Lock()
	var superseded Conn
	var supersededWarn func(code, message string) error
	if prev, ok := r.byUser[sess.UserID]; ok && prev != conn {
		superseded = prev
		if old := r.byConn[prev]; old != nil {
			supersededWarn = old.handle.Warn
		}
	}
	if old := r.byConn[conn]; old != nil {
		// Same connection re-registering; retire the old entry.
		delete(r.byUser, old.session.UserID)
		r.release(conn, old)
	}
	r.byConn[conn] = e
	r.byUser[sess.UserID] = conn
	r.wg.Add(1)
	r.mu.Unlock()

	if superseded != nil {
		if supersededWarn != nil {
			_ = supersededWarn("superseded", "Signed in from another connection")
		}
		r.Remove(superseded)
		_ = superseded.Close()
	}

	return func() { r.Remove(conn) }
}

// Remove unregisters the connection. Safe to call for connections that were
// never registered, or more than once.
func (r *Registry) Remove(conn Conn) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.byConn[conn]
	if e != nil {
		if r.byUser[e.session.UserID] == conn {
			delete(r.byUser, e.session.UserID)
		}
		r.release(conn, e)
	}
	r.mu.Unlock()
}

// release drops the byConn entry and settles the wait group exactly once.
// Callers must hold r.mu.
func (r *Registry) release(conn Conn, e *entry) {
	delete(r.byConn, conn)
	e.once.Do(r.wg.Done)
}

// Touch refreshes the session's last-active time and returns a snapshot of
// it. The second result is false when the connection is not registered.
func (r *Registry) Touch(conn Conn) (Session, bool) {
	if r == nil {
		return Session{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byConn[conn]
	if e == nil {
		return Session{}, false
	}
	e.session.LastActive = r.now()
	return e.session, true
}

// Sweep evicts sessions idle longer than the registry's timeout, closing
// their connections, and returns how many were evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r == nil {
		return 0
	}

	var expired []Conn
	r.mu.Lock()
	for conn, e := range r.byConn {
		if now.Sub(e.session.LastActive) > r.idleTimeout {
			expired = append(expired, conn)
		}
	}
	for _, conn := range expired {
		e := r.byConn[conn]
		if r.byUser[e.session.UserID] == conn {
			delete(r.byUser, e.session.UserID)
		}
		r.release(conn, e)
	}
	r.mu.Unlock()

	for _, conn := range expired {
		_ = conn.Close()
	}
	if len(expired) > 0 && r.onSweep != nil {
		r.onSweep(len(expired))
	}
	return len(expired)
}

// Run sweeps on the given interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// WarnAll sends a notice to every registered session that has a Warn handler.
func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}

	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.byConn {
		if e.handle.Warn == nil {
			continue
		}
		warns = append(warns, e.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CloseAll force-closes every registered connection.
func (r *Registry) CloseAll() (closed int) {
	if r == nil {
		return 0
	}

	var conns []Conn
	r.mu.Lock()
	for conn := range r.byConn {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
		r.Remove(conn)
		closed++
	}
	return closed
}

// Wait blocks until every registered session has been removed, or ctx is
// done. It reports whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
