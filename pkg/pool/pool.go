// Package pool owns the server connections. A fixed slot array holds one
// session per slot; slots move between FREE, RESERVED and READY by atomic CAS
// only, so acquire and release never take a lock. A leased slot stays pinned
// to the host database handle that used it, which keeps session state like
// prepared statements and search_path valid across uses.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/lib/pq"

	"github.com/go-pkgz/syncs"
)

// ErrExhausted is returned when no slot becomes available within the acquire
// timeout. Callers surface it as a busy condition.
var ErrExhausted = errors.New("connection pool exhausted")

const (
	stateFree int32 = iota
	stateReserved
	stateReady
)

const (
	defaultSize           = 16
	maxSize               = 64
	defaultIdleTimeout    = 300 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	connectTimeout        = 5 * time.Second
	reapInterval          = time.Minute
	acquirePollInterval   = 10 * time.Millisecond

	// QueryTimeout caps any single server query. Sessions set it server-side
	// so a stuck query can't wedge the host application's thread.
	QueryTimeout = 10 * time.Second
)

type slot struct {
	state    atomic.Int32
	handle   atomic.Uint64 // host db handle this session is pinned to, 0 when unpinned
	lastUsed atomic.Int64  // unix nanos of the last query on this session

	// below are owned by whoever holds the slot in RESERVED state
	db       *sql.DB
	conn     *sql.Conn
	session  string
	prepared map[string]*sql.Stmt
}

// Pool is the fixed-size server connection pool. Fill the fields and call
// Start before the first Acquire.
type Pool struct {
	ConnString     string        // server connection string
	Schema         string        // search_path schema, empty to leave the server default
	Size           int           // slot count, default 16, capped at 64
	IdleTimeout    time.Duration // reaper closes READY sessions idle longer than this
	AcquireTimeout time.Duration // how long Acquire waits for a slot before ErrExhausted
	ReapHook       func()        // optional, runs on every reaper tick

	slots    []*slot
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start allocates the slots and launches the reaper.
func (p *Pool) Start() error {
	if p.ConnString == "" {
		return fmt.Errorf("no server connection string")
	}
	size := p.Size
	if size <= 0 {
		size = defaultSize
	}
	if size > maxSize {
		log.Printf("[WARN] pool size %d capped to %d", size, maxSize)
		size = maxSize
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = defaultIdleTimeout
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = defaultAcquireTimeout
	}

	p.slots = make([]*slot, size)
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.reaper()

	log.Printf("[DEBUG] connection pool started, %d slots, idle timeout %v", size, p.IdleTimeout)
	return nil
}

// Acquire leases a server session for the given host handle. It prefers the
// READY session already pinned to that handle, then opens a new session on a
// FREE slot, then re-pins any other idle READY session. When every slot is in
// use it waits up to AcquireTimeout before giving up with ErrExhausted.
func (p *Pool) Acquire(ctx context.Context, handle uint64) (*Conn, error) {
	if len(p.slots) == 0 {
		return nil, fmt.Errorf("pool not started")
	}

	deadline := time.Now().Add(p.AcquireTimeout)
	for {
		c, err := p.tryAcquire(ctx, handle)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no slot available for handle %d: %w", handle, ErrExhausted)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// tryAcquire makes one pass over the slots. It returns (nil, nil) when every
// slot is currently reserved.
func (p *Pool) tryAcquire(ctx context.Context, handle uint64) (*Conn, error) {
	// pass 1: the session already pinned to this handle
	for i, s := range p.slots {
		if s.state.Load() != stateReady || s.handle.Load() != handle {
			continue
		}
		if !s.state.CompareAndSwap(stateReady, stateReserved) {
			continue
		}
		return p.leaseIdle(ctx, i, s, handle)
	}

	// pass 1b: a warm session nobody claimed yet
	for i, s := range p.slots {
		if s.state.Load() != stateReady || s.handle.Load() != 0 {
			continue
		}
		if !s.state.CompareAndSwap(stateReady, stateReserved) {
			continue
		}
		return p.leaseIdle(ctx, i, s, handle)
	}

	// pass 2: open a fresh session on a free slot
	for i, s := range p.slots {
		if s.state.Load() != stateFree {
			continue
		}
		if !s.state.CompareAndSwap(stateFree, stateReserved) {
			continue
		}
		if err := p.open(ctx, i, s); err != nil {
			s.state.Store(stateFree)
			return nil, err
		}
		s.handle.Store(handle)
		return &Conn{Session: s.session, p: p, s: s, idx: i}, nil
	}

	// pass 3: re-pin an idle session that belonged to another handle
	for i, s := range p.slots {
		if s.state.Load() != stateReady {
			continue
		}
		if !s.state.CompareAndSwap(stateReady, stateReserved) {
			continue
		}
		return p.leaseIdle(ctx, i, s, handle)
	}

	return nil, nil
}

// leaseIdle pings a just-reserved idle session and hands it out. A dead
// session is reopened once; if that fails too the slot goes back to FREE.
func (p *Pool) leaseIdle(ctx context.Context, idx int, s *slot, handle uint64) (*Conn, error) {
	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := s.conn.PingContext(pctx); err != nil {
		log.Printf("[WARN] pool slot %d session %s is dead, reopening: %v", idx, s.session, err)
		p.dropSession(idx, s)
		if err = p.open(ctx, idx, s); err != nil {
			s.state.Store(stateFree)
			return nil, err
		}
	}
	s.handle.Store(handle)
	return &Conn{Session: s.session, p: p, s: s, idx: idx}, nil
}

// open dials the server for a reserved slot and prepares the session. The
// slot stays RESERVED; the caller decides the next state.
func (p *Pool) open(ctx context.Context, idx int, s *slot) error {
	db, err := sql.Open("postgres", p.ConnString)
	if err != nil {
		return fmt.Errorf("can't open server connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := db.Conn(pctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("can't reach server: %w", err)
	}

	if p.Schema != "" {
		q := fmt.Sprintf("SET search_path TO %s, public", pq.QuoteIdentifier(p.Schema))
		if _, err = conn.ExecContext(pctx, q); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return fmt.Errorf("can't set search_path: %w", err)
		}
	}
	if _, err = conn.ExecContext(pctx, fmt.Sprintf("SET statement_timeout = '%dms'", QueryTimeout.Milliseconds())); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return fmt.Errorf("can't set statement_timeout: %w", err)
	}

	s.db = db
	s.conn = conn
	s.session = uuid.New().String()
	s.prepared = map[string]*sql.Stmt{}
	s.handle.Store(0)
	s.lastUsed.Store(time.Now().UnixNano())
	log.Printf("[INFO] pool slot %d connected, session %s", idx, s.session)
	return nil
}

// dropSession closes the server connection of a reserved slot and clears its
// session state. The slot stays RESERVED.
func (p *Pool) dropSession(idx int, s *slot) {
	for _, st := range s.prepared {
		_ = st.Close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Printf("[WARN] pool slot %d session close: %v", idx, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("[WARN] pool slot %d close: %v", idx, err)
		}
	}
	s.db, s.conn, s.session, s.prepared = nil, nil, "", nil
	s.handle.Store(0)
}

// Warmup opens up to n sessions ahead of the first statement so connectivity
// problems show up at startup, not mid-query.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	if n > len(p.slots) {
		n = len(p.slots)
	}
	wg := syncs.NewErrSizedGroup(4, syncs.Context(ctx), syncs.Preemptive)
	for i := 0; i < n; i++ {
		wg.Go(func() error {
			c, err := p.Acquire(ctx, 0)
			if err != nil {
				return fmt.Errorf("warmup: %w", err)
			}
			c.Release()
			return nil
		})
	}
	return wg.Wait()
}

// ResetAfterFork forces every slot to FREE without touching the inherited
// descriptors, which still belong to the parent process. The child opens
// fresh sessions lazily.
func (p *Pool) ResetAfterFork() {
	abandoned := 0
	for _, s := range p.slots {
		if s.db != nil {
			abandoned++
		}
		s.db, s.conn, s.session, s.prepared = nil, nil, "", nil
		s.handle.Store(0)
		s.lastUsed.Store(0)
		s.state.Store(stateFree)
	}
	log.Printf("[INFO] connection pool reset after fork, %d sessions abandoned", abandoned)
}

// Close stops the reaper and closes every open session.
func (p *Pool) Close() error {
	if p.stop == nil {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done

	result := new(multierror.Error)
	for i, s := range p.slots {
		deadline := time.Now().Add(p.AcquireTimeout)
		for {
			st := s.state.Load()
			if st == stateReserved { // a statement still runs on it, wait for release
				if time.Now().After(deadline) {
					log.Printf("[WARN] pool slot %d still leased at close, closing anyway", i)
					break
				}
				time.Sleep(acquirePollInterval)
				continue
			}
			if s.state.CompareAndSwap(st, stateReserved) {
				break
			}
		}
		for _, st := range s.prepared {
			_ = st.Close()
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("slot %d session: %w", i, err))
			}
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("slot %d: %w", i, err))
			}
		}
		s.db, s.conn, s.session, s.prepared = nil, nil, "", nil
		s.handle.Store(0)
		s.state.Store(stateFree)
	}
	log.Printf("[DEBUG] connection pool closed")
	return result.ErrorOrNil()
}

func (p *Pool) reaper() {
	defer close(p.done)
	tk := time.NewTicker(reapInterval)
	defer tk.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-tk.C:
			p.reap()
			if p.ReapHook != nil {
				p.ReapHook()
			}
		}
	}
}

// reap closes READY sessions that have not run a query for IdleTimeout.
func (p *Pool) reap() {
	cutoff := time.Now().Add(-p.IdleTimeout).UnixNano()
	for i, s := range p.slots {
		if s.state.Load() != stateReady || s.lastUsed.Load() > cutoff {
			continue
		}
		if !s.state.CompareAndSwap(stateReady, stateReserved) {
			continue
		}
		if s.lastUsed.Load() > cutoff { // got used between the check and the CAS
			s.state.Store(stateReady)
			continue
		}
		sess := s.session
		p.dropSession(i, s)
		s.state.Store(stateFree)
		log.Printf("[DEBUG] pool slot %d reaped after idle timeout, session %s", i, sess)
	}
}

// Conn is a leased server session, exclusive to the caller until Release.
type Conn struct {
	Session string

	p        *Pool
	s        *slot
	idx      int
	released bool
}

// Exec runs a statement on the leased session and marks the slot used.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.released {
		return nil, fmt.Errorf("connection already released")
	}
	c.s.lastUsed.Store(time.Now().UnixNano())
	return c.s.conn.ExecContext(ctx, query, args...)
}

// Query runs a query on the leased session and marks the slot used.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.released {
		return nil, fmt.Errorf("connection already released")
	}
	c.s.lastUsed.Store(time.Now().UnixNano())
	return c.s.conn.QueryContext(ctx, query, args...)
}

// Prepare returns the session's server-side prepared statement registered
// under name, preparing it on first use. The statement stays usable for the
// life of the session, so later leases skip the prepare round trip.
func (c *Conn) Prepare(ctx context.Context, name, query string) (*sql.Stmt, error) {
	if c.released {
		return nil, fmt.Errorf("connection already released")
	}
	if st, ok := c.s.prepared[name]; ok {
		return st, nil
	}
	st, err := c.s.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.s.prepared[name] = st
	return st, nil
}

// Prepared reports whether a server-side prepared statement with this name
// already exists on the session.
func (c *Conn) Prepared(name string) bool {
	return !c.released && c.s.prepared[name] != nil
}

// ExecPrepared runs the named prepared statement and marks the slot used,
// preparing it first if the session doesn't hold it yet.
func (c *Conn) ExecPrepared(ctx context.Context, name, query string, args ...any) (sql.Result, error) {
	st, err := c.Prepare(ctx, name, query)
	if err != nil {
		return nil, err
	}
	c.s.lastUsed.Store(time.Now().UnixNano())
	return st.ExecContext(ctx, args...)
}

// QueryPrepared runs the named prepared statement as a query and marks the
// slot used, preparing it first if the session doesn't hold it yet.
func (c *Conn) QueryPrepared(ctx context.Context, name, query string, args ...any) (*sql.Rows, error) {
	st, err := c.Prepare(ctx, name, query)
	if err != nil {
		return nil, err
	}
	c.s.lastUsed.Store(time.Now().UnixNano())
	return st.QueryContext(ctx, args...)
}

// Release returns the session to the pool, keeping it pinned to its handle.
func (c *Conn) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.s.state.Store(stateReady)
}

// Discard closes the session and frees the slot. Use it when the connection
// is known broken and must not be reused.
func (c *Conn) Discard() {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.p.dropSession(c.idx, c.s)
	c.s.state.Store(stateFree)
}
