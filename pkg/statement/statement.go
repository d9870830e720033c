// Package statement implements shadow statements: the server-backed stand-ins
// for the host engine's prepared statements on redirected databases. A shadow
// translates the host's SQL, keeps it prepared server-side under a
// deterministic name, binds parameters, steps rows out of the server result
// or the result cache and serves column data with the host engine's
// conventions. One Manager serves every redirected handle in the process.
package statement

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-pkgz/stringutils"
	"github.com/lib/pq"

	"github.com/jabrown93/plex-postgresql/pkg/cache"
	"github.com/jabrown93/plex-postgresql/pkg/pool"
	"github.com/jabrown93/plex-postgresql/pkg/translator"
)

// sentinel errors the dispatch layer maps to the host engine's return codes
var (
	// ErrBusy marks transient server trouble: a timeout, a lost connection or
	// a serialization failure that survived the single retry.
	ErrBusy = errors.New("server busy")
	// ErrRange is returned for a bind index outside the parameter list.
	ErrRange = errors.New("bind index out of range")
	// ErrMisuse is returned for calls the statement lifecycle does not allow,
	// like stepping a finished statement without a reset.
	ErrMisuse = errors.New("statement misuse")
)

// MaxParamBytes caps a single bound parameter; larger values are truncated
// and logged.
const MaxParamBytes = 1 << 20

// DefaultFallbackLog collects SQL the server rejected, original and
// translated, for operator replay.
const DefaultFallbackLog = "/tmp/plex_pg_fallback.log"

// Manager prepares shadow statements and runs them over the connection pool,
// the result cache and the translator. Pool and Cache are required; Local is
// the embedded engine used when the server can't take a statement, nil
// disables that fallback.
type Manager struct {
	Pool        *pool.Pool
	Cache       *cache.Cache
	Local       LocalEngine
	FallbackLog string // rejected SQL log, default /tmp/plex_pg_fallback.log

	rings sync.Map // goroutine id -> *textRing
	fbMu  sync.Mutex
}

// Host is the per-database-handle state shared by all statements prepared on
// one redirected database: the pool pinning key and the counters the host
// application reads back after writes.
type Host struct {
	ID       uint64 // pool pinning key, issued by the registry
	Path     string // basename of the redirected database file
	ReadOnly bool   // host opened the database read-only

	lastInsertID atomic.Int64
	changes      atomic.Int64
	totalChanges atomic.Int64
}

// LastInsertID returns the id captured from the most recent insert.
func (h *Host) LastInsertID() int64 { return h.lastInsertID.Load() }

// Changes returns the row count of the most recent write.
func (h *Host) Changes() int64 { return h.changes.Load() }

// TotalChanges returns the accumulated row count of all writes on the handle.
func (h *Host) TotalChanges() int64 { return h.totalChanges.Load() }

// Stmt is a shadow statement. The host drives each statement from one thread
// at a time; the mutex covers the occasional stray cross-thread access.
type Stmt struct {
	mgr  *Manager
	host *Host

	origSQL string
	tr      translator.Result
	name    string // deterministic server-side prepared statement name

	local LocalStmt // set when prepare fell back to the embedded engine

	mu        sync.Mutex
	params    []param
	executed  bool // the write ran on the server
	done      bool
	finalized bool
	cols      []cache.Column
	res       *cache.Result
	cached    bool // res holds a cache reference
	cursor    int
	blobs     [][]byte
}

// Prepare translates the statement, makes sure the server session holds it
// prepared under its deterministic name and returns the shadow. Skip-class
// statements and writes against a read-only redirect never reach the server;
// they step straight to DONE with zero rows.
func (m *Manager) Prepare(ctx context.Context, host *Host, sqlText string) (*Stmt, error) {
	tr, terr := translator.Translate(sqlText)

	if tr.Class == translator.ClassSkip {
		log.Printf("[DEBUG] skip statement on %s: %s", host.Path, stringutils.Truncate(sqlText, 100))
		return m.newStmt(host, sqlText, tr), nil
	}
	if tr.Class == translator.ClassWrite && host.ReadOnly {
		log.Printf("[INFO] write on read-only redirect %s dropped: %s", host.Path, stringutils.Truncate(sqlText, 100))
		tr.Class = translator.ClassSkip
		return m.newStmt(host, sqlText, tr), nil
	}
	if terr != nil {
		if errors.Is(terr, translator.ErrUnsupported) && m.Local != nil {
			log.Printf("[WARN] no server translation, using embedded engine: %v", terr)
			return m.prepareLocal(ctx, host, sqlText, tr)
		}
		return nil, fmt.Errorf("can't translate statement: %w", terr)
	}

	name := stmtName(tr.SQL)
	conn, err := m.Pool.Acquire(ctx, host.ID)
	if err != nil {
		if m.Local != nil {
			log.Printf("[WARN] no server connection, using embedded engine: %v", err)
			return m.prepareLocal(ctx, host, sqlText, tr)
		}
		return nil, fmt.Errorf("can't get server connection: %w", err)
	}
	if _, err = conn.Prepare(ctx, name, tr.SQL); err != nil {
		releaseAfter(conn, err)
		m.logFallback(sqlText, tr.SQL, err, fallbackTag(tr.Class))
		if m.Local != nil {
			return m.prepareLocal(ctx, host, sqlText, tr)
		}
		return nil, fmt.Errorf("can't prepare %s on server: %w", name, err)
	}
	conn.Release()

	s := m.newStmt(host, sqlText, tr)
	s.name = name
	return s, nil
}

// Exec runs sql through the full shadow lifecycle, prepare to finalize. When
// fn is not nil it is called once per row with the column names and the text
// cells, nil cells for NULL; an error from fn stops the walk.
func (m *Manager) Exec(ctx context.Context, host *Host, sqlText string, fn func(cols []string, vals [][]byte) error) error {
	s, err := m.Prepare(ctx, host, sqlText)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := s.Finalize(); ferr != nil {
			log.Printf("[WARN] finalize after exec: %v", ferr)
		}
	}()

	for {
		row, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
		if fn == nil {
			continue
		}
		n := s.Count()
		cols := make([]string, n)
		vals := make([][]byte, n)
		for i := 0; i < n; i++ {
			cols[i] = s.Name(i)
			vals[i] = s.Text(i)
		}
		if err := fn(cols, vals); err != nil {
			return fmt.Errorf("exec row callback: %w", err)
		}
	}
}

func (m *Manager) newStmt(host *Host, sqlText string, tr translator.Result) *Stmt {
	return &Stmt{
		mgr:     m,
		host:    host,
		origSQL: sqlText,
		tr:      tr,
		params:  make([]param, tr.ParamCount),
		cursor:  -1,
	}
}

func (m *Manager) prepareLocal(ctx context.Context, host *Host, sqlText string, tr translator.Result) (*Stmt, error) {
	ls, err := m.Local.Prepare(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("can't prepare on embedded engine: %w", err)
	}
	log.Printf("[INFO] statement runs on the embedded engine: %s", stringutils.Truncate(sqlText, 100))
	s := m.newStmt(host, sqlText, tr)
	s.local = ls
	return s, nil
}

// Step advances the statement one row. It returns true while a row is
// available and false once the statement is done; stepping again after done
// is a misuse until the statement is reset.
func (s *Stmt) Step(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return false, fmt.Errorf("step on finalized statement: %w", ErrMisuse)
	}
	if s.done {
		return false, fmt.Errorf("step after done: %w", ErrMisuse)
	}

	if s.local != nil {
		row, err := s.local.Step(ctx)
		if err != nil {
			return false, fmt.Errorf("embedded step: %w", err)
		}
		if !row {
			s.done = true
			if s.tr.Class == translator.ClassWrite && !s.executed {
				s.executed = true
				affected, lastID := s.local.Result()
				if lastID != 0 {
					s.host.lastInsertID.Store(lastID)
				}
				s.host.changes.Store(affected)
				s.host.totalChanges.Add(affected)
			}
		}
		return row, nil
	}

	switch s.tr.Class {
	case translator.ClassSkip:
		s.done = true
		return false, nil
	case translator.ClassWrite:
		if !s.executed {
			if err := s.execWrite(ctx); err != nil {
				return false, err
			}
			s.executed = true
		}
		s.done = true
		return false, nil
	}

	if s.res == nil {
		if err := s.fetch(ctx); err != nil {
			return false, err
		}
	}
	s.cursor++
	if s.cursor < len(s.res.Rows) {
		return true, nil
	}
	s.done = true
	s.dropResult()
	return false, nil
}

// Reset rewinds the statement for another execution. The result and its
// cache reference go away, bound parameters stay in place.
func (s *Stmt) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("reset on finalized statement: %w", ErrMisuse)
	}
	if s.local != nil {
		s.done, s.executed = false, false
		if err := s.local.Reset(ctx); err != nil {
			return fmt.Errorf("embedded reset: %w", err)
		}
		return nil
	}
	s.dropResult()
	s.cursor = -1
	s.done, s.executed = false, false
	return nil
}

// Finalize releases everything the statement holds. Double finalize is a
// no-op; any other use after finalize is a misuse.
func (s *Stmt) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil
	}
	s.finalized = true
	s.dropResult()
	s.params, s.blobs, s.cols = nil, nil, nil
	if s.local != nil {
		if err := s.local.Finalize(); err != nil {
			return fmt.Errorf("embedded finalize: %w", err)
		}
	}
	return nil
}

// SQL returns the statement text as the host submitted it.
func (s *Stmt) SQL() string { return s.origSQL }

// ExpandedSQL returns the server-dialect text with the bound parameters
// inlined as literals, for diagnostics.
func (s *Stmt) ExpandedSQL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.tr.SQL
	if s.local != nil {
		out = s.origSQL
	}
	for i := len(s.params); i >= 1; i-- { // $12 before $1 so prefixes don't clobber
		slot := i
		if i <= len(s.tr.ServerSlots) {
			slot = s.tr.ServerSlots[i-1]
		}
		if slot == 0 { // dropped by translation, nothing to inline
			continue
		}
		p := s.params[i-1]
		lit := "NULL"
		switch {
		case !p.set || p.null:
		case p.binary:
			lit = fmt.Sprintf(`'\x%x'`, p.data)
		default:
			lit = pq.QuoteLiteral(string(p.data))
		}
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", slot), lit)
	}
	return out
}

// ReadOnly reports whether the statement can change the database.
func (s *Stmt) ReadOnly() bool { return s.tr.Class != translator.ClassWrite }

// Class returns the statement's routing class.
func (s *Stmt) Class() translator.Class { return s.tr.Class }

// ParamCount returns the number of parameters the host may bind.
func (s *Stmt) ParamCount() int { return s.tr.ParamCount }

// ParamIndex resolves a named parameter, sigil included, to its 1-based
// index; zero when the statement has no such name.
func (s *Stmt) ParamIndex(name string) int { return s.tr.ParamNames[name] }

// ParamName returns the name of parameter idx with its sigil, empty for
// positional parameters.
func (s *Stmt) ParamName(idx int) string {
	for n, i := range s.tr.ParamNames {
		if i == idx {
			return n
		}
	}
	return ""
}

// execWrite runs a write exactly once, captures the insert id from the
// returning row and updates the handle's change counters. One retry on a
// transient failure, then the busy condition surfaces.
func (s *Stmt) execWrite(ctx context.Context) error {
	insertID, affected, err := s.runWrite(ctx)
	if err != nil {
		if timedOut(err) {
			return fmt.Errorf("write timed out (%v): %w", err, ErrBusy)
		}
		if !transient(err) {
			s.mgr.logFallback(s.origSQL, s.tr.SQL, err, "WRITE")
			return fmt.Errorf("can't execute write: %w", err)
		}
		log.Printf("[WARN] transient server error, retrying write: %v", err)
		if insertID, affected, err = s.runWrite(ctx); err != nil {
			s.mgr.logFallback(s.origSQL, s.tr.SQL, err, "WRITE")
			return fmt.Errorf("write retry failed (%v): %w", err, ErrBusy)
		}
	}

	if insertID != 0 {
		s.host.lastInsertID.Store(insertID)
	}
	s.host.changes.Store(affected)
	s.host.totalChanges.Add(affected)
	log.Printf("[DEBUG] write done on %s, %d rows: %s", s.host.Path, affected, stringutils.Truncate(s.origSQL, 100))
	return nil
}

// runWrite executes the write on the pinned session. Inserts carry a
// RETURNING clause from the translator and run as queries so the new id
// comes back; everything else reports affected rows from the command tag.
func (s *Stmt) runWrite(ctx context.Context) (insertID, affected int64, err error) {
	conn, err := s.mgr.Pool.Acquire(ctx, s.host.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("can't get server connection: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, pool.QueryTimeout)
	defer cancel()

	if !strings.Contains(strings.ToUpper(s.tr.SQL), " RETURNING ") {
		res, eerr := conn.ExecPrepared(qctx, s.name, s.tr.SQL, s.args()...)
		if eerr != nil {
			releaseAfter(conn, eerr)
			return 0, 0, eerr
		}
		affected, _ = res.RowsAffected()
		conn.Release()
		return 0, affected, nil
	}

	rows, qerr := conn.QueryPrepared(qctx, s.name, s.tr.SQL, s.args()...)
	if qerr != nil {
		releaseAfter(conn, qerr)
		return 0, 0, qerr
	}
	defer rows.Close() // nolint

	cols, _ := rows.Columns()
	for rows.Next() {
		affected++
		if affected > 1 || len(cols) == 0 {
			continue
		}
		dests := make([]any, len(cols))
		var id sql.NullInt64
		dests[0] = &id
		for i := 1; i < len(dests); i++ {
			dests[i] = new(sql.RawBytes)
		}
		if serr := rows.Scan(dests...); serr == nil && id.Valid {
			insertID = id.Int64
		}
	}
	if rerr := rows.Err(); rerr != nil {
		releaseAfter(conn, rerr)
		return 0, 0, rerr
	}
	conn.Release()
	return insertID, affected, nil
}

// fetch puts the read's rows in place, from the cache or the server, leaving
// the cursor before the first row. The result is stored back into the cache
// when it fits the caps.
func (s *Stmt) fetch(ctx context.Context) error {
	key := s.fingerprint()
	if res := s.mgr.Cache.Lookup(key); res != nil {
		s.res, s.cached = res, true
		s.cols = append([]cache.Column(nil), res.Cols...)
		return nil
	}

	res, err := s.runRead(ctx)
	if err != nil {
		if timedOut(err) {
			return fmt.Errorf("read timed out (%v): %w", err, ErrBusy)
		}
		if !transient(err) {
			s.mgr.logFallback(s.origSQL, s.tr.SQL, err, "PREPARED READ")
			return fmt.Errorf("can't run read: %w", err)
		}
		log.Printf("[WARN] transient server error, retrying read: %v", err)
		if res, err = s.runRead(ctx); err != nil {
			s.mgr.logFallback(s.origSQL, s.tr.SQL, err, "PREPARED READ")
			return fmt.Errorf("read retry failed (%v): %w", err, ErrBusy)
		}
	}

	s.res, s.cached = res, false
	s.cols = append([]cache.Column(nil), res.Cols...)
	s.mgr.Cache.Store(key, res)
	return nil
}

// runRead executes the prepared read on the pinned session and captures the
// full result.
func (s *Stmt) runRead(ctx context.Context) (*cache.Result, error) {
	conn, err := s.mgr.Pool.Acquire(ctx, s.host.ID)
	if err != nil {
		return nil, fmt.Errorf("can't get server connection: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, pool.QueryTimeout)
	defer cancel()

	rows, err := conn.QueryPrepared(qctx, s.name, s.tr.SQL, s.args()...)
	if err != nil {
		releaseAfter(conn, err)
		return nil, err
	}
	defer rows.Close() // nolint

	res, err := capture(rows)
	if err != nil {
		releaseAfter(conn, err)
		return nil, err
	}
	conn.Release()
	return res, nil
}

// fingerprint keys the execution: normalized server SQL, every bound
// parameter in order, then the literals normalization extracted. A query
// with an inline number and the same query with that number bound land on
// the same key.
func (s *Stmt) fingerprint() uint64 {
	norm, lits := translator.Normalize(s.tr.SQL)
	ps := make([][]byte, 0, len(s.params)+len(lits))
	for i := range s.params {
		if !s.params[i].set || s.params[i].null {
			ps = append(ps, nil)
			continue
		}
		ps = append(ps, s.params[i].data)
	}
	ps = append(ps, lits...)
	return cache.Fingerprint(norm, ps)
}

// args materializes the bind slots for the server call: strings and numbers
// travel as text, blobs as bytes, unset slots as NULL. Only slots that
// survived translation go to the server; a neutralized predicate drops its
// operand from the wire while the host keeps binding it.
func (s *Stmt) args() []any {
	res := make([]any, s.tr.ServerParams)
	for i, slot := range s.tr.ServerSlots {
		if slot == 0 || i >= len(s.params) {
			continue
		}
		p := s.params[i]
		switch {
		case !p.set || p.null:
			res[slot-1] = nil
		case p.binary:
			res[slot-1] = p.data
		default:
			res[slot-1] = string(p.data)
		}
	}
	return res
}

// dropResult lets go of the current rows; a cached result gives its
// reference back, an owned one is simply dropped.
func (s *Stmt) dropResult() {
	if s.res == nil {
		return
	}
	if s.cached {
		s.res.Release()
	}
	s.res, s.cached = nil, false
}

// stmtName derives the deterministic server-side name of a translated
// statement. Equal SQL always lands under the same name, so sessions skip
// re-preparing what they already hold.
func stmtName(sql string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sql))
	return fmt.Sprintf("ps_%x", h.Sum64())
}

func fallbackTag(c translator.Class) string {
	if c == translator.ClassWrite {
		return "WRITE"
	}
	return "PREPARED READ"
}

// releaseAfter returns the lease, discarding the session when the error says
// the connection itself is broken.
func releaseAfter(conn *pool.Conn, err error) {
	if connBroken(err) {
		conn.Discard()
		return
	}
	conn.Release()
}

// connBroken reports errors that mean the server session is unusable.
func connBroken(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code.Class() == "08"
}

// transient reports server conditions worth the single retry: broken
// connections, resource pressure, serialization failures and deadlocks.
func transient(err error) bool {
	if connBroken(err) {
		return true
	}
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code.Class() == "53" || pe.Code == "40001" || pe.Code == "40P01"
}

// timedOut reports the driver or the server cancelled the query on deadline.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "57014"
}
