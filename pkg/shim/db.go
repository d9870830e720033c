package shim

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-pkgz/stringutils"

	"github.com/jabrown93/plex-postgresql/pkg/statement"
	"github.com/jabrown93/plex-postgresql/pkg/translator"
)

// DB is a host-visible database handle. A redirected path carries a server
// host and its statement manager next to the native side; everything else is
// a pure pass-through. redirected marks a path from the redirect list whose
// shadow side is off, where the native write API must not touch the stale
// local file.
type DB struct {
	id         uint64
	path       string
	native     NativeConn
	host       *statement.Host    // nil on pass-through handles
	mgr        *statement.Manager // set together with host
	redirected bool

	mu   sync.Mutex
	code Code
	msg  string

	// pass-through write counters, the shadow ones live on host
	lastID  atomic.Int64
	changes atomic.Int64
	total   atomic.Int64
}

// fail records the failure on the handle and returns its code.
func (d *DB) fail(code Code, err error) Code {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.code = code
	d.msg = err.Error()
	return code
}

func (d *DB) errState() (Code, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msg == "" {
		return d.code, d.code.String()
	}
	return d.code, d.msg
}

// applyResult folds a finished native write into the handle counters.
func (d *DB) applyResult(affected, lastID int64) {
	d.changes.Store(affected)
	d.total.Add(affected)
	if lastID != 0 {
		d.lastID.Store(lastID)
	}
}

// Open opens path through the shim. Paths from the redirect list get a
// server-backed shadow side; everything else passes through to the native
// engine.
func (e *Engine) Open(path string) (uint64, Code) {
	return e.OpenV2(path, 0, "")
}

// OpenV2 opens path with the engine's open flags. Only the read-only bit
// changes shim behavior, the rest ride through to the native side.
func (e *Engine) OpenV2(path string, flags int, _ string) (uint64, Code) {
	guarded := e.guard.Enter()
	if guarded {
		defer e.guard.Leave()
	}

	nat, err := e.native.Open(path)
	if err != nil {
		log.Printf("[WARN] can't open %s natively: %v", path, err)
		return 0, Error
	}
	d := &DB{path: path, native: nat}

	if guarded && e.set.ShouldRedirect(path) {
		if e.set.ReadEnabled {
			d.host = &statement.Host{Path: path, ReadOnly: flags&OpenReadOnly != 0}
			d.mgr = &statement.Manager{Pool: e.pool, Cache: e.cache, Local: nat}
		} else {
			d.redirected = true
			log.Printf("[INFO] reads disabled, %s stays native", path)
		}
	}

	d.id = e.dbs.Register(d)
	if d.host != nil {
		d.host.ID = d.id
		log.Printf("[INFO] redirecting %s, handle %d", path, d.id)
	}
	return d.id, OK
}

// Close tears down a database handle. Statements prepared on it keep their
// own state and are finalized by the host in its own time.
func (e *Engine) Close(db uint64) Code {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return Misuse
	}
	e.dbs.Unregister(db)
	if err := d.native.Close(); err != nil {
		log.Printf("[WARN] can't close native side of %s: %v", d.path, err)
	}
	if d.host != nil {
		log.Printf("[DEBUG] closed redirected %s, handle %d", d.path, db)
	}
	return OK
}

// CloseV2 matches Close. Nothing needs deferring: statements hold no server
// resources between calls.
func (e *Engine) CloseV2(db uint64) Code { return e.Close(db) }

// Changes reports the rows affected by the last completed write on the
// handle.
func (e *Engine) Changes(db uint64) int64 {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return 0
	}
	if d.host != nil {
		return d.host.Changes()
	}
	return d.changes.Load()
}

// TotalChanges reports the rows affected by all writes on the handle.
func (e *Engine) TotalChanges(db uint64) int64 {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return 0
	}
	if d.host != nil {
		return d.host.TotalChanges()
	}
	return d.total.Load()
}

// LastInsertRowid reports the row id produced by the last insert on the
// handle.
func (e *Engine) LastInsertRowid(db uint64) int64 {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return 0
	}
	if d.host != nil {
		return d.host.LastInsertID()
	}
	return d.lastID.Load()
}

// Errmsg returns the message of the most recent failure on the handle.
func (e *Engine) Errmsg(db uint64) string {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return Misuse.String()
	}
	_, msg := d.errState()
	return msg
}

// Errcode returns the code of the most recent failure on the handle.
func (e *Engine) Errcode(db uint64) int {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return int(Misuse)
	}
	code, _ := d.errState()
	return int(code)
}

// ExtendedErrcode matches Errcode; the shim issues no extended codes.
func (e *Engine) ExtendedErrcode(db uint64) int { return e.Errcode(db) }

// CreateCollation acknowledges host collation registration. Ordering on the
// shadow side is the server's business, so there is nothing to register; the
// native side of this rendition has no registration surface either.
func (e *Engine) CreateCollation(db uint64, name string) Code {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return Misuse
	}
	if d.host != nil {
		log.Printf("[DEBUG] collation %s ignored on redirected %s", name, d.path)
	}
	return OK
}

// Exec runs every statement in sqlText in order, invoking fn for each result
// row with textual values. It stops at the first failing statement and
// reports its code; fn may be nil.
func (e *Engine) Exec(db uint64, sqlText string, fn func(cols []string, vals [][]byte) error) Code {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return Misuse
	}
	guarded := e.guard.Enter()
	if guarded {
		defer e.guard.Leave()
	}

	for rest := sqlText; ; {
		var piece string
		piece, rest = splitSQL(rest)
		if strings.TrimSpace(piece) != "" {
			var code Code
			if d.host != nil && guarded {
				code = e.execShadow(d, piece, fn)
			} else {
				code = e.execNative(d, piece, fn)
			}
			if code != OK {
				return code
			}
		}
		if rest == "" {
			return OK
		}
	}
}

func (e *Engine) execShadow(d *DB, piece string, fn func([]string, [][]byte) error) Code {
	if err := d.mgr.Exec(context.Background(), d.host, piece, fn); err != nil {
		return d.fail(codeFor(err), err)
	}
	return OK
}

func (e *Engine) execNative(d *DB, piece string, fn func([]string, [][]byte) error) Code {
	class := translator.Classify(piece)
	if d.redirected && class == translator.ClassWrite {
		return d.fail(ReadOnly, fmt.Errorf("native write to redirected %s refused: %s",
			d.path, stringutils.Truncate(piece, 100)))
	}

	ls, err := d.native.Prepare(context.Background(), piece)
	if err != nil {
		return d.fail(Error, err)
	}
	defer func() {
		if ferr := ls.Finalize(); ferr != nil {
			log.Printf("[WARN] finalize after native exec: %v", ferr)
		}
	}()

	for {
		row, err := ls.Step(context.Background())
		if err != nil {
			return d.fail(codeFor(err), err)
		}
		if !row {
			break
		}
		if fn == nil {
			continue
		}
		n := ls.ColumnCount()
		cols := make([]string, n)
		vals := make([][]byte, n)
		for i := 0; i < n; i++ {
			cols[i] = ls.ColumnName(i)
			vals[i] = ls.ColumnText(i)
		}
		if err := fn(cols, vals); err != nil {
			return d.fail(Error, fmt.Errorf("exec row callback: %w", err))
		}
	}
	if class == translator.ClassWrite {
		d.applyResult(ls.Result())
	}
	return OK
}

// splitSQL cuts sql at the first top-level statement boundary. Quoted runs,
// bracket identifiers and comments never end a statement.
func splitSQL(s string) (first, tail string) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"', '`':
			i = skipQuoted(s, i) - 1
		case '[':
			for i < len(s) && s[i] != ']' {
				i++
			}
		case '-':
			if i+1 < len(s) && s[i+1] == '-' {
				for i < len(s) && s[i] != '\n' {
					i++
				}
			}
		case '/':
			if i+1 < len(s) && s[i+1] == '*' {
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return s, ""
				}
				i += 2 + end + 1
			}
		case ';':
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// skipQuoted returns the index right after the quoted run starting at i,
// honoring doubled-quote escapes.
func skipQuoted(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}
