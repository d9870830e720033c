package shim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-pkgz/stringutils"

	"github.com/jabrown93/plex-postgresql/pkg/statement"
	"github.com/jabrown93/plex-postgresql/pkg/translator"
)

// Stmt is a host-visible statement handle. Exactly one of shadow and native
// is set; the nil side tells the dispatcher which engine owns the statement.
type Stmt struct {
	db     *DB
	shadow *statement.Stmt     // server-backed variant
	native statement.LocalStmt // pass-through variant
	sql    string
	class  translator.Class
	params int            // native-side parameter count
	names  map[string]int // native-side parameter name to index

	mu      sync.Mutex
	onRow   bool     // native cursor sits on a row
	counted bool     // native write already folded into the handle counters
	vals    []uint64 // value handles minted from this statement's cells
}

// Prepare compiles the first statement of sqlText on db and returns its
// handle together with the unconsumed tail. Redirected handles compile
// against the server; guard overflow and pass-through handles go native.
func (e *Engine) Prepare(db uint64, sqlText string) (stmt uint64, tail string, code Code) {
	d, ok := e.dbs.Lookup(db)
	if !ok {
		return 0, "", Misuse
	}
	first, rest := splitSQL(sqlText)
	if strings.TrimSpace(first) == "" {
		return 0, rest, OK
	}

	if d.host == nil || !e.guard.HasHeadroom() || !e.guard.Enter() {
		st, code := e.prepareNative(d, first)
		return st, rest, code
	}
	defer e.guard.Leave()

	sh, err := d.mgr.Prepare(context.Background(), d.host, first)
	if err != nil {
		return 0, rest, d.fail(codeFor(err), err)
	}
	s := &Stmt{db: d, shadow: sh, sql: first, class: sh.Class()}
	return e.stmts.Register(s), rest, OK
}

func (e *Engine) prepareNative(d *DB, first string) (uint64, Code) {
	class := translator.Classify(first)
	if d.redirected && class == translator.ClassWrite {
		return 0, d.fail(ReadOnly, fmt.Errorf("native write to redirected %s refused: %s",
			d.path, stringutils.Truncate(first, 100)))
	}
	ls, err := d.native.Prepare(context.Background(), first)
	if err != nil {
		return 0, d.fail(Error, err)
	}
	s := &Stmt{db: d, native: ls, sql: first, class: class}
	if tr, err := translator.Translate(first); err == nil {
		s.names = tr.ParamNames
		s.params = tr.ParamCount
	}
	return e.stmts.Register(s), OK
}

// code runs the variant-appropriate mutating call and folds its error into
// the handle's error state. Guard overflow forces the native side; a
// shadow-only statement reports a plain error there.
func (s *Stmt) code(e *Engine, shadow func(*statement.Stmt) error, native func(statement.LocalStmt) error) Code {
	if s.shadow == nil || !e.guard.Enter() {
		if s.native == nil {
			return Error
		}
		if err := native(s.native); err != nil {
			return s.db.fail(codeFor(err), err)
		}
		return OK
	}
	defer e.guard.Leave()
	if err := shadow(s.shadow); err != nil {
		return s.db.fail(codeFor(err), err)
	}
	return OK
}

// onStmt dispatches a read-only accessor to the statement's variant. Guard
// overflow forces the native side; a shadow-only statement answers the zero
// value there.
func onStmt[T any](e *Engine, handle uint64, shadow func(*statement.Stmt) T, native func(statement.LocalStmt) T) T {
	var zero T
	s, ok := e.stmts.Lookup(handle)
	if !ok {
		return zero
	}
	if s.shadow == nil || !e.guard.Enter() {
		if s.native == nil {
			return zero
		}
		return native(s.native)
	}
	defer e.guard.Leave()
	return shadow(s.shadow)
}

// BindNull binds NULL to the 1-based parameter idx.
func (e *Engine) BindNull(stmt uint64, idx int) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.BindNull(idx) },
		func(l statement.LocalStmt) error { return l.BindNull(idx) })
}

// BindInt binds v to the 1-based parameter idx.
func (e *Engine) BindInt(stmt uint64, idx int, v int) Code {
	return e.BindInt64(stmt, idx, int64(v))
}

// BindInt64 binds v to the 1-based parameter idx.
func (e *Engine) BindInt64(stmt uint64, idx int, v int64) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.BindInt64(idx, v) },
		func(l statement.LocalStmt) error { return l.BindInt64(idx, v) })
}

// BindDouble binds v to the 1-based parameter idx.
func (e *Engine) BindDouble(stmt uint64, idx int, v float64) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.BindFloat64(idx, v) },
		func(l statement.LocalStmt) error { return l.BindFloat64(idx, v) })
}

// BindText binds v to the 1-based parameter idx.
func (e *Engine) BindText(stmt uint64, idx int, v string) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.BindText(idx, []byte(v)) },
		func(l statement.LocalStmt) error { return l.BindText(idx, []byte(v)) })
}

// BindBlob binds v, which may be nil, to the 1-based parameter idx.
func (e *Engine) BindBlob(stmt uint64, idx int, v []byte) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.BindBlob(idx, v) },
		func(l statement.LocalStmt) error { return l.BindBlob(idx, v) })
}

// BindZeroBlob binds an n-byte run of zeros to the 1-based parameter idx.
func (e *Engine) BindZeroBlob(stmt uint64, idx, n int) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.BindZeroBlob(idx, n) },
		func(l statement.LocalStmt) error { return l.BindBlob(idx, make([]byte, n)) })
}

// ClearBindings resets every parameter of the statement to NULL.
func (e *Engine) ClearBindings(stmt uint64) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.ClearBindings() },
		func(l statement.LocalStmt) error { return l.ClearBindings() })
}

// BindParameterCount reports the number of parameters in the statement.
func (e *Engine) BindParameterCount(stmt uint64) int {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return 0
	}
	if s.shadow != nil {
		return s.shadow.ParamCount()
	}
	return s.params
}

// BindParameterIndex reports the 1-based index of the named parameter, 0
// when the name is unknown. The name includes its sigil.
func (e *Engine) BindParameterIndex(stmt uint64, name string) int {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return 0
	}
	if s.shadow != nil {
		return s.shadow.ParamIndex(name)
	}
	return s.names[name]
}

// BindParameterName reports the name of the 1-based parameter idx, empty for
// positional parameters.
func (e *Engine) BindParameterName(stmt uint64, idx int) string {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return ""
	}
	if s.shadow != nil {
		return s.shadow.ParamName(idx)
	}
	for name, i := range s.names {
		if i == idx {
			return name
		}
	}
	return ""
}

// Step advances the statement. Row means a result row is ready, Done means
// the statement finished; any value handles minted from the previous row die
// with the move.
func (e *Engine) Step(stmt uint64) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	e.dropValues(s)

	if s.shadow == nil || !e.guard.Enter() {
		return e.stepNative(s)
	}
	defer e.guard.Leave()

	row, err := s.shadow.Step(context.Background())
	if err != nil {
		return s.db.fail(codeFor(err), err)
	}
	if row {
		return Row
	}
	return Done
}

func (e *Engine) stepNative(s *Stmt) Code {
	if s.native == nil {
		return Error
	}
	row, err := s.native.Step(context.Background())
	if err != nil {
		return s.db.fail(codeFor(err), err)
	}
	s.mu.Lock()
	s.onRow = row
	if !row && s.class == translator.ClassWrite && !s.counted {
		s.counted = true
		s.db.applyResult(s.native.Result())
	}
	s.mu.Unlock()
	if row {
		return Row
	}
	return Done
}

// Reset rewinds the statement for another run, keeping its bindings.
func (e *Engine) Reset(stmt uint64) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	e.dropValues(s)
	s.mu.Lock()
	s.onRow = false
	s.counted = false
	s.mu.Unlock()
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.Reset(context.Background()) },
		func(l statement.LocalStmt) error { return l.Reset(context.Background()) })
}

// Finalize destroys the statement. The handle is dead on return no matter
// what the underlying engine reported.
func (e *Engine) Finalize(stmt uint64) Code {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return Misuse
	}
	e.dropValues(s)
	e.stmts.Unregister(stmt)
	return s.code(e,
		func(sh *statement.Stmt) error { return sh.Finalize() },
		func(l statement.LocalStmt) error { return l.Finalize() })
}

// dropValues releases every value handle minted from s.
func (e *Engine) dropValues(s *Stmt) {
	s.mu.Lock()
	ids := s.vals
	s.vals = nil
	s.mu.Unlock()
	for _, id := range ids {
		e.vals.Unregister(id)
	}
}

// ColumnCount reports the number of result columns.
func (e *Engine) ColumnCount(stmt uint64) int {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) int { return sh.Count() },
		func(l statement.LocalStmt) int { return l.ColumnCount() })
}

// ColumnName reports the name of column idx.
func (e *Engine) ColumnName(stmt uint64, idx int) string {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) string { return sh.Name(idx) },
		func(l statement.LocalStmt) string { return l.ColumnName(idx) })
}

// ColumnType reports the storage type of column idx in the current row.
func (e *Engine) ColumnType(stmt uint64, idx int) int {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) int { return int(sh.Type(idx)) },
		func(l statement.LocalStmt) int { return int(l.ColumnType(idx)) })
}

// ColumnDeclType reports the declared type of column idx, empty for
// expressions.
func (e *Engine) ColumnDeclType(stmt uint64, idx int) string {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) string { return sh.DeclType(idx) },
		func(l statement.LocalStmt) string { return l.ColumnDeclType(idx) })
}

// ColumnText reports column idx of the current row as text.
func (e *Engine) ColumnText(stmt uint64, idx int) []byte {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) []byte { return sh.Text(idx) },
		func(l statement.LocalStmt) []byte { return l.ColumnText(idx) })
}

// ColumnBlob reports column idx of the current row as a blob.
func (e *Engine) ColumnBlob(stmt uint64, idx int) []byte {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) []byte { return sh.Blob(idx) },
		func(l statement.LocalStmt) []byte { return l.ColumnBlob(idx) })
}

// ColumnBytes reports the byte length of column idx of the current row.
func (e *Engine) ColumnBytes(stmt uint64, idx int) int {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) int { return sh.Bytes(idx) },
		func(l statement.LocalStmt) int {
			if l.ColumnType(idx) == statement.TypeBlob {
				return len(l.ColumnBlob(idx))
			}
			return len(l.ColumnText(idx))
		})
}

// ColumnInt reports column idx of the current row as an int.
func (e *Engine) ColumnInt(stmt uint64, idx int) int {
	return int(e.ColumnInt64(stmt, idx))
}

// ColumnInt64 reports column idx of the current row as an int64.
func (e *Engine) ColumnInt64(stmt uint64, idx int) int64 {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) int64 { return sh.Int64(idx) },
		func(l statement.LocalStmt) int64 { return l.ColumnInt64(idx) })
}

// ColumnDouble reports column idx of the current row as a float64.
func (e *Engine) ColumnDouble(stmt uint64, idx int) float64 {
	return onStmt(e, stmt,
		func(sh *statement.Stmt) float64 { return sh.Float64(idx) },
		func(l statement.LocalStmt) float64 { return l.ColumnFloat64(idx) })
}

// DataCount reports the number of columns in the current row, 0 when the
// cursor is not on a row.
func (e *Engine) DataCount(stmt uint64) int {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return 0
	}
	if s.shadow != nil {
		return s.shadow.DataCount()
	}
	if s.native == nil {
		return 0
	}
	s.mu.Lock()
	onRow := s.onRow
	s.mu.Unlock()
	if !onRow {
		return 0
	}
	return s.native.ColumnCount()
}

// SQL returns the text the statement was prepared from.
func (e *Engine) SQL(stmt uint64) string {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return ""
	}
	return s.sql
}

// ExpandedSQL returns the statement text with bound parameters inlined.
func (e *Engine) ExpandedSQL(stmt uint64) string {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return ""
	}
	if s.shadow != nil {
		return s.shadow.ExpandedSQL()
	}
	return s.sql
}

// StmtReadonly reports whether the statement leaves the database unchanged.
func (e *Engine) StmtReadonly(stmt uint64) bool {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return false
	}
	return s.class != translator.ClassWrite
}

// DBHandle reports the database handle the statement was prepared on.
func (e *Engine) DBHandle(stmt uint64) uint64 {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return 0
	}
	return s.db.id
}
