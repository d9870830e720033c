package shim

import (
	"github.com/jabrown93/plex-postgresql/pkg/statement"
)

// Value is a detached copy of one result cell. The bytes are copied at
// creation so the handle stays meaningful after the cursor moves, even
// though the host frees it in its own time.
type Value struct {
	typ  statement.Type
	text []byte
	blob []byte
	i    int64
	f    float64
}

// ColumnValue detaches column idx of the current row into a value handle.
// The handle lives until the host frees it, the statement steps, or the
// statement is finalized, whichever comes first.
func (e *Engine) ColumnValue(stmt uint64, idx int) uint64 {
	s, ok := e.stmts.Lookup(stmt)
	if !ok {
		return 0
	}
	v := onStmt(e, stmt,
		func(sh *statement.Stmt) *Value {
			typ := sh.Type(idx)
			if typ == statement.TypeBlob {
				b := bcopy(sh.Blob(idx))
				return &Value{typ: typ, text: b, blob: b, i: sh.Int64(idx), f: sh.Float64(idx)}
			}
			return &Value{typ: typ, text: bcopy(sh.Text(idx)), i: sh.Int64(idx), f: sh.Float64(idx)}
		},
		func(l statement.LocalStmt) *Value {
			typ := l.ColumnType(idx)
			if typ == statement.TypeBlob {
				b := bcopy(l.ColumnBlob(idx))
				return &Value{typ: typ, text: b, blob: b, i: l.ColumnInt64(idx), f: l.ColumnFloat64(idx)}
			}
			return &Value{typ: typ, text: bcopy(l.ColumnText(idx)), i: l.ColumnInt64(idx), f: l.ColumnFloat64(idx)}
		})
	if v == nil {
		v = &Value{typ: statement.TypeNull}
	}
	id := e.vals.Register(v)
	s.mu.Lock()
	s.vals = append(s.vals, id)
	s.mu.Unlock()
	return id
}

func bcopy(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// ValueType reports the storage type of the value.
func (e *Engine) ValueType(handle uint64) int {
	v, ok := e.vals.Lookup(handle)
	if !ok {
		return int(statement.TypeNull)
	}
	return int(v.typ)
}

// ValueText reports the value as text.
func (e *Engine) ValueText(handle uint64) []byte {
	v, ok := e.vals.Lookup(handle)
	if !ok {
		return nil
	}
	return v.text
}

// ValueBytes reports the byte length of the value.
func (e *Engine) ValueBytes(handle uint64) int {
	v, ok := e.vals.Lookup(handle)
	if !ok {
		return 0
	}
	if v.blob != nil {
		return len(v.blob)
	}
	return len(v.text)
}

// ValueBlob reports the value as a blob.
func (e *Engine) ValueBlob(handle uint64) []byte {
	v, ok := e.vals.Lookup(handle)
	if !ok {
		return nil
	}
	if v.blob != nil {
		return v.blob
	}
	return v.text
}

// ValueInt reports the value as an int.
func (e *Engine) ValueInt(handle uint64) int {
	return int(e.ValueInt64(handle))
}

// ValueInt64 reports the value as an int64.
func (e *Engine) ValueInt64(handle uint64) int64 {
	v, ok := e.vals.Lookup(handle)
	if !ok {
		return 0
	}
	return v.i
}

// ValueDouble reports the value as a float64.
func (e *Engine) ValueDouble(handle uint64) float64 {
	v, ok := e.vals.Lookup(handle)
	if !ok {
		return 0
	}
	return v.f
}

// Free releases a value handle. Only value handles are host-freed in this
// surface; anything else is ignored.
func (e *Engine) Free(handle uint64) {
	e.vals.Unregister(handle)
}

// BindValue binds the value behind val to the 1-based parameter idx,
// dispatching on the value's storage type.
func (e *Engine) BindValue(stmt uint64, idx int, val uint64) Code {
	v, ok := e.vals.Lookup(val)
	if !ok {
		return Misuse
	}
	switch v.typ {
	case statement.TypeInteger:
		return e.BindInt64(stmt, idx, v.i)
	case statement.TypeFloat:
		return e.BindDouble(stmt, idx, v.f)
	case statement.TypeBlob:
		return e.BindBlob(stmt, idx, e.ValueBlob(val))
	case statement.TypeNull:
		return e.BindNull(stmt, idx)
	default:
		return e.BindText(stmt, idx, string(v.text))
	}
}
