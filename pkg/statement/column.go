package statement

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-pkgz/stringutils"

	"github.com/jabrown93/plex-postgresql/pkg/cache"
	"github.com/jabrown93/plex-postgresql/pkg/translator"
)

// Type is a column's storage class with the host engine's numbering.
type Type int

// storage classes
const (
	TypeInteger Type = iota + 1
	TypeFloat
	TypeText
	TypeBlob
	TypeNull
)

// declTypes maps the server's column type names to the declared type strings
// the host application's ORM expects to see.
var declTypes = map[string]string{
	"INT8":    "BIGINT",
	"INT4":    "INTEGER",
	"OID":     "INTEGER",
	"INT2":    "SMALLINT",
	"BOOL":    "INTEGER",
	"FLOAT4":  "REAL",
	"FLOAT8":  "REAL",
	"NUMERIC": "REAL",
	"BYTEA":   "BLOB",
}

// aggregateNames are the bare projection names aggregates come back under.
// Their declared type is forced to TEXT; the host's data layer chokes on a
// numeric declaration for a computed column.
var aggregateNames = []string{"count", "sum", "max", "min", "avg"}

// Count returns the number of result columns, fetching metadata for a read
// that has not stepped yet.
func (s *Stmt) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnCount()
	}
	s.ensureResult()
	return len(s.cols)
}

// Name returns the name of column idx, empty out of range.
func (s *Stmt) Name(idx int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnName(idx)
	}
	s.ensureResult()
	if idx < 0 || idx >= len(s.cols) {
		return ""
	}
	return s.cols[idx].Name
}

// Type returns the storage class of column idx on the current row.
func (s *Stmt) Type(idx int) Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnType(idx)
	}
	c, ok := s.cell(idx)
	if !ok || c.Null {
		return TypeNull
	}
	if idx < 0 || idx >= len(s.cols) {
		return TypeNull
	}
	if c.Binary {
		return TypeBlob
	}
	switch typeOf(s.cols[idx].TypeName) {
	case TypeInteger:
		return TypeInteger
	case TypeFloat:
		return TypeFloat
	default:
		return TypeText
	}
}

// DeclType returns the declared type of column idx. Aggregate projections
// always declare TEXT regardless of what the server computes them as.
func (s *Stmt) DeclType(idx int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnDeclType(idx)
	}
	s.ensureResult()
	if idx < 0 || idx >= len(s.cols) {
		return "TEXT"
	}
	col := s.cols[idx]
	if stringutils.Contains(strings.ToLower(col.Name), aggregateNames) {
		return "TEXT"
	}
	if t, ok := declTypes[col.TypeName]; ok {
		return t
	}
	return "TEXT"
}

// Int64 returns column idx of the current row as an integer. Booleans come
// off the wire as t/f and count as 1/0; anything else parses its numeric
// prefix, zero when there is none.
func (s *Stmt) Int64(idx int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnInt64(idx)
	}
	c, ok := s.cell(idx)
	if !ok || c.Null {
		return 0
	}
	return textToInt64(c.Data)
}

// Float64 returns column idx of the current row as a float.
func (s *Stmt) Float64(idx int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnFloat64(idx)
	}
	c, ok := s.cell(idx)
	if !ok || c.Null {
		return 0
	}
	return textToFloat64(c.Data)
}

// Text returns column idx of the current row as text. NULL gives nil; a
// missing row gives an empty but valid value. The returned bytes stay alive
// through the caller's read window, not the statement's.
func (s *Stmt) Text(idx int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnText(idx)
	}
	c, ok := s.cell(idx)
	if !ok {
		return s.mgr.ringCopy(nil)
	}
	if c.Null {
		return nil
	}
	return s.mgr.ringCopy(c.Data)
}

// Blob returns column idx of the current row as bytes, nil for NULL. The
// copy lives until the statement is finalized.
func (s *Stmt) Blob(idx int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnBlob(idx)
	}
	c, ok := s.cell(idx)
	if !ok || c.Null {
		return nil
	}
	b := append([]byte(nil), c.Data...)
	s.blobs = append(s.blobs, b)
	return b
}

// Bytes returns the byte length of column idx on the current row.
func (s *Stmt) Bytes(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return len(s.local.ColumnText(idx))
	}
	c, ok := s.cell(idx)
	if !ok || c.Null {
		return 0
	}
	return len(c.Data)
}

// DataCount returns the column count while a row is available, zero
// otherwise.
func (s *Stmt) DataCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local.ColumnCount()
	}
	if s.res == nil || s.cursor < 0 || s.cursor >= len(s.res.Rows) {
		return 0
	}
	return len(s.cols)
}

// cell returns the current row's cell at idx when the cursor sits on a row.
func (s *Stmt) cell(idx int) (cache.Cell, bool) {
	if s.res == nil || s.cursor < 0 || s.cursor >= len(s.res.Rows) {
		return cache.Cell{}, false
	}
	row := s.res.Rows[s.cursor]
	if idx < 0 || idx >= len(row) {
		return cache.Cell{}, false
	}
	return row[idx], true
}

// ensureResult runs the read early so metadata questions have an answer
// before the first step. The cursor stays before row zero, the first step
// still serves the first row.
func (s *Stmt) ensureResult() {
	if s.res != nil || s.done || s.finalized || s.tr.Class != translator.ClassRead {
		return
	}
	if len(s.cols) > 0 {
		return
	}
	if err := s.fetch(context.Background()); err != nil {
		log.Printf("[WARN] metadata fetch failed: %v", err)
	}
}

// typeOf maps a server type name to the host storage class.
func typeOf(typeName string) Type {
	switch typeName {
	case "INT2", "INT4", "INT8", "OID", "BOOL":
		return TypeInteger
	case "FLOAT4", "FLOAT8", "NUMERIC":
		return TypeFloat
	case "BYTEA":
		return TypeBlob
	default:
		return TypeText
	}
}

// capture drains the server rows into a cacheable result. Values land as
// the text the wire carries, byteas keep their raw bytes.
func capture(rows *sql.Rows) (*cache.Result, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("can't get column types: %w", err)
	}
	res := &cache.Result{Cols: make([]cache.Column, len(cts))}
	binary := make([]bool, len(cts))
	for i, ct := range cts {
		res.Cols[i] = cache.Column{Name: ct.Name(), TypeName: ct.DatabaseTypeName()}
		binary[i] = ct.DatabaseTypeName() == "BYTEA"
	}

	vals := make([]any, len(cts))
	ptrs := make([]any, len(cts))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("can't scan row: %w", err)
		}
		row := make([]cache.Cell, len(vals))
		for i, v := range vals {
			row[i] = cellFrom(v, binary[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read rows: %w", err)
	}
	return res, nil
}

// cellFrom serializes one scanned value the way the wire text format writes
// it, so the accessors parse cached and fresh values the same way.
func cellFrom(v any, binary bool) cache.Cell {
	switch tv := v.(type) {
	case nil:
		return cache.Cell{Null: true}
	case []byte:
		return cache.Cell{Binary: binary, Data: append([]byte(nil), tv...)}
	case string:
		return cache.Cell{Data: []byte(tv)}
	case int64:
		return cache.Cell{Data: strconv.AppendInt(nil, tv, 10)}
	case float64:
		return cache.Cell{Data: []byte(strconv.FormatFloat(tv, 'f', -1, 64))}
	case bool:
		if tv {
			return cache.Cell{Data: []byte("t")}
		}
		return cache.Cell{Data: []byte("f")}
	case time.Time:
		return cache.Cell{Data: []byte(tv.Format("2006-01-02 15:04:05.999999-07"))}
	default:
		return cache.Cell{Data: []byte(fmt.Sprintf("%v", tv))}
	}
}

// textToInt64 parses the wire text as an integer: t/f from booleans count as
// one and zero, anything else contributes its leading numeric run.
func textToInt64(b []byte) int64 {
	if len(b) == 1 {
		switch b[0] {
		case 't':
			return 1
		case 'f':
			return 0
		}
	}
	n := numericPrefix(b, false)
	if n == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(b[:n]), 10, 64)
	if err != nil {
		// integer prefix of a float like 3.14
		if f := textToFloat64(b); f != 0 {
			return int64(f)
		}
		return 0
	}
	return v
}

// textToFloat64 parses the wire text as a float with the same t/f handling.
func textToFloat64(b []byte) float64 {
	if len(b) == 1 {
		switch b[0] {
		case 't':
			return 1
		case 'f':
			return 0
		}
	}
	n := numericPrefix(b, true)
	for ; n > 0; n-- {
		if v, err := strconv.ParseFloat(string(b[:n]), 64); err == nil {
			return v
		}
	}
	return 0
}

// maxNumericLen caps the prefix handed to the parsers; no representable
// number is longer.
const maxNumericLen = 64

// numericPrefix measures the leading run of characters that can be part of a
// number, keeping the parse bounded on long text values.
func numericPrefix(b []byte, float bool) int {
	i := 0
	for ; i < len(b) && i < maxNumericLen; i++ {
		c := b[i]
		if c >= '0' && c <= '9' || c == '+' || c == '-' {
			continue
		}
		if float && (c == '.' || c == 'e' || c == 'E') {
			continue
		}
		break
	}
	return i
}
