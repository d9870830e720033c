// Package embedded runs statements on the local SQLite file when the server
// can't take them. The engine satisfies the statement package's local seam;
// rows stream straight off the file behind the same bind/step/column surface
// the shadow statements expose, so the host never learns where its data came
// from.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver loaded here

	"github.com/jabrown93/plex-postgresql/pkg/statement"
	"github.com/jabrown93/plex-postgresql/pkg/translator"
)

// Engine opens the redirected database file directly. A single connection
// serves every statement so transactions and temp state behave like one
// client, the way the host would see its own file.
type Engine struct {
	Path string // database file path

	db *sql.DB
}

// Start opens the database file.
func (e *Engine) Start() error {
	if e.Path == "" {
		return fmt.Errorf("no database path")
	}
	db, err := sql.Open("sqlite", e.Path)
	if err != nil {
		return fmt.Errorf("can't open %s: %w", e.Path, err)
	}
	db.SetMaxOpenConns(1)
	e.db = db
	log.Printf("[INFO] embedded engine on %s", e.Path)
	return nil
}

// Close shuts the engine down.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Prepare readies a statement, in the host's own dialect, for local
// execution.
func (e *Engine) Prepare(ctx context.Context, sqlText string) (statement.LocalStmt, error) {
	if e.db == nil {
		return nil, fmt.Errorf("engine not started")
	}
	st, err := e.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("can't prepare local statement: %w", err)
	}
	return &localStmt{
		st:     st,
		read:   translator.Classify(sqlText) == translator.ClassRead,
		params: make([]any, countParams(sqlText)),
	}, nil
}

// localStmt drives one prepared statement on the file. The shadow statement
// layer serializes callers, no locking here.
type localStmt struct {
	st     *sql.Stmt
	read   bool
	params []any

	rows      *sql.Rows
	cols      []string
	decls     []string
	vals      []any
	onRow     bool
	ran       bool
	affected  int64
	lastID    int64
	finalized bool
}

// Step advances one row for reads; writes execute once and report done.
func (l *localStmt) Step(ctx context.Context) (bool, error) {
	if l.finalized {
		return false, fmt.Errorf("step on finalized statement: %w", statement.ErrMisuse)
	}
	if !l.read {
		if !l.ran {
			res, err := l.st.ExecContext(ctx, l.params...)
			if err != nil {
				return false, err
			}
			l.ran = true
			l.affected, _ = res.RowsAffected()
			l.lastID, _ = res.LastInsertId()
		}
		return false, nil
	}

	if l.rows == nil && l.cols == nil {
		if err := l.run(ctx); err != nil {
			return false, err
		}
	}
	if l.rows == nil {
		return false, nil
	}
	if l.rows.Next() {
		ptrs := make([]any, len(l.vals))
		for i := range l.vals {
			ptrs[i] = &l.vals[i]
		}
		if err := l.rows.Scan(ptrs...); err != nil {
			return false, err
		}
		l.onRow = true
		return true, nil
	}

	l.onRow = false
	err := l.rows.Err()
	_ = l.rows.Close()
	l.rows = nil
	return false, err
}

// Reset rewinds for another execution, keeping the bindings.
func (l *localStmt) Reset(_ context.Context) error {
	if l.finalized {
		return fmt.Errorf("reset on finalized statement: %w", statement.ErrMisuse)
	}
	if l.rows != nil {
		_ = l.rows.Close()
	}
	l.rows, l.cols, l.decls, l.vals = nil, nil, nil, nil
	l.onRow, l.ran = false, false
	return nil
}

// Finalize releases the statement; double finalize is a no-op.
func (l *localStmt) Finalize() error {
	if l.finalized {
		return nil
	}
	l.finalized = true
	if l.rows != nil {
		_ = l.rows.Close()
		l.rows = nil
	}
	return l.st.Close()
}

// Result reports the write outcome after the statement stepped to done.
func (l *localStmt) Result() (affected, lastID int64) { return l.affected, l.lastID }

func (l *localStmt) BindNull(idx int) error {
	if err := l.bindSlot(idx); err != nil {
		return err
	}
	l.params[idx-1] = nil
	return nil
}

func (l *localStmt) BindInt64(idx int, v int64) error {
	if err := l.bindSlot(idx); err != nil {
		return err
	}
	l.params[idx-1] = v
	return nil
}

func (l *localStmt) BindFloat64(idx int, v float64) error {
	if err := l.bindSlot(idx); err != nil {
		return err
	}
	l.params[idx-1] = v
	return nil
}

func (l *localStmt) BindText(idx int, v []byte) error {
	if err := l.bindSlot(idx); err != nil {
		return err
	}
	l.params[idx-1] = string(v)
	return nil
}

func (l *localStmt) BindBlob(idx int, v []byte) error {
	if err := l.bindSlot(idx); err != nil {
		return err
	}
	l.params[idx-1] = append([]byte(nil), v...)
	return nil
}

// ClearBindings resets every parameter; an unset parameter binds NULL.
func (l *localStmt) ClearBindings() error {
	if l.finalized {
		return fmt.Errorf("clear bindings on finalized statement: %w", statement.ErrMisuse)
	}
	for i := range l.params {
		l.params[i] = nil
	}
	return nil
}

func (l *localStmt) bindSlot(idx int) error {
	if l.finalized {
		return fmt.Errorf("bind on finalized statement: %w", statement.ErrMisuse)
	}
	if idx < 1 || idx > len(l.params) {
		return fmt.Errorf("bind index %d of %d: %w", idx, len(l.params), statement.ErrRange)
	}
	return nil
}

// ColumnCount answers before the first step by starting the read early.
func (l *localStmt) ColumnCount() int {
	l.ensureRows()
	return len(l.cols)
}

func (l *localStmt) ColumnName(idx int) string {
	l.ensureRows()
	if idx < 0 || idx >= len(l.cols) {
		return ""
	}
	return l.cols[idx]
}

func (l *localStmt) ColumnDeclType(idx int) string {
	l.ensureRows()
	if idx < 0 || idx >= len(l.decls) {
		return "TEXT"
	}
	return l.decls[idx]
}

func (l *localStmt) ColumnType(idx int) statement.Type {
	v, ok := l.value(idx)
	if !ok {
		return statement.TypeNull
	}
	switch v.(type) {
	case nil:
		return statement.TypeNull
	case int64:
		return statement.TypeInteger
	case float64:
		return statement.TypeFloat
	case []byte:
		return statement.TypeBlob
	default:
		return statement.TypeText
	}
}

func (l *localStmt) ColumnInt64(idx int) int64 {
	v, ok := l.value(idx)
	if !ok {
		return 0
	}
	return toInt64(v)
}

func (l *localStmt) ColumnFloat64(idx int) float64 {
	v, ok := l.value(idx)
	if !ok {
		return 0
	}
	return toFloat64(v)
}

func (l *localStmt) ColumnText(idx int) []byte {
	v, ok := l.value(idx)
	if !ok {
		return []byte{}
	}
	if v == nil {
		return nil
	}
	return toText(v)
}

func (l *localStmt) ColumnBlob(idx int) []byte {
	v, ok := l.value(idx)
	if !ok || v == nil {
		return nil
	}
	return toText(v)
}

func (l *localStmt) value(idx int) (any, bool) {
	if !l.onRow || idx < 0 || idx >= len(l.vals) {
		return nil, false
	}
	return l.vals[idx], true
}

// run starts the query and captures the column metadata.
func (l *localStmt) run(ctx context.Context) error {
	rows, err := l.st.QueryContext(ctx, l.params...)
	if err != nil {
		return err
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return err
	}
	cts, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return err
	}

	l.rows = rows
	l.cols = cols
	l.decls = make([]string, len(cts))
	for i, ct := range cts {
		d := strings.ToUpper(ct.DatabaseTypeName())
		if d == "" {
			d = "TEXT"
		}
		l.decls[i] = d
	}
	l.vals = make([]any, len(cols))
	return nil
}

// ensureRows starts a read early so metadata questions have an answer before
// the first step; the first step still serves the first row.
func (l *localStmt) ensureRows() {
	if l.rows != nil || l.cols != nil || !l.read || l.finalized {
		return
	}
	if err := l.run(context.Background()); err != nil {
		log.Printf("[WARN] local metadata fetch failed: %v", err)
	}
}

func toText(v any) []byte {
	switch tv := v.(type) {
	case []byte:
		return append([]byte(nil), tv...)
	case string:
		return []byte(tv)
	case int64:
		return strconv.AppendInt(nil, tv, 10)
	case float64:
		return []byte(strconv.FormatFloat(tv, 'f', -1, 64))
	case time.Time:
		return []byte(tv.Format("2006-01-02 15:04:05"))
	default:
		return []byte(fmt.Sprintf("%v", tv))
	}
}

func toInt64(v any) int64 {
	switch tv := v.(type) {
	case int64:
		return tv
	case float64:
		return int64(tv)
	case nil:
		return 0
	}
	s := string(toText(v))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return int64(toFloat64(v))
}

func toFloat64(v any) float64 {
	switch tv := v.(type) {
	case int64:
		return float64(tv)
	case float64:
		return tv
	case nil:
		return 0
	}
	s := string(toText(v))
	if len(s) > 64 { // no representable number is longer
		s = s[:64]
	}
	for n := len(s); n > 0; n-- {
		if f, err := strconv.ParseFloat(s[:n], 64); err == nil {
			return f
		}
	}
	return 0
}

// countParams mirrors the file engine's parameter numbering: ? takes the
// next index, ?NNN claims index NNN, named forms reuse their first index.
func countParams(s string) int {
	n := 0
	named := map[string]int{}
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			i = skipQuoted(s, i)
		case c == '?':
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j > i+1 {
				if v, err := strconv.Atoi(s[i+1 : j]); err == nil && v > n {
					n = v
				}
			} else {
				n++
			}
			i = j
		case c == ':' || c == '@' || c == '$':
			j := i + 1
			for j < len(s) && isIdent(s[j]) {
				j++
			}
			if j > i+1 {
				if _, ok := named[s[i:j]]; !ok {
					n++
					named[s[i:j]] = n
				}
			}
			i = j
		default:
			i++
		}
	}
	return n
}

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

func isIdent(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
