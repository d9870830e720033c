package shim

import (
	"fmt"
	"log"

	"github.com/jabrown93/plex-postgresql/pkg/embedded"
	"github.com/jabrown93/plex-postgresql/pkg/statement"
)

// Binder is the symbol rebinding collaborator; the mechanics of rebinding
// live outside the shim. Install publishes fn under an engine entry name,
// ResolveNext answers with the implementation the host would reach without
// the shim, or nil when it has none to offer.
type Binder interface {
	Install(name string, fn any) error
	ResolveNext(name string) any
}

// NativeConn is one open database on the native engine: the statement seam
// the shadow side also uses for local fallback, plus teardown.
type NativeConn interface {
	statement.LocalEngine
	Close() error
}

// Native opens databases on the engine the host linked against. The default
// goes through the embedded driver; a binder resolving "open" takes its
// place.
type Native interface {
	Open(path string) (NativeConn, error)
}

// NativeFunc adapts a plain open function to the Native interface.
type NativeFunc func(path string) (NativeConn, error)

// Open calls f.
func (f NativeFunc) Open(path string) (NativeConn, error) { return f(path) }

type embeddedOpener struct{}

func (embeddedOpener) Open(path string) (NativeConn, error) {
	eng := &embedded.Engine{Path: path}
	if err := eng.Start(); err != nil {
		return nil, err
	}
	return eng, nil
}

// Install publishes every interposed entry point of the process-wide engine
// through the binder. The engine is created on first need; a failed init
// installs nothing and leaves the host on its native engine.
func Install(b Binder) error {
	e, err := Context()
	if err != nil {
		return err
	}
	return e.Install(b)
}

// Install wires this engine through the binder and adopts the next "open" in
// the resolution order for pass-through work, when the binder offers one.
func (e *Engine) Install(b Binder) error {
	if next, ok := b.ResolveNext("open").(func(string) (NativeConn, error)); ok && next != nil {
		e.native = NativeFunc(next)
	}
	table := e.entryPoints()
	for name, fn := range table {
		if err := b.Install(name, fn); err != nil {
			return fmt.Errorf("can't install %s: %w", name, err)
		}
	}
	log.Printf("[INFO] %d entry points installed", len(table))
	return nil
}

// entryPoints is the install table: every intercepted name paired with its
// replacement. Names follow the engine's exported symbols without the vendor
// prefix; UTF-16 variants share the UTF-8 implementation.
func (e *Engine) entryPoints() map[string]any {
	return map[string]any{
		"open":                 e.Open,
		"open_v2":              e.OpenV2,
		"close":                e.Close,
		"close_v2":             e.CloseV2,
		"prepare":              e.Prepare,
		"prepare_v2":           e.Prepare,
		"prepare_v3":           e.Prepare,
		"bind_null":            e.BindNull,
		"bind_int":             e.BindInt,
		"bind_int64":           e.BindInt64,
		"bind_double":          e.BindDouble,
		"bind_text":            e.BindText,
		"bind_text16":          e.BindText,
		"bind_blob":            e.BindBlob,
		"bind_value":           e.BindValue,
		"bind_zeroblob":        e.BindZeroBlob,
		"bind_parameter_count": e.BindParameterCount,
		"bind_parameter_index": e.BindParameterIndex,
		"bind_parameter_name":  e.BindParameterName,
		"step":                 e.Step,
		"reset":                e.Reset,
		"clear_bindings":       e.ClearBindings,
		"finalize":             e.Finalize,
		"column_count":         e.ColumnCount,
		"column_type":          e.ColumnType,
		"column_decltype":      e.ColumnDeclType,
		"column_name":          e.ColumnName,
		"column_text":          e.ColumnText,
		"column_text16":        e.ColumnText,
		"column_bytes":         e.ColumnBytes,
		"column_blob":          e.ColumnBlob,
		"column_int":           e.ColumnInt,
		"column_int64":         e.ColumnInt64,
		"column_double":        e.ColumnDouble,
		"column_value":         e.ColumnValue,
		"value_type":           e.ValueType,
		"value_text":           e.ValueText,
		"value_bytes":          e.ValueBytes,
		"value_blob":           e.ValueBlob,
		"value_int":            e.ValueInt,
		"value_int64":          e.ValueInt64,
		"value_double":         e.ValueDouble,
		"data_count":           e.DataCount,
		"changes":              e.Changes,
		"total_changes":        e.TotalChanges,
		"last_insert_rowid":    e.LastInsertRowid,
		"errmsg":               e.Errmsg,
		"errcode":              e.Errcode,
		"extended_errcode":     e.ExtendedErrcode,
		"free":                 e.Free,
		"db_handle":            e.DBHandle,
		"sql":                  e.SQL,
		"expanded_sql":         e.ExpandedSQL,
		"stmt_readonly":        e.StmtReadonly,
		"create_collation":     e.CreateCollation,
		"create_collation_v2":  e.CreateCollation,
		"exec":                 e.Exec,
	}
}
