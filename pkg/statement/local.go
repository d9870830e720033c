package statement

import "context"

// LocalEngine is the embedded database used when the server can't take a
// statement. Prepare receives the statement in the host's own dialect,
// untranslated.
type LocalEngine interface {
	Prepare(ctx context.Context, sql string) (LocalStmt, error)
}

// LocalStmt mirrors the shadow statement surface on the embedded engine.
// A statement prepared locally behaves like any other shadow, the host never
// learns where its rows come from.
type LocalStmt interface {
	BindNull(idx int) error
	BindInt64(idx int, v int64) error
	BindFloat64(idx int, v float64) error
	BindText(idx int, v []byte) error
	BindBlob(idx int, v []byte) error
	ClearBindings() error

	Step(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	Finalize() error

	// Result reports the rows affected and the last insert id once a write
	// has stepped to done.
	Result() (affected, lastID int64)

	ColumnCount() int
	ColumnName(idx int) string
	ColumnDeclType(idx int) string
	ColumnType(idx int) Type
	ColumnInt64(idx int) int64
	ColumnFloat64(idx int) float64
	ColumnText(idx int) []byte
	ColumnBlob(idx int) []byte
}
