package embedded

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jabrown93/plex-postgresql/pkg/cache"
	"github.com/jabrown93/plex-postgresql/pkg/pool"
	"github.com/jabrown93/plex-postgresql/pkg/statement"
)

func TestCountParams(t *testing.T) {
	tbl := []struct {
		sql  string
		want int
	}{
		{"SELECT 1", 0},
		{"SELECT * FROM t WHERE a = ? AND b = ?", 2},
		{"SELECT * FROM t WHERE a = :name AND b = :name", 1},
		{"SELECT * FROM t WHERE a = :x AND b = @y AND c = $z", 3},
		{"SELECT * FROM t WHERE a = ?2", 2},
		{"SELECT * FROM t WHERE a = ?2 AND b = ?", 3},
		{"SELECT * FROM t WHERE a = '?' AND b = ?", 1},
		{`SELECT "?col" FROM t WHERE a = ?`, 1},
		{"SELECT 'it''s ?', ?", 1},
	}

	for i, tt := range tbl {
		t.Run(fmt.Sprintf("%d:%s", i, tt.sql), func(t *testing.T) {
			assert.Equal(t, tt.want, countParams(tt.sql))
		})
	}
}

func TestEngine_StartErrors(t *testing.T) {
	e := &Engine{}
	require.Error(t, e.Start(), "path required")

	_, err := e.Prepare(context.Background(), "SELECT 1")
	require.ErrorContains(t, err, "not started")
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e := &Engine{Path: filepath.Join(t.TempDir(), "library.db")}
	require.NoError(t, e.Start())
	defer func() { require.NoError(t, e.Close()) }()

	exec := func(sqlText string) {
		st, err := e.Prepare(ctx, sqlText)
		require.NoError(t, err)
		row, err := st.Step(ctx)
		require.NoError(t, err)
		require.False(t, row)
		require.NoError(t, st.Finalize())
	}
	exec("CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT, score REAL, art BLOB)")

	t.Run("insert reports result", func(t *testing.T) {
		ins, err := e.Prepare(ctx, "INSERT INTO items (title, score) VALUES (?, ?)")
		require.NoError(t, err)
		require.NoError(t, ins.BindText(1, []byte("first")))
		require.NoError(t, ins.BindFloat64(2, 4.5))

		row, err := ins.Step(ctx)
		require.NoError(t, err)
		assert.False(t, row)
		affected, lastID := ins.Result()
		assert.Equal(t, int64(1), affected)
		assert.Equal(t, int64(1), lastID)
		require.NoError(t, ins.Finalize())

		ins2, err := e.Prepare(ctx, "INSERT INTO items (title, art) VALUES (?, ?)")
		require.NoError(t, err)
		require.NoError(t, ins2.BindText(1, []byte("second")))
		require.NoError(t, ins2.BindBlob(2, []byte{1, 2, 255}))
		_, err = ins2.Step(ctx)
		require.NoError(t, err)
		_, lastID = ins2.Result()
		assert.Equal(t, int64(2), lastID)
		require.NoError(t, ins2.Finalize())
	})

	t.Run("read serves metadata and typed columns", func(t *testing.T) {
		sel, err := e.Prepare(ctx, "SELECT id, title, score, art FROM items ORDER BY id")
		require.NoError(t, err)
		defer func() { require.NoError(t, sel.Finalize()) }()

		assert.Equal(t, 4, sel.ColumnCount(), "metadata before the first step")
		assert.Equal(t, "title", sel.ColumnName(1))
		assert.Equal(t, "INTEGER", sel.ColumnDeclType(0))
		assert.Equal(t, "TEXT", sel.ColumnDeclType(1))
		assert.Equal(t, "REAL", sel.ColumnDeclType(2))
		assert.Equal(t, "BLOB", sel.ColumnDeclType(3))

		row, err := sel.Step(ctx)
		require.NoError(t, err)
		require.True(t, row)
		assert.Equal(t, int64(1), sel.ColumnInt64(0))
		assert.Equal(t, []byte("first"), sel.ColumnText(1))
		assert.InDelta(t, 4.5, sel.ColumnFloat64(2), 1e-9)
		assert.Equal(t, statement.TypeInteger, sel.ColumnType(0))
		assert.Equal(t, statement.TypeText, sel.ColumnType(1))
		assert.Equal(t, statement.TypeFloat, sel.ColumnType(2))
		assert.Equal(t, statement.TypeNull, sel.ColumnType(3), "art is null on row one")
		assert.Nil(t, sel.ColumnText(3))

		row, err = sel.Step(ctx)
		require.NoError(t, err)
		require.True(t, row)
		assert.Equal(t, int64(2), sel.ColumnInt64(0))
		assert.Equal(t, []byte{1, 2, 255}, sel.ColumnBlob(3))
		assert.Equal(t, statement.TypeBlob, sel.ColumnType(3))
		assert.Equal(t, statement.TypeNull, sel.ColumnType(2), "score is null on row two")

		row, err = sel.Step(ctx)
		require.NoError(t, err)
		assert.False(t, row)

		require.NoError(t, sel.Reset(ctx))
		row, err = sel.Step(ctx)
		require.NoError(t, err)
		require.True(t, row, "reset rewinds to the first row")
		assert.Equal(t, int64(1), sel.ColumnInt64(0))
	})

	t.Run("bind range and finalize misuse", func(t *testing.T) {
		s, err := e.Prepare(ctx, "SELECT title FROM items WHERE id = ?")
		require.NoError(t, err)
		require.ErrorIs(t, s.BindInt64(0, 1), statement.ErrRange)
		require.ErrorIs(t, s.BindInt64(2, 1), statement.ErrRange)
		require.NoError(t, s.BindInt64(1, 2))

		row, err := s.Step(ctx)
		require.NoError(t, err)
		require.True(t, row)
		assert.Equal(t, []byte("second"), s.ColumnText(0))

		require.NoError(t, s.Finalize())
		require.NoError(t, s.Finalize(), "double finalize is a no-op")
		_, err = s.Step(ctx)
		require.ErrorIs(t, err, statement.ErrMisuse)
		require.ErrorIs(t, s.BindInt64(1, 1), statement.ErrMisuse)
	})
}

func TestManagerFallback(t *testing.T) {
	// nothing listens on port 1, every prepare lands on the embedded engine
	ctx := context.Background()
	dir := t.TempDir()

	e := &Engine{Path: filepath.Join(dir, "library.db")}
	require.NoError(t, e.Start())
	defer func() { require.NoError(t, e.Close()) }()

	seed := func(sqlText string) {
		st, err := e.Prepare(ctx, sqlText)
		require.NoError(t, err)
		_, err = st.Step(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Finalize())
	}
	seed("CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT)")
	seed("INSERT INTO items (title) VALUES ('local row')")

	p := &pool.Pool{ConnString: "postgres://u:p@127.0.0.1:1/db?sslmode=disable", Size: 1, AcquireTimeout: 100 * time.Millisecond}
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Close()) }()

	m := &statement.Manager{
		Pool:        p,
		Cache:       cache.New(time.Second),
		Local:       e,
		FallbackLog: filepath.Join(dir, "fb.log"),
	}
	host := &statement.Host{ID: 1, Path: "library.db"}

	s, err := m.Prepare(ctx, host, "SELECT title FROM items")
	require.NoError(t, err, "prepare falls back to the embedded engine")
	row, err := s.Step(ctx)
	require.NoError(t, err)
	require.True(t, row)
	assert.Equal(t, []byte("local row"), s.Text(0))
	assert.Equal(t, "TEXT", s.DeclType(0))
	row, err = s.Step(ctx)
	require.NoError(t, err)
	assert.False(t, row)
	require.NoError(t, s.Finalize())

	w, err := m.Prepare(ctx, host, "INSERT INTO items (title) VALUES (?)")
	require.NoError(t, err)
	require.NoError(t, w.BindText(1, []byte("added")))
	row, err = w.Step(ctx)
	require.NoError(t, err)
	assert.False(t, row)
	assert.Equal(t, int64(2), host.LastInsertID(), "local write feeds the handle counters")
	assert.Equal(t, int64(1), host.Changes())
	require.NoError(t, w.Finalize())
}
