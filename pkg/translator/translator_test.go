package translator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate_Placeholders(t *testing.T) {
	tbl := []struct {
		name   string
		sql    string
		out    string
		params int
	}{
		{"anonymous", "SELECT * FROM t WHERE a = ? AND b = ?",
			"SELECT * FROM t WHERE a = $1 AND b = $2", 2},
		{"named colon reused", "SELECT * FROM t WHERE a = :v OR b = :v",
			"SELECT * FROM t WHERE a = $1 OR b = $1", 1},
		{"named at", "UPDATE t SET a = @val WHERE id = @id",
			"UPDATE t SET a = $1 WHERE id = $2", 2},
		{"named dollar", "SELECT * FROM t WHERE a = $v",
			"SELECT * FROM t WHERE a = $1", 1},
		{"mixed named and anonymous", "SELECT * FROM t WHERE a = :x AND b = ? AND c = :x",
			"SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $1", 2},
		{"explicit index", "SELECT * FROM t WHERE a = ?2 AND b = ?1",
			"SELECT * FROM t WHERE a = $2 AND b = $1", 2},
		{"question inside literal", "SELECT * FROM t WHERE a = 'what?' AND b = ?",
			"SELECT * FROM t WHERE a = 'what?' AND b = $1", 1},
		{"cast stays", "SELECT a::text FROM t WHERE b = ?",
			"SELECT a::text FROM t WHERE b = $1", 1},
		{"already translated", "SELECT * FROM t WHERE a = $1 AND b = $2",
			"SELECT * FROM t WHERE a = $1 AND b = $2", 2},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
			assert.Equal(t, tt.params, res.ParamCount)
		})
	}
}

func TestTranslate_ParamNames(t *testing.T) {
	res, err := Translate("SELECT * FROM t WHERE a = :first AND b = @second AND c = :first")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{":first": 1, "@second": 2}, res.ParamNames)
	assert.Equal(t, 2, res.ParamCount)
}

func TestTranslate_Quotes(t *testing.T) {
	tbl := []struct {
		name string
		sql  string
		out  string
	}{
		{"backticks", "SELECT `name` FROM `tracks`", `SELECT "name" FROM "tracks"`},
		{"brackets", "SELECT [name] FROM [tracks]", `SELECT "name" FROM "tracks"`},
		{"bracket with space", "SELECT [full name] FROM t", `SELECT "full name" FROM t`},
		{"literal preserved", "SELECT * FROM t WHERE a = 'it''s [not] a `quote`'",
			"SELECT * FROM t WHERE a = 'it''s [not] a `quote`'"},
		{"double quotes kept", `SELECT "name" FROM t`, `SELECT "name" FROM t`},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
		})
	}
}

func TestTranslate_Keywords(t *testing.T) {
	tbl := []struct {
		name string
		sql  string
		out  string
	}{
		{"glob to ilike", "SELECT * FROM t WHERE name GLOB '*foo?'",
			"SELECT * FROM t WHERE name ILIKE '%foo_'"},
		{"glob with param", "SELECT * FROM t WHERE name GLOB ?",
			"SELECT * FROM t WHERE name ILIKE $1"},
		{"iif", "SELECT IIF(a > 0, 'y', 'n') FROM t",
			"SELECT CASE WHEN a > 0 THEN 'y' ELSE 'n' END FROM t"},
		{"limit pair", "SELECT id FROM t LIMIT 5, 10",
			"SELECT id FROM t LIMIT 10 OFFSET 5"},
		{"limit pair params", "SELECT id FROM t LIMIT ?, ?",
			"SELECT id FROM t LIMIT $2 OFFSET $1"},
		{"limit plain", "SELECT id FROM t LIMIT 10",
			"SELECT id FROM t LIMIT 10"},
		{"begin immediate", "BEGIN IMMEDIATE", "BEGIN"},
		{"begin deferred transaction", "BEGIN DEFERRED TRANSACTION", "BEGIN TRANSACTION"},
		{"concat preserved", "SELECT a || b FROM t", "SELECT a || b FROM t"},
		{"indexed by", "SELECT * FROM t INDEXED BY idx_a WHERE a = $1",
			"SELECT * FROM t WHERE a = $1"},
		{"not indexed", "SELECT * FROM t NOT INDEXED WHERE a = $1",
			"SELECT * FROM t WHERE a = $1"},
		{"collate nocase", "SELECT * FROM t ORDER BY name COLLATE NOCASE ASC",
			"SELECT * FROM t ORDER BY name ASC"},
		{"collate icu", "SELECT * FROM t ORDER BY name COLLATE icu_root",
			"SELECT * FROM t ORDER BY name"},
		{"empty in", "SELECT * FROM t WHERE id IN ()",
			"SELECT * FROM t WHERE id IN (SELECT -1 WHERE FALSE)"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
		})
	}
}

func TestTranslate_InsertVariants(t *testing.T) {
	tbl := []struct {
		name string
		sql  string
		out  string
	}{
		{"or ignore", "INSERT OR IGNORE INTO tags (a) VALUES (?)",
			"INSERT INTO tags (a) VALUES ($1) ON CONFLICT DO NOTHING RETURNING id"},
		{"or replace", "INSERT OR REPLACE INTO tags (a) VALUES (?)",
			"INSERT INTO tags (a) VALUES ($1) RETURNING id"},
		{"replace into", "REPLACE INTO tags (a) VALUES (?)",
			"INSERT INTO tags (a) VALUES ($1) RETURNING id"},
		{"plain insert gets returning", "INSERT INTO tags (a) VALUES (?)",
			"INSERT INTO tags (a) VALUES ($1) RETURNING id"},
		{"returning not doubled", "INSERT INTO tags (a) VALUES (?) RETURNING id",
			"INSERT INTO tags (a) VALUES ($1) RETURNING id"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
		})
	}
}

func TestTranslate_Functions(t *testing.T) {
	tbl := []struct {
		name string
		sql  string
		out  string
	}{
		{"ifnull", "SELECT IFNULL(a, 0) FROM t", "SELECT COALESCE(a, 0) FROM t"},
		{"substr", "SELECT SUBSTR(name, 1, 3) FROM t", "SELECT SUBSTRING(name, 1, 3) FROM t"},
		{"instr", "SELECT INSTR(title, 'x') FROM t", "SELECT POSITION('x' IN title) FROM t"},
		{"likelihood", "SELECT * FROM t WHERE LIKELIHOOD(a > 0, 0.9)", "SELECT * FROM t WHERE a > 0"},
		{"likely", "SELECT * FROM t WHERE LIKELY(a > 0)", "SELECT * FROM t WHERE a > 0"},
		{"unlikely", "SELECT * FROM t WHERE UNLIKELY(a = 0)", "SELECT * FROM t WHERE a = 0"},
		{"typeof", "SELECT TYPEOF(v) FROM t", "SELECT pg_typeof(v)::text FROM t"},
		{"strftime epoch", "SELECT strftime('%s', added_at) FROM t",
			"SELECT EXTRACT(EPOCH FROM added_at)::bigint FROM t"},
		{"strftime now", "SELECT strftime('%s', 'now')",
			"SELECT EXTRACT(EPOCH FROM NOW())::bigint"},
		{"datetime now", "UPDATE t SET updated_at = datetime('now')",
			"UPDATE t SET updated_at = NOW()"},
		{"date now", "SELECT date('now')", "SELECT CURRENT_DATE"},
		{"last insert rowid", "SELECT last_insert_rowid()", "SELECT lastval()"},
		{"json each", "SELECT * FROM json_each(tags)",
			"SELECT * FROM json_array_elements((tags)::json)"},
		{"scalar max", "SELECT max(a, b) FROM t", "SELECT GREATEST(a, b) FROM t"},
		{"scalar min", "SELECT min(a, b, c) FROM t", "SELECT LEAST(a, b, c) FROM t"},
		{"aggregate max untouched", "SELECT max(a) FROM t", "SELECT max(a) FROM t"},
		{"group concat", "SELECT group_concat(tag) FROM tags",
			"SELECT STRING_AGG(tag, ',') FROM tags"},
		{"group concat with sep", "SELECT group_concat(tag, ';') FROM tags",
			"SELECT STRING_AGG(tag, ';') FROM tags"},
		{"nested", "SELECT IFNULL(SUBSTR(a, 1, 2), 'x') FROM t",
			"SELECT COALESCE(SUBSTRING(a, 1, 2), 'x') FROM t"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
		})
	}
}

func TestTranslate_DDLTypes(t *testing.T) {
	tbl := []struct {
		name string
		sql  string
		out  string
	}{
		{"create table types",
			"CREATE TABLE x (id INTEGER, data BLOB, score REAL, name TEXT)",
			"CREATE TABLE x (id BIGINT, data BYTEA, score DOUBLE PRECISION, name TEXT)"},
		{"autoincrement dropped",
			"CREATE TABLE x (id INTEGER PRIMARY KEY AUTOINCREMENT)",
			"CREATE TABLE x (id BIGINT PRIMARY KEY )"},
		{"dt integer", "CREATE TABLE x (n dt_integer(8))", "CREATE TABLE x (n BIGINT)"},
		{"boolean size dropped", "CREATE TABLE x (f BOOLEAN(1))", "CREATE TABLE x (f BOOLEAN)"},
		{"varchar kept", "CREATE TABLE x (s VARCHAR(255))", "CREATE TABLE x (s VARCHAR(255))"},
		{"select untouched", "SELECT INTEGER FROM t", "SELECT INTEGER FROM t"},
		{"update untouched", "UPDATE t SET kind = 'INTEGER' WHERE id = $1",
			"UPDATE t SET kind = 'INTEGER' WHERE id = $1"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
		})
	}
}

func TestTranslate_Upsert(t *testing.T) {
	res, err := Translate("INSERT INTO metadata_settings (metadata_id, rating, skip_count) VALUES (?, ?, ?)")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO metadata_settings (metadata_id, rating, skip_count) VALUES ($1, $2, $3)"+
		" ON CONFLICT (metadata_id) DO UPDATE SET rating = EXCLUDED.rating, skip_count = EXCLUDED.skip_count"+
		" RETURNING id", res.SQL)

	res, err = Translate("INSERT INTO other_table (metadata_id, rating) VALUES (?, ?)")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO other_table (metadata_id, rating) VALUES ($1, $2) RETURNING id", res.SQL,
		"upsert applies to the settings table only")
}

func TestTranslate_FTS(t *testing.T) {
	tbl := []struct {
		name string
		sql  string
		out  string
	}{
		{"literal with apostrophe",
			"SELECT id FROM search_index WHERE body MATCH 'don''t stop'",
			"SELECT id FROM search_index WHERE 1=0"},
		{"qualified column",
			"SELECT id FROM search_index si WHERE si.body MATCH 'x' AND si.kind = $1",
			"SELECT id FROM search_index si WHERE 1=0 AND si.kind = $1"},
		{"placeholder operand",
			"SELECT id FROM search_index WHERE body MATCH ?",
			"SELECT id FROM search_index WHERE 1=0"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL)
		})
	}
}

func TestTranslate_ServerParams(t *testing.T) {
	res, err := Translate("SELECT id FROM search_index WHERE body MATCH ?")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ParamCount, "host still binds the match operand")
	assert.Equal(t, 0, res.ServerParams, "neutralized predicate dropped it server-side")
	assert.Equal(t, []int{0}, res.ServerSlots)

	res, err = Translate("SELECT * FROM t WHERE a = ? AND b = ?")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ParamCount)
	assert.Equal(t, 2, res.ServerParams)
	assert.Equal(t, []int{1, 2}, res.ServerSlots)
}

func TestTranslate_DenseAfterDroppedOperand(t *testing.T) {
	tbl := []struct {
		name         string
		sql          string
		out          string
		params       int
		serverParams int
		slots        []int
	}{
		{"operand before survivor",
			"SELECT a FROM t WHERE title MATCH ? AND id = ?",
			"SELECT a FROM t WHERE 1=0 AND id = $1", 2, 1, []int{0, 1}},
		{"operand between survivors",
			"SELECT a FROM t WHERE id = ? AND title MATCH ? AND kind = ?",
			"SELECT a FROM t WHERE id = $1 AND 1=0 AND kind = $2", 3, 2, []int{1, 0, 2}},
		{"reused survivor keeps one index",
			"SELECT a FROM t WHERE body MATCH :q AND (x = :v OR y = :v)",
			"SELECT a FROM t WHERE 1=0 AND (x = $1 OR y = $1)", 2, 1, []int{0, 1}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Translate(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.out, res.SQL, "surviving placeholders renumber to a dense sequence")
			assert.Equal(t, tt.params, res.ParamCount)
			assert.Equal(t, tt.serverParams, res.ServerParams)
			assert.Equal(t, tt.slots, res.ServerSlots)

			second, err := Translate(res.SQL)
			require.NoError(t, err)
			assert.Equal(t, res.SQL, second.SQL)
		})
	}
}

func TestTranslate_Idempotent(t *testing.T) {
	inputs := []string{
		"SELECT * FROM t WHERE a = ? AND name GLOB '*x?'",
		"INSERT OR IGNORE INTO tags (a, b) VALUES (?, ?)",
		"SELECT IIF(a, 'y', 'n'), IFNULL(b, 0) FROM t LIMIT 5, 10",
		"CREATE TABLE x (id INTEGER PRIMARY KEY, data BLOB)",
		"INSERT INTO metadata_settings (metadata_id, rating) VALUES (?, ?)",
		"SELECT t.id, t.title, count(*) FROM tracks t GROUP BY t.id",
		"SELECT id FROM search_index WHERE body MATCH 'q'",
	}

	for _, sql := range inputs {
		t.Run(sql, func(t *testing.T) {
			first, err := Translate(sql)
			require.NoError(t, err)
			second, err := Translate(first.SQL)
			require.NoError(t, err)
			assert.Equal(t, first.SQL, second.SQL, "second translation must be a no-op")
		})
	}
}

func TestTranslate_Overflow(t *testing.T) {
	_, err := Translate("SELECT '" + strings.Repeat("a", MaxSQLLen) + "'")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMaxPlaceholder(t *testing.T) {
	tbl := []struct {
		sql string
		out int
	}{
		{"SELECT * FROM t", 0},
		{"SELECT * FROM t WHERE a = $1 AND b = $12", 12},
		{"SELECT '$5' FROM t WHERE a = $2", 2},
	}
	for _, tt := range tbl {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.out, maxPlaceholder(tt.sql))
		})
	}
}

func TestNormalize(t *testing.T) {
	tbl := []struct {
		name   string
		sql    string
		out    string
		params []string
	}{
		{"numbers extracted", "SELECT * FROM t WHERE id = 42 LIMIT 10",
			"SELECT * FROM t WHERE id = $1 LIMIT $2", []string{"42", "10"}},
		{"strings preserved", "SELECT * FROM t WHERE name = 'x' AND id = 7",
			"SELECT * FROM t WHERE name = 'x' AND id = $1", []string{"7"}},
		{"continues after placeholders", "SELECT * FROM t WHERE a = $1 AND b = 3",
			"SELECT * FROM t WHERE a = $1 AND b = $2", []string{"3"}},
		{"float", "SELECT * FROM t WHERE score > 0.5",
			"SELECT * FROM t WHERE score > $1", []string{"0.5"}},
		{"ident digits untouched", "SELECT col2 FROM t2",
			"SELECT col2 FROM t2", nil},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			out, params := Normalize(tt.sql)
			assert.Equal(t, tt.out, out)
			var got []string
			for _, p := range params {
				got = append(got, string(p))
			}
			assert.Equal(t, tt.params, got)
		})
	}
}
