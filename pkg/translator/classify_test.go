package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tbl := []struct {
		sql   string
		class Class
	}{
		{"SELECT * FROM tracks", ClassRead},
		{"  select 1", ClassRead},
		{"-- comment\nSELECT 1", ClassRead},
		{"/* c */ SELECT 1", ClassRead},
		{"WITH q AS (SELECT 1) SELECT * FROM q", ClassRead},
		{"INSERT INTO t (a) VALUES (1)", ClassWrite},
		{"UPDATE t SET a = 1", ClassWrite},
		{"DELETE FROM t", ClassWrite},
		{"REPLACE INTO t (a) VALUES (1)", ClassWrite},
		{"CREATE TABLE t (id INTEGER)", ClassWrite},
		{"DROP INDEX idx", ClassWrite},
		{"ALTER TABLE t ADD COLUMN c TEXT", ClassWrite},
		{"BEGIN IMMEDIATE", ClassWrite},
		{"COMMIT", ClassWrite},
		{"PRAGMA journal_mode=WAL", ClassSkip},
		{"VACUUM", ClassSkip},
		{"REINDEX", ClassSkip},
		{"ANALYZE tracks", ClassSkip},
		{"ATTACH DATABASE 'x' AS y", ClassSkip},
		{"SAVEPOINT sp1", ClassSkip},
		{"RELEASE sp1", ClassSkip},
		{"ROLLBACK", ClassSkip},
		{"SELECT * FROM sqlite_master", ClassSkip},
		{"SELECT * FROM sqlite_schema WHERE type = 'table'", ClassSkip},
		{"SELECT * FROM sqlite_stat1", ClassSkip},
		{"SELECT * FROM fts4_metadata_titles WHERE title MATCH 'x'", ClassSkip},
		{"CREATE VIRTUAL TABLE s USING fts5(body)", ClassSkip},
		{"SELECT spellfix1_editdist('a', 'b')", ClassSkip},
		{"SELECT icu_load_collation('en_US', 'english')", ClassSkip},
		{"SELECT load_extension('x.so')", ClassSkip},
		{"", ClassSkip},
		{"   ", ClassSkip},
	}

	for _, tt := range tbl {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.sql))
		})
	}
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "write", ClassWrite.String())
	assert.Equal(t, "read", ClassRead.String())
	assert.Equal(t, "skip", ClassSkip.String())
}
