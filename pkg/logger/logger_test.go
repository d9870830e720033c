package logger

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_Format(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "shim.log")
	l, err := New("debug", fname)
	require.NoError(t, err)
	defer l.Close()

	l.Logf("[INFO] connected to %s", "server-1")

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} \[INFO\] \[\d+\] connected to server-1\n$`),
		string(data))
}

func TestLog_LevelFiltering(t *testing.T) {
	tbl := []struct {
		level    string
		messages []string
		expected []string
		dropped  []string
	}{
		{"error", []string{"[ERROR] boom", "[INFO] hello", "[WARN] careful"}, []string{"boom"}, []string{"hello", "careful"}},
		{"info", []string{"[ERROR] boom", "[INFO] hello", "[DEBUG] noisy"}, []string{"boom", "hello"}, []string{"noisy"}},
		{"debug", []string{"[INFO] hello", "[DEBUG] noisy"}, []string{"hello", "noisy"}, nil},
	}

	for _, tt := range tbl {
		t.Run(tt.level, func(t *testing.T) {
			fname := filepath.Join(t.TempDir(), "shim.log")
			l, err := New(tt.level, fname)
			require.NoError(t, err)
			defer l.Close()

			for _, m := range tt.messages {
				l.Logf("%s", m)
			}

			data, err := os.ReadFile(fname)
			require.NoError(t, err)
			for _, e := range tt.expected {
				assert.Contains(t, string(data), e)
			}
			for _, d := range tt.dropped {
				assert.NotContains(t, string(data), d)
			}
		})
	}
}

func TestLog_Reopen(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "shim.log")
	l, err := New("info", fname)
	require.NoError(t, err)
	defer l.Close()

	l.Logf("[INFO] before reopen")
	require.NoError(t, l.Reopen())
	l.Logf("[INFO] after reopen")

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Contains(t, string(data), "before reopen")
	assert.Contains(t, string(data), "after reopen")
}

func TestLog_StderrFallback(t *testing.T) {
	l, err := New("info", "")
	require.NoError(t, err)
	assert.NoError(t, l.Reopen(), "reopen on stderr sink is a no-op")
	assert.NoError(t, l.Close())
}

func TestParseLevel(t *testing.T) {
	tbl := []struct {
		in   string
		out  int
		fail bool
	}{
		{"error", Error, false},
		{"info", Info, false},
		{"debug", Debug, false},
		{"", Info, false},
		{"verbose", 0, true},
	}

	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			lv, err := ParseLevel(tt.in)
			if tt.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.out, lv)
		})
	}
}

func TestSplitLevel(t *testing.T) {
	tbl := []struct {
		in    string
		level string
		msg   string
	}{
		{"[INFO] hello", "INFO", "hello"},
		{"INFO  hello", "INFO", "hello"},
		{"[WARN] careful now", "WARN", "careful now"},
		{"no level here", "INFO", "no level here"},
		{"oneword", "INFO", "oneword"},
	}

	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			level, msg := splitLevel([]byte(tt.in))
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.msg, string(msg))
		})
	}
}
