package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jabrown93/plex-postgresql/pkg/embedded"
)

func TestTranslateCmd(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		stdin   string
		want    string
		wantErr bool
	}{
		{
			name: "placeholders from arg",
			arg:  "SELECT * FROM metadata_items WHERE id = ? AND title = ?",
			want: "SELECT * FROM metadata_items WHERE id = $1 AND title = $2\n",
		},
		{
			name:  "statement from stdin",
			stdin: "REPLACE INTO prefs (id, value) VALUES (?, ?)",
			want:  "INSERT INTO prefs (id, value) VALUES ($1, $2) RETURNING id\n",
		},
		{
			name: "server dialect passes through",
			arg:  "SELECT title FROM metadata_items WHERE id = $1",
			want: "SELECT title FROM metadata_items WHERE id = $1\n",
		},
		{
			name: "backtick identifiers normalized",
			arg:  "SELECT * FROM `accounts` WHERE id = ?",
			want: "SELECT * FROM \"accounts\" WHERE id = $1\n",
		},
		{
			name:    "empty input",
			arg:     "",
			stdin:   "   ",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var opts options
			opts.TranslateCmd.PositionalArgs.SQL = tc.arg

			out := bytes.Buffer{}
			err := translateCmd(opts, strings.NewReader(tc.stdin), &out)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.String())
		})
	}
}

func TestRunDispatch(t *testing.T) {
	t.Run("translate through the parser", func(t *testing.T) {
		os.Args = []string{"plexpg", "translate", "SELECT count(*) FROM media_parts"}
		out := captureStdout(t, func() {
			require.NoError(t, runCommand())
		})
		assert.Contains(t, out, "SELECT count(*) FROM media_parts")
	})

	t.Run("no command", func(t *testing.T) {
		os.Args = []string{"plexpg"}
		assert.Error(t, runCommand())
	})
}

func TestSecretCmds(t *testing.T) {
	tempDB, err := os.CreateTemp("", "test.db")
	require.NoError(t, err)
	defer os.Remove(tempDB.Name())
	setupLog(true)

	secretArgs := func(rest ...string) []string {
		return append([]string{"secret", "--key", "secretkey", "--conn", "file://" + tempDB.Name()}, rest...)
	}

	tests := []struct {
		name      string
		args      []string
		wantLog   string
		wantError bool
	}{
		{
			name:    "set secret",
			args:    secretArgs("set", "key1", "value1"),
			wantLog: "set command, key=key1",
		},
		{
			name:      "set secret, no value",
			args:      secretArgs("set", "key1"),
			wantLog:   "set command, key=key1",
			wantError: true,
		},
		{
			name:    "get secret",
			args:    secretArgs("get", "key1"),
			wantLog: "get command, key=key1\nkey=key1, value=value1",
		},
		{
			name:      "get non-existent secret",
			args:      secretArgs("get", "key2"),
			wantLog:   "get command, key=key2",
			wantError: true,
		},
		{
			name:    "list secrets",
			args:    secretArgs("list", "key"),
			wantLog: `list command, key-prefix="key"`,
		},
		{
			name:    "delete secret",
			args:    secretArgs("del", "key1"),
			wantLog: "del command, key=key1\nkey=key1 deleted",
		},
		{
			name:      "delete non-existent secret",
			args:      secretArgs("del", "key2"),
			wantLog:   "del command, key=key2",
			wantError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			os.Args = append([]string{"plexpg"}, tc.args...)
			var buf bytes.Buffer
			log.SetOutput(&buf)
			defer log.SetOutput(os.Stdout)

			err := runCommand()
			if tc.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			logged := buf.String()
			for _, exp := range strings.Split(tc.wantLog, "\n") {
				assert.Contains(t, logged, exp)
			}
		})
	}
}

func TestCheckCmd_BadConfig(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "plex_pg.conf")
	require.NoError(t, os.WriteFile(conf, []byte("port = not-a-number\n"), 0o600))

	var opts options
	opts.Config = conf
	opts.CheckCmd.Timeout = 2 * time.Second

	err := checkCmd(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config check failed")
}

func TestCheckCmd_ServerDown(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "plex_pg.conf")
	require.NoError(t, os.WriteFile(conf, []byte("host = 127.0.0.1\nport = 1\npassword = x\n"), 0o600))

	var opts options
	opts.Config = conf
	opts.CheckCmd.Timeout = 2 * time.Second

	err := checkCmd(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't reach 127.0.0.1:1")
}

func TestProbeLocal(t *testing.T) {
	t.Run("readable library file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "library.db")
		seedLibrary(t, path)

		var buf bytes.Buffer
		log.SetOutput(&buf)
		defer log.SetOutput(os.Stdout)

		require.NoError(t, probeLocal(path))
		assert.Contains(t, buf.String(), "local copy ok, 1 tables")
	})

	t.Run("missing file", func(t *testing.T) {
		err := probeLocal(filepath.Join(t.TempDir(), "nope.db"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can't copy")
	})
}

func TestCheckCmd_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	container, host, port := startPostgresContainer(t)
	defer func() { require.NoError(t, container.Terminate(context.Background())) }()

	dir := t.TempDir()
	conf := filepath.Join(dir, "plex_pg.conf")
	cfg := fmt.Sprintf("host = %s\nport = %d\ndatabase = postgres\nuser = postgres\npassword = password\n", host, port)
	require.NoError(t, os.WriteFile(conf, []byte(cfg), 0o600))

	dbFile := filepath.Join(dir, "library.db")
	seedLibrary(t, dbFile)

	var opts options
	opts.Config = conf
	opts.CheckCmd.Timeout = 10 * time.Second
	opts.CheckCmd.DBFile = dbFile

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stdout)

	require.NoError(t, checkCmd(opts))
	logged := buf.String()
	assert.Contains(t, logged, "server ok: PostgreSQL")
	assert.Contains(t, logged, "local copy ok")
	assert.Contains(t, logged, "all checks passed")
}

func TestMainFunc(t *testing.T) {
	os.Args = []string{"plexpg", "--help"}

	exited := false
	exitFunc = func(int) { exited = true }
	defer func() { exitFunc = os.Exit }()

	out := captureStdout(t, func() { main() })

	assert.True(t, exited)
	assert.Contains(t, out, "plexpg")
}

func runCommand() error {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		return err
	}
	return run(p, opts)
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

// seedLibrary creates a small sqlite file with one table.
func seedLibrary(t *testing.T, path string) {
	t.Helper()
	eng := &embedded.Engine{Path: path}
	require.NoError(t, eng.Start())
	defer func() { require.NoError(t, eng.Close()) }()

	ctx := context.Background()
	st, err := eng.Prepare(ctx, "CREATE TABLE metadata_items (id INTEGER PRIMARY KEY, title TEXT)")
	require.NoError(t, err)
	_, err = st.Step(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Finalize())
}

func startPostgresContainer(t *testing.T) (testcontainers.Container, string, int) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_PASSWORD": "password"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return container, host, port.Int()
}
