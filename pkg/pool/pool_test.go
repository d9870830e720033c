package pool

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPool_Start(t *testing.T) {
	t.Run("no conn string", func(t *testing.T) {
		p := &Pool{}
		require.Error(t, p.Start())
	})

	t.Run("defaults applied", func(t *testing.T) {
		p := &Pool{ConnString: "postgres://u:p@localhost:5432/db?sslmode=disable"}
		require.NoError(t, p.Start())
		defer func() { require.NoError(t, p.Close()) }()
		assert.Len(t, p.slots, defaultSize)
		assert.Equal(t, defaultIdleTimeout, p.IdleTimeout)
		assert.Equal(t, defaultAcquireTimeout, p.AcquireTimeout)
	})

	t.Run("size capped", func(t *testing.T) {
		p := &Pool{ConnString: "postgres://u:p@localhost:5432/db?sslmode=disable", Size: 500}
		require.NoError(t, p.Start())
		defer func() { require.NoError(t, p.Close()) }()
		assert.Len(t, p.slots, maxSize)
	})
}

func TestPool_AcquireNotStarted(t *testing.T) {
	p := &Pool{ConnString: "postgres://u:p@localhost:5432/db?sslmode=disable"}
	_, err := p.Acquire(context.Background(), 1)
	require.ErrorContains(t, err, "not started")
}

func TestPool_AcquireOpenFailure(t *testing.T) {
	// nothing listens on port 1, the dial fails fast and the slot goes back to FREE
	p := &Pool{ConnString: "postgres://u:p@127.0.0.1:1/db?sslmode=disable", Size: 2}
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Close()) }()

	_, err := p.Acquire(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted, "a dial failure is not exhaustion")

	free, reserved, ready := p.states()
	assert.Equal(t, 2, free)
	assert.Zero(t, reserved)
	assert.Zero(t, ready)
}

func TestPool_AcquireExhausted(t *testing.T) {
	p := &Pool{
		ConnString:     "postgres://u:p@localhost:5432/db?sslmode=disable",
		Size:           2,
		AcquireTimeout: 50 * time.Millisecond,
	}
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Close()) }()

	for _, s := range p.slots { // simulate every slot leased
		s.state.Store(stateReserved)
	}
	_, err := p.Acquire(context.Background(), 1)
	require.ErrorIs(t, err, ErrExhausted)

	for _, s := range p.slots {
		s.state.Store(stateFree)
	}
}

func TestPool_AcquireContextCanceled(t *testing.T) {
	p := &Pool{ConnString: "postgres://u:p@localhost:5432/db?sslmode=disable", Size: 1}
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Close()) }()

	p.slots[0].state.Store(stateReserved)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	p.slots[0].state.Store(stateFree)
}

func TestPool_ResetAfterFork(t *testing.T) {
	p := &Pool{ConnString: "postgres://u:p@localhost:5432/db?sslmode=disable", Size: 4}
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Close()) }()

	// fake two live sessions without dialing anything
	for i := 0; i < 2; i++ {
		s := p.slots[i]
		s.state.Store(stateReady)
		s.handle.Store(uint64(i + 1))
		s.session = fmt.Sprintf("sess-%d", i)
		s.prepared = map[string]*sql.Stmt{}
	}

	p.ResetAfterFork()

	free, reserved, ready := p.states()
	assert.Equal(t, 4, free)
	assert.Zero(t, reserved)
	assert.Zero(t, ready)
	for _, s := range p.slots {
		assert.Nil(t, s.db)
		assert.Nil(t, s.conn)
		assert.Nil(t, s.prepared)
		assert.Zero(t, s.handle.Load())
	}
}

func TestPool_CloseTwice(t *testing.T) {
	p := &Pool{ConnString: "postgres://u:p@localhost:5432/db?sslmode=disable", Size: 1}
	require.NoError(t, p.Start())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPool_CloseWithoutStart(t *testing.T) {
	p := &Pool{}
	require.NoError(t, p.Close())
}

func TestPool_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	ctx := context.Background()
	container, connString := startPostgresContainer(t)
	defer func() { require.NoError(t, container.Terminate(ctx)) }()

	p := &Pool{ConnString: connString, Schema: "plex", Size: 4, AcquireTimeout: time.Second}
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Close()) }()

	t.Run("search_path set on open", func(t *testing.T) {
		c, err := p.Acquire(ctx, 1)
		require.NoError(t, err)
		defer c.Release()

		rows, err := c.Query(ctx, "SHOW search_path")
		require.NoError(t, err)
		defer rows.Close()
		require.True(t, rows.Next())
		var sp string
		require.NoError(t, rows.Scan(&sp))
		assert.Contains(t, sp, "plex")
		require.NoError(t, rows.Err())
	})

	t.Run("handle affinity keeps the session", func(t *testing.T) {
		c1, err := p.Acquire(ctx, 7)
		require.NoError(t, err)
		sess := c1.Session
		c1.Release()

		c2, err := p.Acquire(ctx, 7)
		require.NoError(t, err)
		defer c2.Release()
		assert.Equal(t, sess, c2.Session, "same handle gets its pinned session back")
	})

	t.Run("prepared statement survives on the session", func(t *testing.T) {
		c, err := p.Acquire(ctx, 7)
		require.NoError(t, err)

		st, err := c.Prepare(ctx, "ps_cafe", "SELECT $1::bigint + 1")
		require.NoError(t, err)
		sess := c.Session
		c.Release()

		c, err = p.Acquire(ctx, 7)
		require.NoError(t, err)
		defer c.Release()
		require.Equal(t, sess, c.Session)
		require.True(t, c.Prepared("ps_cafe"))

		st2, err := c.Prepare(ctx, "ps_cafe", "SELECT $1::bigint + 1")
		require.NoError(t, err)
		assert.Same(t, st, st2, "re-prepare under the same name reuses the statement")

		var v int64
		require.NoError(t, st2.QueryRowContext(ctx, 41).Scan(&v))
		assert.Equal(t, int64(42), v)
	})

	t.Run("exhaustion surfaces after timeout", func(t *testing.T) {
		small := &Pool{ConnString: connString, Schema: "plex", Size: 1, AcquireTimeout: 100 * time.Millisecond}
		require.NoError(t, small.Start())
		defer func() { require.NoError(t, small.Close()) }()

		c, err := small.Acquire(ctx, 1)
		require.NoError(t, err)

		_, err = small.Acquire(ctx, 2)
		require.ErrorIs(t, err, ErrExhausted)
		c.Release()

		c2, err := small.Acquire(ctx, 2)
		require.NoError(t, err)
		c2.Release()
	})

	t.Run("reaper closes idle sessions", func(t *testing.T) {
		rp := &Pool{ConnString: connString, Schema: "plex", Size: 2, IdleTimeout: 50 * time.Millisecond}
		require.NoError(t, rp.Start())
		defer func() { require.NoError(t, rp.Close()) }()

		c, err := rp.Acquire(ctx, 1)
		require.NoError(t, err)
		c.Release()

		time.Sleep(80 * time.Millisecond)
		rp.reap()

		free, _, ready := rp.states()
		assert.Equal(t, 2, free, "idle session closed and slot freed")
		assert.Zero(t, ready)
	})

	t.Run("discard frees the slot", func(t *testing.T) {
		dp := &Pool{ConnString: connString, Schema: "plex", Size: 1, AcquireTimeout: time.Second}
		require.NoError(t, dp.Start())
		defer func() { require.NoError(t, dp.Close()) }()

		c, err := dp.Acquire(ctx, 1)
		require.NoError(t, err)
		sess := c.Session
		c.Discard()

		c2, err := dp.Acquire(ctx, 1)
		require.NoError(t, err)
		defer c2.Release()
		assert.NotEqual(t, sess, c2.Session, "discarded session is gone, a fresh one opened")
	})

	t.Run("warmup opens sessions", func(t *testing.T) {
		wp := &Pool{ConnString: connString, Schema: "plex", Size: 3}
		require.NoError(t, wp.Start())
		defer func() { require.NoError(t, wp.Close()) }()

		require.NoError(t, wp.Warmup(ctx, 2))
		free, _, ready := wp.states()
		assert.Equal(t, 2, ready)
		assert.Equal(t, 1, free)

		// a warm session is preferred over a cold open
		c, err := wp.Acquire(ctx, 9)
		require.NoError(t, err)
		defer c.Release()
		free, _, _ = wp.states()
		assert.Equal(t, 1, free, "no new session was opened")
	})
}

// states counts slots per state, for assertions only.
func (p *Pool) states() (free, reserved, ready int) {
	for _, s := range p.slots {
		switch s.state.Load() {
		case stateFree:
			free++
		case stateReserved:
			reserved++
		case stateReady:
			ready++
		}
	}
	return free, reserved, ready
}

func startPostgresContainer(t *testing.T) (testcontainers.Container, string) {
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
	connString := fmt.Sprintf("postgres://postgres:password@%s:%d/postgres?sslmode=disable", host, port.Int())

	db, err := sql.Open("postgres", connString)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS plex")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	return container, connString
}
