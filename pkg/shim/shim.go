// Package shim is the interposition surface. Every intercepted entry point of
// the embedded engine dispatches here: a handle found in the shim's registries
// takes the shadow path against the server, any other handle rides through to
// the native engine untouched. Return codes are bit-exact with the engine ABI
// the host was built against.
package shim

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jabrown93/plex-postgresql/pkg/cache"
	"github.com/jabrown93/plex-postgresql/pkg/config"
	"github.com/jabrown93/plex-postgresql/pkg/guard"
	"github.com/jabrown93/plex-postgresql/pkg/logger"
	"github.com/jabrown93/plex-postgresql/pkg/pool"
	"github.com/jabrown93/plex-postgresql/pkg/registry"
	"github.com/jabrown93/plex-postgresql/pkg/secrets"
	"github.com/jabrown93/plex-postgresql/pkg/statement"
)

// Code is an engine result code. Values are bit-exact with the ABI of the
// engine the host links against.
type Code int

// result codes surfaced by the interposed entry points
const (
	OK       Code = 0
	Error    Code = 1
	Busy     Code = 5
	NoMem    Code = 7
	ReadOnly Code = 8
	Misuse   Code = 21
	Range    Code = 25
	Row      Code = 100
	Done     Code = 101
)

// String returns the engine's canonical message for the code.
func (c Code) String() string {
	switch c {
	case OK:
		return "not an error"
	case Error:
		return "SQL logic error"
	case Busy:
		return "database is locked"
	case NoMem:
		return "out of memory"
	case ReadOnly:
		return "attempt to write a readonly database"
	case Misuse:
		return "bad parameter or other API misuse"
	case Range:
		return "column index out of range"
	case Row:
		return "another row available"
	case Done:
		return "no more rows available"
	}
	return fmt.Sprintf("unknown error %d", int(c))
}

// OpenReadOnly is the open-flags bit marking a read-only host handle.
const OpenReadOnly = 0x1

// codeFor maps wrapped sentinels from the lower layers onto result codes.
// Pool exhaustion and query timeouts surface as Busy, bind range as Range,
// lifecycle misuse as Misuse; everything else is a plain Error.
func codeFor(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, statement.ErrRange):
		return Range
	case errors.Is(err, statement.ErrMisuse):
		return Misuse
	case errors.Is(err, statement.ErrBusy), errors.Is(err, pool.ErrExhausted):
		return Busy
	}
	return Error
}

// Engine is the process-wide shim state: settings, log sink, server pool,
// result cache, recursion guard and the handle registries. One Engine serves
// every interposed call for the life of the host process.
type Engine struct {
	set    *config.Settings
	log    *logger.Log
	pool   *pool.Pool
	cache  *cache.Cache
	guard  *guard.Guard
	native Native

	dbs   *registry.Registry[*DB]
	stmts *registry.Registry[*Stmt]
	vals  *registry.Registry[*Value]
}

var (
	engOnce sync.Once
	engErr  error
	engCur  atomic.Pointer[Engine]
)

// Context returns the process-wide engine, created on first use from the
// config named by PLEX_PG_CONFIG. A failed init is remembered: the host keeps
// running on its native engine and every later call reports the same error.
func Context() (*Engine, error) {
	engOnce.Do(func() {
		e, err := initEngine()
		if err != nil {
			engErr = err
			log.Printf("[WARN] redirect disabled: %v", err)
			return
		}
		engCur.Store(e)
	})
	if e := engCur.Load(); e != nil {
		return e, nil
	}
	return nil, engErr
}

// AfterFork re-arms the process-wide engine in a forked child. A fork before
// first use has nothing to reset.
func AfterFork() {
	if e := engCur.Load(); e != nil {
		e.AfterFork()
	}
}

func initEngine() (*Engine, error) {
	set, err := config.New(config.Location(), resolverFromEnv())
	if err != nil {
		return nil, fmt.Errorf("can't load config: %w", err)
	}
	return newEngine(set)
}

// newEngine wires the component stack from loaded settings.
func newEngine(set *config.Settings) (*Engine, error) {
	lg, err := logger.New(set.LogLevel, set.LogFile)
	if err != nil {
		return nil, fmt.Errorf("can't open log sink: %w", err)
	}
	lg.Setup()

	res := &Engine{
		set:    set,
		log:    lg,
		cache:  cache.New(time.Duration(set.CacheTTLMs) * time.Millisecond),
		guard:  &guard.Guard{},
		native: embeddedOpener{},
		dbs:    registry.New[*DB](),
		stmts:  registry.New[*Stmt](),
		vals:   registry.New[*Value](),
	}
	res.pool = &pool.Pool{
		ConnString:  set.ConnString(),
		Schema:      set.Schema,
		Size:        set.MaxConnections,
		IdleTimeout: time.Duration(set.IdleTimeoutS) * time.Second,
		ReapHook:    res.cache.Sweep,
	}
	if err := res.pool.Start(); err != nil {
		return nil, fmt.Errorf("can't start connection pool: %w", err)
	}
	res.guard.Arm()

	log.Printf("[INFO] shim ready, redirecting %v", set.Redirects())
	return res, nil
}

// resolverFromEnv builds the secrets resolver for password references in the
// config. A provider joins only when its env credentials are present; a plain
// password needs none of them.
func resolverFromEnv() *secrets.Resolver {
	r := secrets.NewResolver()
	if addr := os.Getenv("PLEX_PG_VAULT_ADDR"); addr != "" {
		p, err := secrets.NewHashiVaultProvider(addr, os.Getenv("PLEX_PG_VAULT_PATH"), os.Getenv("PLEX_PG_VAULT_TOKEN"))
		if err != nil {
			log.Printf("[WARN] vault secrets unavailable: %v", err)
		} else {
			r.Register("vault", p)
		}
	}
	if keyID := os.Getenv("PLEX_PG_AWS_KEY"); keyID != "" {
		p, err := secrets.NewAWSSecretsProvider(keyID, os.Getenv("PLEX_PG_AWS_SECRET"), os.Getenv("PLEX_PG_AWS_REGION"))
		if err != nil {
			log.Printf("[WARN] aws secrets unavailable: %v", err)
		} else {
			r.Register("aws", p)
		}
	}
	if vaultFile := os.Getenv("PLEX_PG_ANSIBLE_VAULT"); vaultFile != "" {
		p, err := secrets.NewAnsibleVaultProvider(vaultFile, os.Getenv("PLEX_PG_ANSIBLE_SECRET"))
		if err != nil {
			log.Printf("[WARN] ansible-vault secrets unavailable: %v", err)
		} else {
			r.Register("ansible", p)
		}
	}
	if store := os.Getenv("PLEX_PG_SECRETS_DB"); store != "" {
		p, err := secrets.NewInternalProvider(store, []byte(os.Getenv("PLEX_PG_SECRETS_KEY")))
		if err != nil {
			log.Printf("[WARN] internal secrets store unavailable: %v", err)
		} else {
			r.Register("secret", p)
		}
	}
	return r
}

// AfterFork re-arms child state: pool slots are forced FREE without touching
// inherited descriptors, per-goroutine caches and rings are dropped, guard
// depths cleared and the log sink reopened. Handles survive the fork; the
// host keeps using them and the next prepare opens a fresh server session.
func (e *Engine) AfterFork() {
	e.pool.ResetAfterFork()
	e.guard.ResetAfterFork()
	e.cache.ResetAfterFork()
	e.dbs.Range(func(_ uint64, d *DB) bool {
		if d.mgr != nil {
			d.mgr.ResetAfterFork()
		}
		return true
	})
	if err := e.log.Reopen(); err != nil {
		log.Printf("[WARN] can't reopen log in child: %v", err)
	}
	log.Printf("[INFO] shim state reset in forked child")
}

// Shutdown releases everything the engine owns: native handles, the server
// pool, the cache and the signal watcher. The host calls it on unload; a
// crashing host never does, matching the teardown contract.
func (e *Engine) Shutdown() error {
	result := new(multierror.Error)
	e.dbs.Range(func(id uint64, d *DB) bool {
		if err := d.native.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("native close of %s: %w", d.path, err))
		}
		e.dbs.Unregister(id)
		return true
	})
	e.stmts.Reset()
	e.vals.Reset()
	e.guard.Disarm()
	e.cache.Close()
	if err := e.pool.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("pool close: %w", err))
	}
	return result.ErrorOrNil()
}
