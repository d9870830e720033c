// Package guard keeps the shim from recursing into itself and captures fatal
// signals. Every interposed entry passes through the depth counter; past the
// limit the call short-circuits to the native engine instead of winding the
// stack further. A crash writes a small preformatted record straight to a
// file descriptor and re-raises the signal with its default disposition.
package guard

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jabrown93/plex-postgresql/pkg/thread"
)

// MaxDepth bounds nested shim entries per goroutine; deeper calls go native.
const MaxDepth = 32

// DefaultCrashLog is where crash records land.
const DefaultCrashLog = "/tmp/plex_pg_crash.log"

// HeadroomProbe reports whether the calling context has stack room left for
// a prepare. The zero probe always says yes: goroutine stacks grow on
// demand, so depth is the effective guard.
type HeadroomProbe func() bool

// Guard tracks per-goroutine shim depth and owns the crash capture. The zero
// value is usable; Arm installs the signal watcher.
type Guard struct {
	CrashLog string        // crash record file, default /tmp/plex_pg_crash.log
	Headroom HeadroomProbe // optional stack headroom check, consulted on prepare

	depths  sync.Map // goroutine id -> *int
	armOnce sync.Once
	sigCh   chan os.Signal
}

// Enter marks one level of shim work on the calling goroutine and reports
// whether the call may proceed. False means the depth limit is hit and the
// caller must fall through to the native engine without calling Leave.
func (g *Guard) Enter() bool {
	gid := thread.ID()
	v, ok := g.depths.Load(gid)
	if !ok {
		v, _ = g.depths.LoadOrStore(gid, new(int))
	}
	d := v.(*int)
	*d++
	if *d > MaxDepth {
		*d--
		return false
	}
	return true
}

// Leave unwinds one Enter.
func (g *Guard) Leave() {
	gid := thread.ID()
	v, ok := g.depths.Load(gid)
	if !ok {
		return
	}
	d := v.(*int)
	if *d > 0 {
		*d--
	}
	if *d == 0 {
		g.depths.Delete(gid)
	}
}

// Inside reports whether the calling goroutine is already in shim work.
// Native calls the shim makes on its own behalf check this to stay out of
// the dispatch path.
func (g *Guard) Inside() bool {
	v, ok := g.depths.Load(thread.ID())
	return ok && *(v.(*int)) > 0
}

// HasHeadroom consults the probe before deep work like prepare.
func (g *Guard) HasHeadroom() bool {
	if g.Headroom == nil {
		return true
	}
	return g.Headroom()
}

// ResetAfterFork drops all depth state; the child starts with clean
// counters.
func (g *Guard) ResetAfterFork() {
	g.depths.Range(func(k, _ any) bool {
		g.depths.Delete(k)
		return true
	})
}

// Arm installs the crash capture for SIGSEGV, SIGBUS and SIGABRT. The first
// signal received is recorded and re-raised with the default disposition, so
// the host process still dies the way it would have.
func (g *Guard) Arm() {
	g.armOnce.Do(func() {
		g.sigCh = make(chan os.Signal, 1)
		signal.Notify(g.sigCh, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT)
		go func() {
			sig, ok := <-g.sigCh
			if !ok {
				return
			}
			g.record(sig)
			ss, _ := sig.(syscall.Signal)
			signal.Reset(sig)
			_ = syscall.Kill(os.Getpid(), ss)
		}()
	})
}

// Disarm stops the signal watcher, for hosts that install their own
// handlers.
func (g *Guard) Disarm() {
	if g.sigCh == nil {
		return
	}
	signal.Stop(g.sigCh)
	close(g.sigCh)
	g.sigCh = nil
}

// record appends the crash record, preformatted bytes written directly to
// the descriptor, no logger in the path.
func (g *Guard) record(sig os.Signal) {
	num := 0
	if ss, ok := sig.(syscall.Signal); ok {
		num = int(ss)
	}
	rec := []byte(fmt.Sprintf("=== PLEX-PG SHIM CRASH ===\nSignal: %d (%s)\nThread: %d\n=== END CRASH ===\n",
		num, sig.String(), thread.ID()))

	path := g.CrashLog
	if path == "" {
		path = DefaultCrashLog
	}
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
		_, _ = f.Write(rec)
		_ = f.Close()
	}
	_, _ = os.Stderr.Write(rec)
}
