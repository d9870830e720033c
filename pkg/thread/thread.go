// Package thread provides the identity of the calling goroutine.
// The shim keys all of its per-caller state (result cache shards, text
// rings, guard counters) by this id.
package thread

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns the numeric id of the calling goroutine. The id is stable for
// the goroutine's lifetime and never reused while it runs.
func ID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// first line is "goroutine NN [running]:"
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		buf = buf[:i]
	}
	id, err := strconv.ParseUint(string(buf), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
