package statement

import (
	"fmt"
	"log"
	"os"
	"time"
)

// logFallback appends the rejected statement to the fallback log, original
// and translated text with the server's complaint. The log is append-only
// and best effort, a write failure never fails the statement flow.
func (m *Manager) logFallback(orig, translated string, cause error, tag string) {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()

	path := m.FallbackLog
	if path == "" {
		path = DefaultFallbackLog
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("[WARN] can't open fallback log %s: %v", path, err)
		return
	}
	defer f.Close() // nolint

	ts := time.Now().Format("2006-01-02 15:04:05.000")
	_, _ = fmt.Fprintf(f, "%s [%s] %v\n  original:   %s\n  translated: %s\n", ts, tag, cause, orig, translated)
}
