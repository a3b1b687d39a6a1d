package testutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/loomhq/loom/internal/log"
)

// testWriter routes log output through t.Logf so backend warnings show up
// next to the failure that triggered them.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

// Logger returns a logger whose output lands in t's log, visible with -v
// or on failure. Warn and above only; backends log retries and transient
// faults at that level.
func Logger(t *testing.T) log.Logger {
	t.Helper()
	return log.NewWithWriter(testWriter{t: t}, log.Config{Level: slog.LevelWarn})
}
