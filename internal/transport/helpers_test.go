package transport

import (
	"os"
	"testing"

	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/event"
)

func withEnvVars(t *testing.T, vars map[string]string, fn func()) {
	t.Helper()
	oldValues := make(map[string]string)
	for key, val := range vars {
		oldValues[key] = os.Getenv(key)
		if val == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, val)
		}
	}
	defer func() {
		for key, val := range oldValues {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}()
	fn()
}

func testBatch(names ...string) *dispatch.Batch {
	b := &dispatch.Batch{ID: "batch-1"}
	for _, n := range names {
		b.Events = append(b.Events, event.New(event.Track{Name: n}, event.CategoryAnalytics, nil))
	}
	return b
}
