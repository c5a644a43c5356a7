package debug

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withDebugEnabled(t *testing.T) *bytes.Buffer {
	t.Helper()
	originalFlag := EnableDebug
	EnableDebug = "true"
	buf := &bytes.Buffer{}
	SetDebugOutput(buf)
	t.Cleanup(func() {
		EnableDebug = originalFlag
		SetDebugOutput(nil)
	})
	return buf
}

func TestIsDebugEnabled_BuildFlag(t *testing.T) {
	originalFlag := EnableDebug
	defer func() { EnableDebug = originalFlag }()

	EnableDebug = "true"
	assert.True(t, IsDebugEnabled())

	EnableDebug = "false"
	t.Setenv("DEBUG", "")
	assert.False(t, IsDebugEnabled())
}

func TestIsDebugEnabled_EnvOverride(t *testing.T) {
	originalFlag := EnableDebug
	defer func() { EnableDebug = originalFlag }()
	EnableDebug = "false"

	t.Setenv("DEBUG", "1")
	assert.True(t, IsDebugEnabled())
}

func TestPrintf_SuppressedWithoutOutput(t *testing.T) {
	originalFlag := EnableDebug
	defer func() { EnableDebug = originalFlag }()
	EnableDebug = "true"
	SetDebugOutput(nil)

	// Should not panic even though no writer is configured.
	Printf("hello %s", "world")
}

func TestPrintf_WritesWhenEnabled(t *testing.T) {
	buf := withDebugEnabled(t)
	Printf("value=%d", 42)
	assert.Contains(t, buf.String(), "[DEBUG] value=42")
}

func TestLogScheduler(t *testing.T) {
	buf := withDebugEnabled(t)
	LogScheduler("dispatching %s", "url")
	assert.Contains(t, buf.String(), "[DEBUG:SCHED] dispatching url")
}

func TestLogLock(t *testing.T) {
	buf := withDebugEnabled(t)
	LogLock("write lock acquired by %d", 7)
	assert.Contains(t, buf.String(), "[DEBUG:LOCK] write lock acquired by 7")
}

func TestLogInterner(t *testing.T) {
	buf := withDebugEnabled(t)
	LogInterner("interned %q as %d", "foo", 3)
	assert.Contains(t, buf.String(), "[DEBUG:INTERN]")
}

func TestLogDocSource(t *testing.T) {
	buf := withDebugEnabled(t)
	LogDocSource("opened %s", "/a/b.go")
	assert.Contains(t, buf.String(), "[DEBUG:DOCSRC] opened /a/b.go")
}

func TestFatal(t *testing.T) {
	buf := withDebugEnabled(t)
	err := Fatal("disk full: %s", "/tmp")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full"))
	assert.Contains(t, buf.String(), "[FATAL]")
}

func TestConcurrentLogging(t *testing.T) {
	withDebugEnabled(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			LogScheduler("from goroutine %d", id)
			LogLock("from goroutine %d", id)
		}(i)
	}
	wg.Wait()
}
