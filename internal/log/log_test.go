package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer for concurrent writes from SafeGo tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLog_FormatsLevelCategoryAndFields(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetMinLevel(LevelDebug)

	Info(CatReg, "worker spawned", "workerID", "abcd1234", "project", "demo")

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[reg]")
	assert.Contains(t, out, "worker spawned")
	assert.Contains(t, out, "workerID=abcd1234")
	assert.Contains(t, out, "project=demo")
}

func TestLog_MinLevelFilters(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetMinLevel(LevelWarn)
	defer SetMinLevel(LevelDebug)

	Debug(CatAPI, "dropped")
	Warn(CatAPI, "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestLog_OddFieldCount(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetMinLevel(LevelDebug)

	Info(CatReg, "msg", "orphan")

	assert.Contains(t, buf.String(), "orphan=<missing>")
}

func TestErrorErr_NilError(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetMinLevel(LevelDebug)

	ErrorErr(CatStore, "save failed", nil)

	assert.Contains(t, buf.String(), "error=<nil>")
}

func TestSafeGo_RecoversPanicAndFlushes(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)
	SetMinLevel(LevelDebug)

	flushed := make(chan struct{}, 1)
	SetCrashFlush(func() { flushed <- struct{}{} })
	defer SetCrashFlush(nil)

	done := make(chan struct{})
	SafeGo("test.panics", func() {
		defer close(done)
		panic("benign test panic")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("crash flush not invoked")
	}

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "recovered panic")
	}, time.Second, 10*time.Millisecond)
}

func TestRecordAndCheckFlood(t *testing.T) {
	faultMu.Lock()
	faultTimes = nil
	faultMu.Unlock()

	for i := 0; i < faultThreshold; i++ {
		assert.False(t, recordAndCheckFlood(), "fault %d should not trip the watchdog", i)
	}
	assert.True(t, recordAndCheckFlood(), "fault beyond threshold should trip the watchdog")

	faultMu.Lock()
	faultTimes = nil
	faultMu.Unlock()
}
