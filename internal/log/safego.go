package log

import (
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Faults that cannot be survived: continuing after one of these risks
// corrupt state or a tight crash loop.
var fatalPatterns = []string{
	"address already in use",
	"broken pipe",
	"database disk image is malformed",
	"out of memory",
	"too many open files",
}

const (
	faultWindow    = 10 * time.Second
	faultThreshold = 10
)

var (
	faultMu     sync.Mutex
	faultTimes  []time.Time
	crashFlush  func()
	crashFlushM sync.Mutex
)

// SetCrashFlush registers a synchronous state-flush hook invoked after every
// recovered panic, before deciding whether to exit. Typically wired to the
// registry's synchronous persistence path.
func SetCrashFlush(fn func()) {
	crashFlushM.Lock()
	defer crashFlushM.Unlock()
	crashFlush = fn
}

// SafeGo runs fn on a new goroutine with panic recovery. A recovered panic is
// logged and counted; the process exits only when the fault is fatal or when
// more than faultThreshold faults occur within faultWindow.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				RecordFault(name, r)
			}
		}()
		fn()
	}()
}

// RecordFault logs a recovered fault, flushes state synchronously, and exits
// the process when the fault is fatal or the rolling fault window overflows.
func RecordFault(name string, r any) {
	Error(CatReg, "recovered panic", "goroutine", name, "panic", r, "stack", string(debug.Stack()))

	crashFlushM.Lock()
	flush := crashFlush
	crashFlushM.Unlock()
	if flush != nil {
		flush()
	}

	msg := strings.ToLower(panicString(r))
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			Error(CatReg, "fatal fault, exiting", "goroutine", name, "pattern", pattern)
			os.Exit(1)
		}
	}

	if recordAndCheckFlood() {
		Error(CatReg, "fault flood, exiting", "goroutine", name, "threshold", faultThreshold, "window", faultWindow)
		os.Exit(1)
	}
}

// recordAndCheckFlood appends a fault timestamp and reports whether more than
// faultThreshold faults occurred within faultWindow.
func recordAndCheckFlood() bool {
	faultMu.Lock()
	defer faultMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-faultWindow)

	kept := faultTimes[:0]
	for _, t := range faultTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	faultTimes = append(kept, now)

	return len(faultTimes) > faultThreshold
}

func panicString(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return ""
	}
}
