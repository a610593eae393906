// Package monitoring holds the process-wide diagnostic loggers.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug turns Debugf output on or off.
func SetDebug(on bool) { debug.Store(on) }

// DebugEnabled reports whether Debugf currently logs.
func DebugEnabled() bool { return debug.Load() }

// Debugf logs through Logf with a "debug: " prefix, only when debug output
// is enabled. Per-frame noise such as dropped line-noise frames goes here.
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	Logf("debug: "+format, v...)
}
