// Package monitoring provides the package-level diagnostic logger shared by
// the tracking pipeline. Per-frame hot paths must not log; lifecycle events
// (track creation, confirmation, deletion, session failure, dropped frames)
// go through Logf so tests and embedders can redirect or mute them.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
