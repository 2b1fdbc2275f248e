// Package monitoring holds the diagnostic logger shared by the scan packages.
package monitoring

import (
	"fmt"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger so tests can capture or mute controller output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Capture redirects Logf into memory until restore is called. lines returns
// a copy of everything logged so far.
func Capture() (lines func() []string, restore func()) {
	prev := Logf
	var (
		mu  sync.Mutex
		out []string
	)
	Logf = func(format string, v ...interface{}) {
		mu.Lock()
		out = append(out, fmt.Sprintf(format, v...))
		mu.Unlock()
	}
	lines = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), out...)
	}
	return lines, func() { Logf = prev }
}
