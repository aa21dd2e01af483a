package server

import (
	"io"
	"log"
	"os"
)

// Package-level loggers. errorLog always writes; debugLog is discarded unless
// debug logging is enabled at startup.
var (
	errorLog = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging routes debug output to w
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
}
