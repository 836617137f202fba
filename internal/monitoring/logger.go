// Package monitoring holds the process-wide diagnostic hooks: the Logf logger
// used by every component and the Prometheus collectors for the fusion engine.
package monitoring

import (
	"fmt"
	"log"
)

// Logf receives every diagnostic line. Messages start with a "[Component]"
// tag, which ZerologLogf lifts into a field.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger swaps the hook; nil mutes logging.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// VolumeLogf returns a logger that tags each line with component and volume
// ID. It resolves Logf on every call, so a later SetLogger still applies.
func VolumeLogf(component, volumeID string) func(format string, v ...interface{}) {
	prefix := fmt.Sprintf("[%s] volume=%s ", component, volumeID)
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
