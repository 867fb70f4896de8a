package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	outputMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the registered output sink or nil if no sink has
// been registered yet.
func GetOutputSink() io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	return outputSink
}

// Printf formats its arguments like fmt.Printf and writes the result to the
// registered output sink. If no sink is available, then the output is
// buffered into a ring-buffer which gets flushed into the sink once
// SetOutputSink is invoked.
func Printf(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if outputSink == nil {
		_, _ = fmt.Fprintf(&earlyPrintBuffer, format, args...)
		return
	}

	_, _ = fmt.Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer behaves like Printf.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		Printf(format, args...)
		return
	}

	_, _ = fmt.Fprintf(w, format, args...)
}
