// Package kfmt provides the formatted-output and panic funnel used by the
// memory subsystem. Output is written to a swappable sink; anything printed
// before a sink is installed is captured by a ring buffer and drained into
// the sink once one becomes available.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer stores Printf output before the console and TTYs
	// are initialized.
	earlyPrintBuffer earlyBuffer

	// outputSink is an io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it. Passing nil resets the
// sink so output is buffered again.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes the result to the
// currently active output sink. If no sink is installed the output lands in
// the early print ring buffer.
func Printf(format string, args ...interface{}) {
	w := outputSink
	if w == nil {
		w = &earlyPrintBuffer
	}

	fmt.Fprintf(w, format, args...)
}
