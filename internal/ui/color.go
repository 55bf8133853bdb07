// Package ui holds console output helpers: colour styles for human-facing
// headlines and the structured logger.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/gookit/color"
)

var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

// Out is where headlines go. Tests swap it for a buffer.
var Out io.Writer = os.Stderr

// Step prints a "-> message" headline.
func Step(format string, args ...any) {
	fmt.Fprint(Out, colArrow.Sprint("-> "), colSuccess.Sprintf(format, args...), "\n")
}

// Info prints a secondary line.
func Info(format string, args ...any) {
	fmt.Fprint(Out, colInfo.Sprintf(format, args...), "\n")
}

// Warn prints a warning headline.
func Warn(format string, args ...any) {
	fmt.Fprint(Out, colArrow.Sprint("-> "), colWarn.Sprintf(format, args...), "\n")
}

// Error prints a fatal error headline.
func Error(err error) {
	fmt.Fprint(Out, colArrow.Sprint("-> "), colError.Sprintf("Error: %v", err), "\n")
}
