// Package tui renders the gateway's command-line output.
//
// DESIGN: Output is colored only when it goes to a terminal. Every function
// takes the writer explicitly so commands can be rendered into a buffer in
// tests; Console bundles a writer with its color decision.
package tui

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// =============================================================================
// COLORS
// =============================================================================

const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorGreen  = "\033[0;32m"
	ColorBlue   = "\033[0;34m"
	ColorCyan   = "\033[0;36m"
	ColorYellow = "\033[1;33m"
	ColorRed    = "\033[0;31m"
	ColorBrand  = "\033[38;2;23;128;68m"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Console writes status lines, colored when Color is set.
type Console struct {
	W     io.Writer
	Color bool
}

// NewConsole colors output only when f is a terminal.
func NewConsole(f *os.File) *Console {
	return &Console{W: f, Color: IsTerminal(f)}
}

func (c *Console) paint(color, s string) string {
	if !c.Color {
		return s
	}
	return color + s + ColorReset
}

// =============================================================================
// PRINT FUNCTIONS
// =============================================================================

// Banner prints the one-line product banner.
func (c *Console) Banner(version string) {
	fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorBrand+ColorBold, "AI Gateway"), c.paint(ColorDim, version))
}

// Header prints a styled section header.
func (c *Console) Header(title string) {
	rule := "========================================"
	fmt.Fprintf(c.W, "\n%s\n%s\n%s\n\n", c.paint(ColorBold+ColorCyan, rule), c.paint(ColorBold+ColorCyan, "  "+title), c.paint(ColorBold+ColorCyan, rule))
}

// Success prints a message with a green [OK] prefix.
func (c *Console) Success(msg string) {
	fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorGreen, "[OK]"), msg)
}

// Info prints a message with a blue [INFO] prefix.
func (c *Console) Info(msg string) {
	fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorBlue, "[INFO]"), msg)
}

// Warn prints a message with a yellow [WARN] prefix.
func (c *Console) Warn(msg string) {
	fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorYellow, "[WARN]"), msg)
}

// Error prints a message with a red [ERROR] prefix.
func (c *Console) Error(msg string) {
	fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorRed, "[ERROR]"), msg)
}

// Step prints an action line with a cyan >>> prefix.
func (c *Console) Step(msg string) {
	fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorCyan, ">>>"), msg)
}
