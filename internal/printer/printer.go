// Package printer holds the CLI's output helpers: colored status
// lines, table rendering, and the error-to-exit-code mapping.
package printer

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/gitswarm/gitswarm/pkg/model"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix.
func Success(format string, a ...any) {
	green.Printf("✓ %s", fmt.Sprintf(format, a...))
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow.
func Warning(format string, a ...any) {
	yellow.Printf("! %s", fmt.Sprintf(format, a...))
}

// Step prints a step message with emphasis (used in multi-step
// operations).
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain message.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}

// ExitCode maps an error's class to the CLI exit code contract:
// 0 success, 1 general error, 2 usage, 3 not found, 4 conflict.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch model.CodeOf(err) {
	case model.CodeValidation:
		return 2
	case model.CodeNotFound:
		return 3
	case model.CodeConflict, model.CodeConsensus:
		return 4
	default:
		return 1
	}
}

// Fail prints the error in red to stderr and returns it for cobra's
// error handling (which is silenced, so nothing prints twice).
func Fail(err error) error {
	red.Fprintf(os.Stderr, "error: %v\n", err)
	if model.CodeOf(err) == model.CodeConsensus {
		fmt.Fprintln(os.Stderr, "  the stream needs more approvals before this operation can proceed")
	}
	return err
}

// Table renders rows under a header, suited to terminal scanning.
func Table(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	table.Header(cells...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			fmt.Fprintf(w, "%v\n", row)
		}
	}
	if err := table.Render(); err != nil {
		for _, row := range rows {
			fmt.Fprintf(w, "%v\n", row)
		}
	}
}
