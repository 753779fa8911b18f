package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// TextFormatter renders markers to a writer, colorizing by severity
// when the destination is a terminal — the same check the teacher
// performs before enabling hclog.AutoColor in cmdutil.Helper.Logger().
type TextFormatter struct {
	w      io.Writer
	color  bool
	warnC  *color.Color
	errC   *color.Color
	infoC  *color.Color
}

// NewTextFormatter builds a formatter writing to w. If w is *os.File
// and refers to a terminal, colors are enabled automatically.
func NewTextFormatter(w io.Writer) *TextFormatter {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &TextFormatter{
		w:     w,
		color: useColor,
		warnC: color.New(color.FgYellow),
		errC:  color.New(color.FgRed),
		infoC: color.New(color.FgCyan),
	}
}

// Listener returns a diag.Listener that writes markers as they arrive.
func (f *TextFormatter) Listener() Listener {
	return func(m Marker) { f.Write(m) }
}

// Write renders a single marker.
func (f *TextFormatter) Write(m Marker) {
	line := m.String()
	if !f.color {
		fmt.Fprintln(f.w, line)
		return
	}
	switch m.Severity {
	case Error:
		f.errC.Fprintln(f.w, line)
	case Warn:
		f.warnC.Fprintln(f.w, line)
	default:
		f.infoC.Fprintln(f.w, line)
	}
}
