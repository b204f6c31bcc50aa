// Package console renders the checker's human-readable transcript: banners,
// progress steps, and success/failure markers.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// ruleWidth is the width of the ═ banner rules.
const ruleWidth = 60

// Markers printed in front of outcome lines.
const (
	MarkSuccess = "✓"
	MarkFailure = "✗"
	MarkWarning = "⚠"
)

// Printer writes styled status lines. Colors are only emitted when the
// underlying writer is a terminal.
type Printer struct {
	mu sync.Mutex
	w  io.Writer

	banner  lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	dim     lipgloss.Style
	key     lipgloss.Style
}

// New creates a Printer writing to w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		banner:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		success: r.NewStyle().Foreground(lipgloss.Color("42")),
		failure: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		warning: r.NewStyle().Foreground(lipgloss.Color("214")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("244")),
		key:     r.NewStyle().Bold(true),
	}
}

// Stdout returns a Printer for os.Stdout.
func Stdout() *Printer {
	return New(os.Stdout)
}

// Discard returns a Printer that drops all output.
func Discard() *Printer {
	return New(io.Discard)
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.w
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

// Blank prints an empty line.
func (p *Printer) Blank() {
	p.println("")
}

// Rule prints a full-width ═ rule.
func (p *Printer) Rule() {
	p.println(p.banner.Render(strings.Repeat("═", ruleWidth)))
}

// Banner prints a title between two rules.
func (p *Printer) Banner(title string) {
	p.Rule()
	p.println(p.banner.Render("  " + title))
	p.Rule()
}

// Box prints a title inside a double-line box.
func (p *Printer) Box(title string) {
	inner := ruleWidth - 1
	text := "  " + title
	if pad := inner - lipgloss.Width(text); pad > 0 {
		text += strings.Repeat(" ", pad)
	}
	p.println(p.banner.Render("╔" + strings.Repeat("═", inner) + "╗"))
	p.println(p.banner.Render("║" + text + "║"))
	p.println(p.banner.Render("╚" + strings.Repeat("═", inner) + "╝"))
}

// Step prints an in-progress line preceded by a blank line.
func (p *Printer) Step(format string, args ...any) {
	p.Blank()
	p.println(fmt.Sprintf(format, args...))
}

// Line prints a plain line.
func (p *Printer) Line(format string, args ...any) {
	p.println(fmt.Sprintf(format, args...))
}

// Detail prints an indented, dimmed line.
func (p *Printer) Detail(format string, args ...any) {
	p.println(p.dim.Render("  " + fmt.Sprintf(format, args...)))
}

// Success prints a ✓ line.
func (p *Printer) Success(format string, args ...any) {
	p.println(p.success.Render(MarkSuccess + " " + fmt.Sprintf(format, args...)))
}

// Failure prints a ✗ line.
func (p *Printer) Failure(format string, args ...any) {
	p.println(p.failure.Render(MarkFailure + " " + fmt.Sprintf(format, args...)))
}

// Warning prints a ⚠ line.
func (p *Printer) Warning(format string, args ...any) {
	p.println(p.warning.Render(MarkWarning + " " + fmt.Sprintf(format, args...)))
}

// Field prints a "Name: value" line.
func (p *Printer) Field(name, value string) {
	p.println(p.key.Render(name+":") + " " + value)
}

// Hints prints a heading followed by a numbered list.
func (p *Printer) Hints(heading string, hints []string) {
	p.Blank()
	p.println(heading)
	for i, h := range hints {
		p.println(fmt.Sprintf("  %d. %s", i+1, h))
	}
}
