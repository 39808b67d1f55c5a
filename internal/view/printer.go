// Package view prints chat records to a terminal.
package view

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"chatlink/internal/chat"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	signatureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FB7185")).Bold(true)
)

// Options configures a Printer
type Options struct {
	Plain    bool // no colour and no markdown rendering
	WordWrap int  // markdown wrap width; 0 means 80
}

// Printer writes records one per block. It is safe for concurrent use.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	plain bool
	md    *glamour.TermRenderer
}

// New creates a Printer writing to out.
func New(out io.Writer, opts Options) (*Printer, error) {
	p := &Printer{out: out, plain: opts.Plain}
	if opts.Plain {
		return p, nil
	}

	wrap := opts.WordWrap
	if wrap <= 0 {
		wrap = 80
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	p.md = md
	return p, nil
}

// Print writes rec.
func (p *Printer) Print(rec chat.DisplayRecord) {
	line := p.Format(rec)

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// Printf writes a status line that is not part of the chat.
func (p *Printer) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !p.plain {
		msg = systemStyle.Render(msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, msg)
}

// Format renders rec without writing it.
func (p *Printer) Format(rec chat.DisplayRecord) string {
	if p.plain {
		return formatPlain(rec)
	}

	var b strings.Builder
	if rec.DisplayTime != "" {
		b.WriteString(timeStyle.Render("[" + rec.DisplayTime + "]"))
		b.WriteByte(' ')
	}

	switch rec.Kind {
	case chat.KindSystem:
		b.WriteString(systemStyle.Render(rec.Content))
		return b.String()
	case chat.KindError:
		b.WriteString(errorStyle.Render(rec.Content))
		return b.String()
	}

	name := lipgloss.NewStyle().Foreground(lipgloss.Color(rec.Color)).Bold(true)
	b.WriteString(name.Render(rec.Username))
	b.WriteString(": ")

	if rec.Kind == chat.KindAssistant {
		body, signature := splitSignature(rec.Content)
		b.WriteString("\n")
		b.WriteString(p.markdown(body))
		if signature != "" {
			b.WriteString("\n")
			b.WriteString(signatureStyle.Render(signature))
		}
		return b.String()
	}

	b.WriteString(rec.Content)
	return b.String()
}

func formatPlain(rec chat.DisplayRecord) string {
	var b strings.Builder
	if rec.DisplayTime != "" {
		b.WriteString("[" + rec.DisplayTime + "] ")
	}
	switch rec.Kind {
	case chat.KindSystem:
		b.WriteString("* " + rec.Content)
	case chat.KindError:
		b.WriteString("! " + rec.Content)
	default:
		b.WriteString(rec.Username + ": " + rec.Content)
	}
	return b.String()
}

func (p *Printer) markdown(s string) string {
	out, err := p.md.Render(s)
	if err != nil {
		return s
	}
	return strings.Trim(out, "\n")
}

// splitSignature separates an assistant reply from its trailing AI signature line.
func splitSignature(content string) (body, signature string) {
	i := strings.LastIndex(content, chat.AssistantSignature)
	if i < 0 {
		return content, ""
	}
	return content[:i], strings.TrimPrefix(content[i:], "\n")
}
