package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chatlink/internal/chat"
	"chatlink/internal/connection"
	"chatlink/internal/logging"
	"chatlink/internal/session"

	"github.com/peterh/liner"
)

const historyFileName = "chat_history"

// lineReader is the part of chatCLI the REPL needs. suggestion, when not
// empty, is pre-filled as editable input.
type lineReader interface {
	ReadInput(prompt, suggestion string) (string, error)
}

// promptReader is a lineReader owning terminal state.
type promptReader interface {
	lineReader
	Close()
}

// chatCLI provides line editing and persistent input history.
type chatCLI struct {
	line        *liner.State
	historyFile string
}

func newChatCLI(dir string) *chatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	cli := &chatCLI{
		line:        line,
		historyFile: filepath.Join(dir, historyFileName),
	}
	if f, err := os.Open(cli.historyFile); err == nil {
		cli.line.ReadHistory(f)
		f.Close()
	}
	return cli
}

func newChatPrompt(dir string) promptReader {
	return newChatCLI(dir)
}

// ReadInput reads one line, adding non-blank input to the history.
func (c *chatCLI) ReadInput(prompt, suggestion string) (string, error) {
	var input string
	var err error
	if suggestion != "" {
		input, err = c.line.PromptWithSuggestion(prompt, suggestion, -1)
	} else {
		input, err = c.line.Prompt(prompt)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history and restores the terminal.
func (c *chatCLI) Close() {
	if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		c.line.WriteHistory(f)
		f.Close()
	}
	c.line.Close()
}

type slashCommand struct {
	help string
	run  func(a *App, ctx context.Context, args string) (quit bool)
}

var slashCommands = map[string]slashCommand{
	"/connect": {"connect with the current credential", func(a *App, ctx context.Context, _ string) bool {
		switch err := a.session.Connect(ctx); {
		case errors.Is(err, connection.ErrBusy):
			a.printer.Printf("Already %s.", a.session.State())
		case err != nil:
			a.printer.Printf("Connect failed: %v", err)
		default:
			a.printer.Printf("Connected.")
		}
		return false
	}},
	"/disconnect": {"close the chat connection", func(a *App, ctx context.Context, _ string) bool {
		if err := a.session.Disconnect(ctx); err != nil {
			a.printer.Printf("Disconnect: %v", err)
		}
		a.printer.Printf("Disconnected.")
		return false
	}},
	"/clear": {"clear the message log", func(a *App, _ context.Context, _ string) bool {
		a.session.Log().Clear()
		a.printer.Printf("Cleared.")
		return false
	}},
	"/users": {"show how many users are in chat", func(a *App, ctx context.Context, _ string) bool {
		if err := a.Users(ctx); err != nil {
			a.printer.Printf("Users: %v", err)
		}
		return false
	}},
	"/providers": {"list assistant providers", func(a *App, ctx context.Context, _ string) bool {
		if err := a.Providers(ctx); err != nil {
			a.printer.Printf("Providers: %v", err)
		}
		return false
	}},
	"/status": {"show connection status", func(a *App, _ context.Context, _ string) bool {
		a.Status()
		return false
	}},
	"/login": {"store a credential: /login <token>", func(a *App, _ context.Context, args string) bool {
		if err := a.Login(args); err != nil {
			a.printer.Printf("Login: %v", err)
			return false
		}
		a.restoreDraft()
		return false
	}},
	"/logout": {"remove the stored credential", func(a *App, _ context.Context, _ string) bool {
		if err := a.Logout(); err != nil {
			a.printer.Printf("Logout: %v", err)
		}
		return false
	}},
	"/quit": {"leave the chat", func(*App, context.Context, string) bool { return true }},
}

func init() {
	slashCommands["/help"] = slashCommand{"show this help", func(a *App, _ context.Context, _ string) bool {
		for _, name := range commandNames() {
			a.printer.Printf("  %-12s %s", name, slashCommands[name].help)
		}
		a.printer.Printf("  %-12s %s", strings.TrimSpace(session.AssistantPrefix)+" <prompt>", "ask the assistant and post its answer")
		return false
	}}
}

func commandNames() []string {
	names := make([]string, 0, len(slashCommands))
	for name := range slashCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") {
		return nil
	}
	var out []string
	for _, name := range commandNames() {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}

// repl reads lines until /quit, end of input or Ctrl+C.
func (a *App) repl(ctx context.Context, in lineReader) error {
	for {
		input, err := in.ReadInput("> ", a.takePendingInput())
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		trimmed := strings.TrimSpace(input)
		if strings.HasPrefix(trimmed, "/") {
			name, args, _ := strings.Cut(trimmed, " ")
			if name == "/exit" {
				name = "/quit"
			}
			cmd, ok := slashCommands[name]
			if !ok {
				a.printer.Printf("Unknown command %s. Type /help.", name)
				continue
			}
			if cmd.run(a, ctx, strings.TrimSpace(args)) {
				return nil
			}
			continue
		}

		a.submit(ctx, input)
	}
}

func (a *App) submit(ctx context.Context, input string) {
	err := a.session.Send(ctx, input)
	switch {
	case err == nil, errors.Is(err, session.ErrEmpty):
	case errors.Is(err, chat.ErrUnauthenticated):
		// authRedirect already told the user
	case errors.Is(err, chat.ErrNotConnected):
		a.printer.Printf("Not connected. Use /connect.")
	default:
		logging.Warn("Send failed", "error", err)
		a.printer.Printf("Send failed: %v", err)
	}
}
