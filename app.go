package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"chatlink/internal/chat"
	"chatlink/internal/config"
	"chatlink/internal/connection"
	"chatlink/internal/httpapi"
	"chatlink/internal/logging"
	"chatlink/internal/session"
	"chatlink/internal/token"
	"chatlink/internal/view"

	"github.com/pkg/browser"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 3 * time.Second

// App wires configuration, the credential store, the chat connection and
// the terminal together.
type App struct {
	cfg     config.Config
	out     io.Writer
	printer *view.Printer
	tokens  *token.Store
	api     *httpapi.Client
	conn    *connection.Manager
	session *session.Coordinator

	// openURL opens the sign-in page and newPrompt the interactive input;
	// both are replaced in tests
	openURL   func(url string) error
	newPrompt func(dir string) promptReader

	mu           sync.Mutex
	pendingInput string
}

// NewApp creates a new App
func NewApp(cfg config.Config, out io.Writer) *App {
	return &App{
		cfg:       cfg,
		out:       out,
		openURL:   browser.OpenURL,
		newPrompt: newChatPrompt,
	}
}

// startup initializes logging, validates the config and opens the
// credential store. Every command runs it first.
func (a *App) startup(plain bool) error {
	if err := logging.Init(logging.Config{
		LogDir:     a.cfg.LogDir(),
		MaxAge:     a.cfg.Log.MaxAge,
		JSONOutput: a.cfg.Log.JSON,
		DevMode:    a.cfg.Log.Debug,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
	}

	if verr := a.cfg.Validate(); verr != nil && verr.HasWarnings() {
		for _, w := range verr.Warnings {
			logging.Warn("Config value replaced", "warning", w)
		}
	}

	printer, err := view.New(a.out, view.Options{Plain: plain})
	if err != nil {
		return err
	}
	a.printer = printer

	tokens, err := token.Open(a.cfg.TokenDir(), a.cfg.TokenKey)
	if err != nil {
		return err
	}
	a.tokens = tokens

	a.api = httpapi.New(httpapi.Options{
		AssistantURL: a.cfg.AssistantURL(),
		ProvidersURL: a.cfg.ProvidersURL(),
		UsersURL:     a.cfg.UsersURL(),
		Timeout:      a.cfg.AssistantTimeout,
	})

	logging.Info("chatlink starting",
		"server", a.cfg.ServerURL,
		"configDir", logging.MaskPath(a.cfg.Dir),
		"authenticated", tokens.Get().Present())
	return nil
}

// shutdown releases what startup and the session opened.
func (a *App) shutdown() {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := sess.Close(ctx); err != nil {
			logging.Warn("Session did not close cleanly", "error", err)
		}
		cancel()
	}
	if a.tokens != nil {
		a.tokens.Close()
	}
	logging.Info("chatlink stopped")
	logging.Close()
}

// newSession builds the connection and the coordinator. Records appended
// to the log are printed as they arrive.
func (a *App) newSession() *session.Coordinator {
	dialer := connection.NewWebSocketDialer(a.cfg.HandshakeTimeout)
	dialer.SetOrigin(a.cfg.ServerURL)

	a.conn = connection.New(connection.Options{
		URL:             a.cfg.ChatURL(),
		AuthSubprotocol: a.cfg.AuthSubprotocol,
		Dialer:          dialer,
	})

	a.conn.OnDrop(func(err error) {
		if a.cfg.Log.Debug {
			a.printer.Printf("Dropped malformed frame: %v", err)
		}
	})

	log := chat.NewLog(a.cfg.HistoryLimit)
	log.OnAppend(a.printer.Print)

	sess := session.New(session.Options{
		Tokens:            a.tokens,
		Connection:        a.conn,
		Log:               log,
		Assistant:         a.api,
		AssistantProvider: a.cfg.AssistantProvider,
		OnAuthRequired:    a.authRedirect,
		OnAssistantDone:   a.assistantDone,
		Debounce:          a.cfg.ReconnectDebounce,
		OnReconnect: func(cred token.Credential, err error) {
			if err == nil && cred.Present() {
				a.printer.Printf("Signed in, reconnected.")
			}
		},
	})

	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	return sess
}

// assistantDone reports a failed "!ai" request locally; the error reply
// only reaches the chat when the connection is still the same.
func (a *App) assistantDone(content string, err error) {
	if err != nil {
		a.printer.Printf("Assistant request failed: %v", err)
		return
	}
	logging.Debug("Assistant reply sent", "length", len(content))
}

// restoreDraft queues the message kept by a signed-out submit so the next
// prompt starts with it.
func (a *App) restoreDraft() {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return
	}
	draft := sess.Composer().Draft()
	if strings.TrimSpace(draft) == "" {
		return
	}
	a.mu.Lock()
	a.pendingInput = draft
	a.mu.Unlock()
	a.printer.Printf("Restored your unsent message. Press Enter to send it.")
}

// takePendingInput returns and clears the text to pre-fill the prompt with.
func (a *App) takePendingInput() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.pendingInput
	a.pendingInput = ""
	return s
}

// authRedirect points the user at the sign-in page, opening it in a
// browser when configured.
func (a *App) authRedirect(draft string) {
	url := a.cfg.LoginURL()
	a.printer.Printf("Sign in required. Sign in at %s and run `chatlink login --token <token>`.", url)
	if !a.cfg.OpenBrowserOnAuth {
		return
	}
	if err := a.openURL(url); err != nil {
		logging.Warn("Failed to open browser", "error", err)
	}
}

// RunChat runs the interactive chat until the user quits.
func (a *App) RunChat(ctx context.Context) error {
	sess := a.newSession()

	g, gctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(gctx)
	defer cancel()

	// the watch loop stops when the group is done
	if err := a.tokens.Watch(ctx); err != nil {
		logging.Warn("Credential changes from other processes will not be seen", "error", err)
	}

	g.Go(func() error {
		if err := sess.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.printer.Printf("Could not connect to %s: %v", a.cfg.ChatURL(), err)
		}
		return nil
	})

	a.printer.Printf("Connecting to %s. Type /help for commands.", a.cfg.ServerURL)

	g.Go(func() error {
		defer cancel()
		cli := a.newPrompt(a.cfg.Dir)
		defer cli.Close()
		return a.repl(ctx, cli)
	})

	return g.Wait()
}

// Send connects, sends one message and disconnects. A "!ai" message waits
// for the assistant's reply to be sent too.
func (a *App) Send(ctx context.Context, text string) error {
	sess := a.newSession()
	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := sess.Send(ctx, text); err != nil {
		return err
	}
	sess.Composer().Wait()
	return nil
}

// Ask queries the assistant directly and prints the reply.
func (a *App) Ask(ctx context.Context, prompt, provider string) error {
	if provider == "" {
		provider = a.cfg.AssistantProvider
	}
	reply, err := a.api.Ask(ctx, a.tokens.Get(), prompt, provider)
	if errors.Is(err, chat.ErrUnauthenticated) {
		a.authRedirect(prompt)
		return err
	}
	if err != nil {
		return err
	}
	a.printer.Print(chat.DisplayRecord{
		Username: "AI",
		Content:  session.FormatAssistantReply(reply),
		Color:    chat.HueColor(chat.Hue("AI")),
		Hue:      chat.Hue("AI"),
		Kind:     chat.KindAssistant,
	})
	return nil
}

// Users prints the number of connected chat users.
func (a *App) Users(ctx context.Context) error {
	n, err := a.api.UserCount(ctx)
	if err != nil {
		return err
	}
	a.printer.Printf("%d user(s) in chat", n)
	return nil
}

// Providers prints the configured assistant providers.
func (a *App) Providers(ctx context.Context) error {
	list, err := a.api.Providers(ctx, a.tokens.Get())
	if err != nil {
		return err
	}
	if len(list.Providers) == 0 {
		a.printer.Printf("No assistant providers configured")
		return nil
	}
	labels := make([]string, len(list.Providers))
	for i, p := range list.Providers {
		labels[i] = fmt.Sprintf("%s (%s)", httpapi.ProviderLabel(p), p)
	}
	a.printer.Printf("Providers: %s", strings.Join(labels, ", "))
	if len(list.Fallback) > 0 {
		a.printer.Printf("Fallback order: %s", strings.Join(list.Fallback, " → "))
	}
	return nil
}

// Login stores a credential.
func (a *App) Login(cred string) error {
	cred = strings.TrimSpace(cred)
	if cred == "" {
		return errors.New("empty token")
	}
	if err := a.tokens.Set(token.Credential(cred)); err != nil {
		return err
	}
	a.printer.Printf("Signed in. Credential saved to %s", logging.MaskPath(a.tokens.Path()))
	return nil
}

// Logout removes the stored credential.
func (a *App) Logout() error {
	if err := a.tokens.Clear(); err != nil {
		return err
	}
	a.printer.Printf("Signed out.")
	return nil
}

// Status prints configuration and, inside a chat, the connection state.
func (a *App) Status() {
	a.printer.Printf("Server:    %s", a.cfg.ServerURL)
	a.printer.Printf("Chat:      %s", a.cfg.ChatURL())
	a.printer.Printf("Config:    %s", logging.MaskPath(config.Path(a.cfg.Dir)))
	if a.tokens.Get().Present() {
		a.printer.Printf("Signed in: yes")
	} else {
		a.printer.Printf("Signed in: no")
	}

	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return
	}
	a.printer.Printf("State:     %s (generation %d)", sess.State(), a.conn.Generation())
	a.printer.Printf("Messages:  %d shown, %d malformed dropped", sess.Log().Len(), a.conn.Dropped())
	if err := a.conn.LastError(); err != nil {
		a.printer.Printf("Last error: %v", err)
	}
}

// InitConfig writes the current configuration to the config file.
func (a *App) InitConfig(force bool) error {
	path := config.Path(a.cfg.Dir)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := a.cfg.ValidateStrict(); err != nil {
		return err
	}
	if err := a.cfg.Save(); err != nil {
		return err
	}
	a.printer.Printf("Wrote %s", logging.MaskPath(path))
	return nil
}
