// Package session binds the stored credential to the chat connection: it
// reconnects when the credential changes, renders what arrives and sends
// what the user composes.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatlink/internal/chat"
	"chatlink/internal/connection"
	"chatlink/internal/logging"
	"chatlink/internal/token"
)

const (
	defaultDebounce = 250 * time.Millisecond

	// SystemAuthor signs notices the client adds to the log itself.
	SystemAuthor = "system"
)

// Connection is the connection surface the coordinator drives.
type Connection interface {
	Sender
	Connect(ctx context.Context, cred token.Credential) error
	Disconnect(ctx context.Context) error
	State() connection.State
	OnState(fn func(connection.StateChange))
	OnMessage(fn func(chat.Inbound))
}

// TokenSource is the credential store.
type TokenSource interface {
	CredentialSource
	Subscribe(fn func(token.Change)) (cancel func())
}

// Options configures a Coordinator
type Options struct {
	Tokens     TokenSource
	Connection Connection
	Log        *chat.Log // nil creates an unbounded log

	Assistant         Assistant
	AssistantProvider string
	OnAuthRequired    func(draft string)
	OnAssistantDone   func(content string, err error)

	// Debounce coalesces bursts of credential changes; 0 means 250ms.
	Debounce time.Duration
	// OnReconnect runs after each credential-driven reconnect.
	OnReconnect func(cred token.Credential, err error)
}

// Coordinator owns the session lifecycle.
type Coordinator struct {
	tokens      TokenSource
	conn        Connection
	log         *chat.Log
	renderer    *chat.Renderer
	composer    *Composer
	debounce    time.Duration
	onReconnect func(token.Credential, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	closed      bool
	timer       *time.Timer
	inflight    bool
	rerun       bool
	unsubscribe func()
}

// New creates a Coordinator and wires the connection's inbound frames into
// its log.
func New(opts Options) *Coordinator {
	log := opts.Log
	if log == nil {
		log = chat.NewLog(0)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		tokens:      opts.Tokens,
		conn:        opts.Connection,
		log:         log,
		renderer:    chat.NewRenderer(log),
		debounce:    debounce,
		onReconnect: opts.OnReconnect,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.composer = NewComposer(ComposerOptions{
		Sender:          opts.Connection,
		Credentials:     opts.Tokens,
		Assistant:       opts.Assistant,
		Provider:        opts.AssistantProvider,
		OnAuthRequired:  opts.OnAuthRequired,
		OnAssistantDone: opts.OnAssistantDone,
	})

	c.conn.OnMessage(func(msg chat.Inbound) {
		c.renderer.RenderMessage(msg)
	})
	c.conn.OnState(c.stateChanged)
	return c
}

// Start connects with the stored credential, or anonymously when there is
// none, and begins following credential changes. A failed first connect is
// returned but the coordinator keeps following changes.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session: closed")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("session: already started")
	}
	c.started = true
	c.unsubscribe = c.tokens.Subscribe(c.credentialChanged)
	c.mu.Unlock()

	cred := c.tokens.Get()
	logging.Info("Starting chat session", "authenticated", cred.Present())
	return c.conn.Connect(ctx, cred)
}

func (c *Coordinator) credentialChanged(change token.Change) {
	logging.Debug("Scheduling reconnect", "signedOut", change.SignedOut())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.fire)
	} else {
		c.timer.Reset(c.debounce)
	}
}

// fire runs on the debounce timer. One reconnect runs at a time; triggers
// that arrive meanwhile collapse into a single rerun.
func (c *Coordinator) fire() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.inflight {
		c.rerun = true
		c.mu.Unlock()
		return
	}
	c.inflight = true
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	for {
		c.reconnect()

		c.mu.Lock()
		if !c.rerun || c.closed {
			c.inflight = false
			c.rerun = false
			c.mu.Unlock()
			return
		}
		c.rerun = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) reconnect() {
	cred := c.tokens.Get()

	if err := c.conn.Disconnect(c.ctx); err != nil {
		logging.Warn("Disconnect before reconnect did not finish", "error", err)
	}

	if !cred.Present() {
		logging.Info("Signed out, chat disconnected")
		c.log.Append(chat.Notice(chat.KindSystem, SystemAuthor, "Signed out. Sign in to chat."))
		c.reconnected(cred, nil)
		return
	}

	err := c.conn.Connect(c.ctx, cred)
	switch {
	case err == nil:
		logging.Info("Reconnected with new credential")
	case errors.Is(err, connection.ErrStale), errors.Is(err, connection.ErrBusy):
		// someone else owns the connection now
		logging.Debug("Reconnect superseded", "reason", err.Error())
		err = nil
	default:
		logging.Warn("Reconnect failed", "error", err)
		c.log.Append(chat.Notice(chat.KindError, SystemAuthor, "Reconnect failed: "+err.Error()))
	}
	c.reconnected(cred, err)
}

func (c *Coordinator) reconnected(cred token.Credential, err error) {
	if c.onReconnect != nil {
		c.onReconnect(cred, err)
	}
}

func (c *Coordinator) stateChanged(change connection.StateChange) {
	if change.From == connection.Open && change.To == connection.Idle && change.Err != nil {
		c.log.Append(chat.Notice(chat.KindError, SystemAuthor, "Connection lost. Use /connect to rejoin."))
	}
}

// Connect connects with the current credential. It returns
// connection.ErrBusy when already connecting or open.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx, c.tokens.Get())
}

// Disconnect closes the connection.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	return c.conn.Disconnect(ctx)
}

// Send submits text through the composer.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	return c.composer.Submit(ctx, text)
}

// Composer returns the session's composer.
func (c *Coordinator) Composer() *Composer { return c.composer }

// Log returns the message log.
func (c *Coordinator) Log() *chat.Log { return c.log }

// State returns the connection state.
func (c *Coordinator) State() connection.State { return c.conn.State() }

// Close stops following credential changes, cancels pending work and
// disconnects.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	c.composer.Close()

	return c.conn.Disconnect(ctx)
}
