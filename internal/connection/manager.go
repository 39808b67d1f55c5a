// Package connection owns the single chat socket: its lifecycle, the
// credential handshake, inbound frame decoding and outbound sends.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatlink/internal/chat"
	"chatlink/internal/logging"
	"chatlink/internal/token"

	"github.com/google/uuid"
)

// State of the managed connection
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned by Connect when a connection is already
	// connecting, open or closing.
	ErrBusy = errors.New("connection: already connecting or open")

	// ErrStale is returned when work tagged with an old generation
	// reaches a newer connection.
	ErrStale = errors.New("connection: stale generation")
)

// StateChange is delivered to state listeners.
type StateChange struct {
	From       State
	To         State
	Generation uint64
	Err        error // set when the transition was caused by a failure
}

// Options configures a Manager
type Options struct {
	URL             string // ws(s)://host/ws/chat
	AuthSubprotocol string // marker sent ahead of the credential
	Dialer          Dialer
}

// Manager owns at most one live connection. Every connect attempt and
// every teardown bumps the generation; frames and sends tagged with an
// older generation are discarded.
type Manager struct {
	url       string
	authProto string
	dialer    Dialer

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc
	readDone   chan struct{}
	lastErr    error

	dropped atomic.Uint64

	hooksMu   sync.RWMutex
	onState   []func(StateChange)
	onMessage func(chat.Inbound)
	onDrop    func(error)
}

// New creates an idle Manager.
func New(opts Options) *Manager {
	return &Manager{
		url:       opts.URL,
		authProto: opts.AuthSubprotocol,
		dialer:    opts.Dialer,
	}
}

// OnState registers a listener for state transitions. Listeners run
// outside the manager's lock and must not block.
func (m *Manager) OnState(fn func(StateChange)) {
	m.hooksMu.Lock()
	m.onState = append(m.onState, fn)
	m.hooksMu.Unlock()
}

// OnMessage sets the handler for decoded inbound frames. It runs on the
// read goroutine and must not call Disconnect.
func (m *Manager) OnMessage(fn func(chat.Inbound)) {
	m.hooksMu.Lock()
	m.onMessage = fn
	m.hooksMu.Unlock()
}

// OnDrop sets a handler for frames dropped as malformed.
func (m *Manager) OnDrop(fn func(error)) {
	m.hooksMu.Lock()
	m.onDrop = fn
	m.hooksMu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the current generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// LastError returns the failure that last moved the connection to Idle,
// or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Dropped returns how many inbound frames were discarded as malformed.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// URL returns the chat endpoint.
func (m *Manager) URL() string { return m.url }

func (m *Manager) target(cred token.Credential) Target {
	t := Target{URL: m.url}
	if cred.Present() {
		t.Subprotocols = []string{m.authProto, string(cred)}
	}
	return t
}

// Connect dials the chat endpoint, carrying cred as a sub-protocol when
// present. It returns ErrBusy unless the manager is Idle, and blocks until
// the connection is open or has failed.
func (m *Manager) Connect(ctx context.Context, cred token.Credential) error {
	m.mu.Lock()
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		logging.Debug("Connect ignored", "state", state.String())
		return ErrBusy
	}
	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.lastErr = nil
	m.state = Connecting
	m.mu.Unlock()

	m.emit(StateChange{From: Idle, To: Connecting, Generation: gen})

	log := logging.With("connID", uuid.NewString(), "generation", gen)
	log.Info("Connecting to chat", "url", m.url, "authenticated", cred.Present())

	conn, err := m.dialer.Dial(dialCtx, m.target(cred))
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		log.Debug("Dial finished after teardown, discarding")
		return ErrStale
	}
	m.cancelDial = nil

	if err != nil {
		terr := &chat.TransportError{Op: "dial", Err: err}
		m.state = Idle
		m.lastErr = terr
		m.mu.Unlock()
		log.Warn("Chat connection failed", "error", err)
		m.emit(StateChange{From: Connecting, To: Idle, Generation: gen, Err: terr})
		return terr
	}

	done := make(chan struct{})
	m.conn = conn
	m.readDone = done
	m.state = Open
	m.mu.Unlock()

	log.Info("Chat connected")
	m.emit(StateChange{From: Connecting, To: Open, Generation: gen})

	go m.readLoop(gen, conn, done, log)
	return nil
}

// Disconnect tears down the current connection. It is a no-op when Idle.
// When Open it returns once the read loop has stopped or ctx is done.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Idle:
		m.mu.Unlock()
		return nil

	case Closing:
		done := m.readDone
		m.mu.Unlock()
		return wait(ctx, done)

	case Connecting:
		gen := m.gen
		m.gen++
		cancel := m.cancelDial
		m.cancelDial = nil
		m.state = Idle
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		logging.Info("Chat connect attempt cancelled", "generation", gen)
		m.emit(StateChange{From: Connecting, To: Idle, Generation: gen})
		return nil
	}

	// Open
	gen := m.gen
	m.gen++
	conn := m.conn
	done := m.readDone
	m.state = Closing
	m.mu.Unlock()

	m.emit(StateChange{From: Open, To: Closing, Generation: gen})

	if err := conn.Close(); err != nil {
		logging.Debug("Transport close returned error", "generation", gen, "error", err)
	}
	err := wait(ctx, done)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.readDone = nil
		m.state = Idle
	}
	m.mu.Unlock()

	logging.Info("Chat disconnected", "generation", gen)
	m.emit(StateChange{From: Closing, To: Idle, Generation: gen})
	return err
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes msg on the open connection. It returns chat.ErrNotConnected
// in any other state.
func (m *Manager) Send(msg chat.Outbound) error {
	_, err := m.send(msg, 0, false)
	return err
}

// SendGen is Send that also reports the generation of the connection the
// message was written on.
func (m *Manager) SendGen(msg chat.Outbound) (uint64, error) {
	return m.send(msg, 0, false)
}

// SendFor is Send restricted to the connection of generation gen; it
// returns ErrStale once that connection has been replaced or torn down.
func (m *Manager) SendFor(gen uint64, msg chat.Outbound) error {
	_, err := m.send(msg, gen, true)
	return err
}

func (m *Manager) send(msg chat.Outbound, gen uint64, checkGen bool) (uint64, error) {
	m.mu.Lock()
	if checkGen && m.gen != gen {
		m.mu.Unlock()
		return 0, ErrStale
	}
	if m.state != Open {
		m.mu.Unlock()
		return 0, chat.ErrNotConnected
	}
	conn := m.conn
	current := m.gen
	m.mu.Unlock()

	data, err := chat.Encode(msg)
	if err != nil {
		return 0, err
	}
	if err := conn.WriteMessage(data); err != nil {
		logging.Warn("Chat send failed", "generation", current, "error", err)
		return 0, &chat.TransportError{Op: "write", Err: err}
	}
	return current, nil
}

func (m *Manager) readLoop(gen uint64, conn Conn, done chan struct{}, log *slog.Logger) {
	defer close(done)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.transportFailed(gen, conn, err, log)
			return
		}

		msg, err := chat.Decode(data)
		if err != nil {
			m.drop(err, log)
			continue
		}

		if !m.isCurrent(gen) {
			return
		}

		m.hooksMu.RLock()
		fn := m.onMessage
		m.hooksMu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) drop(err error, log *slog.Logger) {
	m.dropped.Add(1)
	log.Debug("Dropped malformed chat frame", "error", err)

	m.hooksMu.RLock()
	fn := m.onDrop
	m.hooksMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// transportFailed handles a read error. During Disconnect the error is
// expected and ignored.
func (m *Manager) transportFailed(gen uint64, conn Conn, err error, log *slog.Logger) {
	m.mu.Lock()
	if m.gen != gen || m.state != Open {
		m.mu.Unlock()
		return
	}
	terr := &chat.TransportError{Op: "read", Err: err}
	m.state = Idle
	m.conn = nil
	m.readDone = nil
	m.lastErr = terr
	m.mu.Unlock()

	conn.Close()

	if IsNormalClose(err) {
		log.Info("Chat connection closed by server")
	} else {
		log.Warn("Chat connection lost", "error", err)
	}
	m.emit(StateChange{From: Open, To: Idle, Generation: gen, Err: terr})
}

func (m *Manager) emit(change StateChange) {
	m.hooksMu.RLock()
	listeners := make([]func(StateChange), len(m.onState))
	copy(listeners, m.onState)
	m.hooksMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}
