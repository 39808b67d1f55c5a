package session

import (
	"context"
	"errors"
	"sync"

	"chatlink/internal/chat"
	"chatlink/internal/connection"
	"chatlink/internal/token"
)

type sent struct {
	gen     uint64
	content string
}

// fakeSender stands in for the connection in composer tests.
type fakeSender struct {
	mu   sync.Mutex
	gen  uint64
	open bool
	sent []sent

	// beforeSend runs at the start of SendGen, outside the lock.
	beforeSend func()
}

func (s *fakeSender) SendGen(msg chat.Outbound) (uint64, error) {
	if s.beforeSend != nil {
		s.beforeSend()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, chat.ErrNotConnected
	}
	s.sent = append(s.sent, sent{gen: s.gen, content: msg.Content})
	return s.gen, nil
}

func (s *fakeSender) SendFor(gen uint64, msg chat.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return connection.ErrStale
	}
	if !s.open {
		return chat.ErrNotConnected
	}
	s.sent = append(s.sent, sent{gen: gen, content: msg.Content})
	return nil
}

func (s *fakeSender) reconnect() {
	s.mu.Lock()
	s.gen += 2
	s.mu.Unlock()
}

func (s *fakeSender) gens() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.gen
	}
	return out
}

func (s *fakeSender) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.content
	}
	return out
}

type staticCreds token.Credential

func (c staticCreds) Get() token.Credential { return token.Credential(c) }

type askCall struct {
	cred     token.Credential
	prompt   string
	provider string
}

// fakeAssistant answers with reply/err, optionally waiting on gate first.
type fakeAssistant struct {
	mu    sync.Mutex
	calls []askCall
	reply chat.AssistantReply
	err   error
	gate  chan struct{}
}

func (a *fakeAssistant) Ask(ctx context.Context, cred token.Credential, prompt, provider string) (chat.AssistantReply, error) {
	a.mu.Lock()
	a.calls = append(a.calls, askCall{cred: cred, prompt: prompt, provider: provider})
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.AssistantReply{}, ctx.Err()
		}
	}
	return a.reply, a.err
}

func (a *fakeAssistant) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// fakeConn and fakeDialer drive a real connection.Manager.
type fakeConn struct {
	in        chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	targets []connection.Target
	conns   []*fakeConn
	gate    chan struct{}
	dialing chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, target connection.Target) (connection.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	gate, dialing := d.gate, d.dialing
	d.mu.Unlock()

	if dialing != nil {
		dialing <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

// credentials returns the credential carried by each dial, "" if anonymous.
func (d *fakeDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.targets))
	for i, t := range d.targets {
		if len(t.Subprotocols) == 2 {
			out[i] = t.Subprotocols[1]
		}
	}
	return out
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setGate(gate, dialing chan struct{}) {
	d.mu.Lock()
	d.gate = gate
	d.dialing = dialing
	d.mu.Unlock()
}
