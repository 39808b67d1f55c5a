package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatlink/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var errPeerGone = errors.New("peer gone")

type fakeConn struct {
	in        chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
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
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
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

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, b := range c.written {
		out[i] = string(b)
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	targets []Target
	conns   []*fakeConn
	err     error
	block   chan struct{}
	dialing chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	block, dialing, err := d.block, d.dialing, d.err
	d.mu.Unlock()

	if dialing != nil {
		dialing <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) dials() []Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Target(nil), d.targets...)
}

type inbox struct {
	mu   sync.Mutex
	msgs []chat.Inbound
}

func (b *inbox) add(m chat.Inbound) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) snapshot() []chat.Inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.Inbound(nil), b.msgs...)
}

func newTestManager(d Dialer) *Manager {
	return New(Options{URL: "ws://chat.test/ws/chat", AuthSubprotocol: "supabase-auth", Dialer: d})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Connecting, "connecting"},
		{Open, "open"},
		{Closing, "closing"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestConnectCarriesCredentialAsSubprotocol(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	require.NoError(t, m.Connect(context.Background(), "tok123"))
	assert.Equal(t, Open, m.State())
	assert.Equal(t, uint64(1), m.Generation())

	dials := d.dials()
	require.Len(t, dials, 1)
	assert.Equal(t, "ws://chat.test/ws/chat", dials[0].URL)
	assert.Equal(t, []string{"supabase-auth", "tok123"}, dials[0].Subprotocols)

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestConnectAnonymousSendsNoSubprotocols(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	require.NoError(t, m.Connect(context.Background(), ""))
	assert.Empty(t, d.dials()[0].Subprotocols)

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestConnectWhileOpenIsBusy(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	require.NoError(t, m.Connect(context.Background(), "a"))
	err := m.Connect(context.Background(), "b")
	require.ErrorIs(t, err, ErrBusy)

	assert.Len(t, d.dials(), 1, "busy connect must not dial")
	assert.Equal(t, uint64(1), m.Generation())

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := newTestManager(d)

	var changes []StateChange
	m.OnState(func(c StateChange) { changes = append(changes, c) })

	err := m.Connect(context.Background(), "tok")
	var terr *chat.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)

	assert.Equal(t, Idle, m.State())
	assert.ErrorAs(t, m.LastError(), &terr)

	require.Len(t, changes, 2)
	assert.Equal(t, Connecting, changes[1].From)
	assert.Equal(t, Idle, changes[1].To)
	assert.Error(t, changes[1].Err)

	// a failed attempt does not block the next one
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	require.NoError(t, m.Connect(context.Background(), "tok"))
	assert.Nil(t, m.LastError())
	require.NoError(t, m.Disconnect(context.Background()))
}

func TestSendRequiresOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	require.ErrorIs(t, m.Send(chat.Outbound{Content: "hi"}), chat.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.NoError(t, m.Send(chat.Outbound{Content: "hi"}))
	assert.Equal(t, []string{`{"Content":"hi"}`}, d.conn(0).writes())

	require.NoError(t, m.Disconnect(context.Background()))
	require.ErrorIs(t, m.Send(chat.Outbound{Content: "again"}), chat.ErrNotConnected)
}

func TestSendGenReportsWrittenGeneration(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	_, err := m.SendGen(chat.Outbound{Content: "early"})
	require.ErrorIs(t, err, chat.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "a"))
	gen, err := m.SendGen(chat.Outbound{Content: "first"})
	require.NoError(t, err)
	assert.Equal(t, m.Generation(), gen)

	require.NoError(t, m.Disconnect(context.Background()))
	require.NoError(t, m.Connect(context.Background(), "b"))

	next, err := m.SendGen(chat.Outbound{Content: "second"})
	require.NoError(t, err)
	assert.Greater(t, next, gen)
	require.ErrorIs(t, m.SendFor(gen, chat.Outbound{Content: "stale"}), ErrStale)
	require.NoError(t, m.SendFor(next, chat.Outbound{Content: "reply"}))
	assert.Equal(t, []string{`{"Content":"second"}`, `{"Content":"reply"}`}, d.conn(1).writes())
	require.NoError(t, m.Disconnect(context.Background()))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	box := &inbox{}
	m.OnMessage(box.add)
	var dropMu sync.Mutex
	var drops []error
	m.OnDrop(func(err error) {
		dropMu.Lock()
		drops = append(drops, err)
		dropMu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	conn := d.conn(0)
	conn.in <- []byte("not json")
	conn.in <- []byte(`{"Username":"bob","Content":"trunc`)
	conn.in <- []byte(`[1,2,3]`)
	conn.in <- []byte(`{"Username":"bob","Content":"hi","DisplayTime":"12:00:00"}`)

	require.Eventually(t, func() bool { return len(box.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", box.snapshot()[0].Content)
	assert.Equal(t, uint64(3), m.Dropped())
	assert.Equal(t, Open, m.State(), "malformed frames are not fatal")

	dropMu.Lock()
	require.Len(t, drops, 3)
	var perr *chat.ParseError
	assert.ErrorAs(t, drops[0], &perr)
	dropMu.Unlock()

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestDisconnectTransitionsAndInvalidatesGeneration(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	var mu sync.Mutex
	var changes []StateChange
	m.OnState(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	box := &inbox{}
	m.OnMessage(box.add)

	require.NoError(t, m.Connect(context.Background(), "tok"))
	gen := m.Generation()
	conn := d.conn(0)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, Idle, m.State())
	assert.True(t, conn.isClosed())
	assert.Greater(t, m.Generation(), gen)

	// frames arriving on the old transport are never delivered
	conn.in <- []byte(`{"Username":"bob","Content":"late"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, box.snapshot())

	assert.ErrorIs(t, m.SendFor(gen, chat.Outbound{Content: "x"}), ErrStale)

	// idempotent
	require.NoError(t, m.Disconnect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	var path []State
	for _, c := range changes {
		path = append(path, c.To)
	}
	assert.Equal(t, []State{Connecting, Open, Closing, Idle}, path)
}

func TestSendForAcrossReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	require.NoError(t, m.Connect(context.Background(), "a"))
	oldGen := m.Generation()
	require.NoError(t, m.SendFor(oldGen, chat.Outbound{Content: "first"}))

	require.NoError(t, m.Disconnect(context.Background()))
	require.NoError(t, m.Connect(context.Background(), "b"))

	require.ErrorIs(t, m.SendFor(oldGen, chat.Outbound{Content: "stale"}), ErrStale)
	require.NoError(t, m.SendFor(m.Generation(), chat.Outbound{Content: "fresh"}))

	assert.Equal(t, []string{`{"Content":"first"}`}, d.conn(0).writes())
	assert.Equal(t, []string{`{"Content":"fresh"}`}, d.conn(1).writes())

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestDisconnectDuringDial(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{block: make(chan struct{}), dialing: make(chan struct{}, 1)}
	m := newTestManager(d)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background(), "tok") }()

	<-d.dialing
	assert.Equal(t, Connecting, m.State())
	require.ErrorIs(t, m.Connect(context.Background(), "tok"), ErrBusy)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, Idle, m.State())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStale)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, Idle, m.State())
	assert.Nil(t, m.LastError(), "a cancelled dial is not a failure")

	d.mu.Lock()
	d.block = nil
	d.dialing = nil
	d.mu.Unlock()
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.NoError(t, m.Disconnect(context.Background()))
}

func TestTransportFailureReturnsToIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := newTestManager(d)

	lost := make(chan StateChange, 1)
	m.OnState(func(c StateChange) {
		if c.From == Open && c.To == Idle {
			lost <- c
		}
	})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	conn := d.conn(0)
	conn.fail <- errPeerGone

	select {
	case c := <-lost:
		assert.ErrorIs(t, c.Err, errPeerGone)
	case <-time.After(time.Second):
		t.Fatal("no Open->Idle transition")
	}

	assert.Equal(t, Idle, m.State())
	var terr *chat.TransportError
	require.ErrorAs(t, m.LastError(), &terr)
	assert.Equal(t, "read", terr.Op)
	assert.True(t, conn.isClosed())
	assert.Len(t, d.dials(), 1, "no automatic retry")

	require.NoError(t, m.Disconnect(context.Background()))
}

func TestConnectReturnsStaleWhenDialCompletesLate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// the dialer ignores cancellation, so the transport arrives after teardown
	d := &stubbornDialer{release: make(chan struct{}), started: make(chan struct{})}
	m := newTestManager(d)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background(), "tok") }()
	<-d.started

	require.NoError(t, m.Disconnect(context.Background()))
	close(d.release)

	require.ErrorIs(t, <-errCh, ErrStale)
	assert.True(t, d.conn.isClosed(), "late transport must be closed")
	assert.Equal(t, Idle, m.State())
}

type stubbornDialer struct {
	release chan struct{}
	started chan struct{}
	conn    *fakeConn
}

func (d *stubbornDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	close(d.started)
	<-d.release
	d.conn = newFakeConn()
	return d.conn, nil
}
