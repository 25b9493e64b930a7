package tv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"

	"irbridge/internal/dispatch"
	"irbridge/internal/logging"
)

// fakeTV speaks enough SSAP to pair, open the pointer socket and answer
// requests.
type fakeTV struct {
	host    string
	reject  bool
	buttons chan string

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []string
}

func newFakeTV(t *testing.T) *fakeTV {
	t.Helper()
	f := &fakeTV{buttons: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/", f.serveSSAP)
	mux.HandleFunc("/pointer", f.servePointer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f.host = strings.TrimPrefix(srv.URL, "http://")
	return f
}

func (f *fakeTV) address() string { return "ws://" + f.host }

func (f *fakeTV) serveSSAP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	ctx := r.Context()
	write := func(format string, args ...any) {
		conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(format, args...)))
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		id := msg.Get("id").String()

		switch msg.Get("type").String() {
		case "register":
			if f.reject {
				write(`{"type":"error","id":%q,"error":"403 User denied access"}`, id)
				continue
			}
			key := msg.Get("payload.client-key").String()
			if key == "" {
				write(`{"type":"response","id":%q,"payload":{"pairingType":"PROMPT"}}`, id)
				key = "issued-key"
			}
			write(`{"type":"registered","id":%q,"payload":{"client-key":%q}}`, id, key)
		case "request":
			uri := msg.Get("uri").String()
			if uri == pointerSocketURI {
				write(`{"type":"response","id":%q,"payload":{"returnValue":true,"socketPath":"ws://%s/pointer"}}`, id, f.host)
				continue
			}
			f.mu.Lock()
			f.requests = append(f.requests, uri)
			f.mu.Unlock()
			write(`{"type":"response","id":%q,"payload":{"returnValue":true}}`, id)
		}
	}
}

func (f *fakeTV) servePointer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		f.buttons <- string(data)
	}
}

func (f *fakeTV) kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close(websocket.StatusGoingAway, "standby")
	}
}

func newTestClient(t *testing.T, f *fakeTV, key string, onKey func(string)) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Address:     f.address(),
		ClientKey:   key,
		Timeout:     2 * time.Second,
		OnClientKey: onKey,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPairingIssuesClientKey(t *testing.T) {
	f := newFakeTV(t)
	var issued string
	c := newTestClient(t, f, "", func(key string) { issued = key })

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, "issued-key", issued)
	assert.Equal(t, "issued-key", c.ClientKey())
}

func TestKnownClientKeyIsReused(t *testing.T) {
	f := newFakeTV(t)
	called := false
	c := newTestClient(t, f, "stored-key", func(string) { called = true })

	require.NoError(t, c.Connect(context.Background()))
	assert.False(t, called)
	assert.Equal(t, "stored-key", c.ClientKey())
}

func TestPairingRejected(t *testing.T) {
	f := newFakeTV(t)
	f.reject = true
	c := newTestClient(t, f, "", nil)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrPairingRejected)
	assert.False(t, c.Connected())
}

func TestSendKey(t *testing.T) {
	f := newFakeTV(t)
	c := newTestClient(t, f, "k", nil)

	assert.ErrorIs(t, c.SendKey(context.Background(), "UP"), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SendKey(context.Background(), "UP"))

	select {
	case msg := <-f.buttons:
		assert.Equal(t, "type:button\nname:UP\n\n", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("button not received")
	}
}

func TestRequest(t *testing.T) {
	f := newFakeTV(t)
	c := newTestClient(t, f, "k", nil)
	require.NoError(t, c.Connect(context.Background()))

	payload, err := c.Request(context.Background(), "ssap://audio/volumeUp", nil)
	require.NoError(t, err)
	assert.True(t, payload.Get("returnValue").Bool())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"ssap://audio/volumeUp"}, f.requests)
}

func TestDisconnectDetected(t *testing.T) {
	f := newFakeTV(t)
	c := newTestClient(t, f, "k", nil)
	require.NoError(t, c.Connect(context.Background()))

	f.kick()
	assert.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(Config{Address: "lgwebostv.local"})
	require.NoError(t, err)
	assert.Equal(t, "ws://lgwebostv.local:3000", c.URL())

	_, err = NewClient(Config{})
	assert.Error(t, err)
}

type fakeSession struct {
	connected  bool
	connectErr error
	sendErr    error
	closeErr   error
	connects   int
	closes     int
	keys       []string
	requests   []string
}

func (s *fakeSession) Connected() bool { return s.connected }

func (s *fakeSession) Connect(ctx context.Context) error {
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) SendKey(ctx context.Context, name string) error {
	s.keys = append(s.keys, name)
	return s.sendErr
}

func (s *fakeSession) Request(ctx context.Context, uri string, payload any) error {
	s.requests = append(s.requests, uri)
	return s.sendErr
}

func (s *fakeSession) Close() error {
	s.closes++
	s.connected = false
	return s.closeErr
}

func TestHandlerRoutesKeysAndRequests(t *testing.T) {
	s := &fakeSession{}
	keys := DefaultKeys()
	keys["input"] = "ssap://tv/switchInput"
	h := newHandler(s, keys)

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, dispatch.Event{Command: "up"}))
	require.NoError(t, h.Handle(ctx, dispatch.Event{Command: "ok", Synthesized: true}))
	require.NoError(t, h.Handle(ctx, dispatch.Event{Command: "input"}))

	assert.Equal(t, []string{"UP", "ENTER"}, s.keys)
	assert.Equal(t, []string{"ssap://tv/switchInput"}, s.requests)
	assert.Equal(t, 1, s.connects)
	assert.True(t, h.Handles("left"))
	assert.False(t, h.Handles("volume_up"))
}

func TestHandlerBacksOffReconnects(t *testing.T) {
	s := &fakeSession{connectErr: errors.New("connection refused")}
	h := newHandler(s, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	ctx := context.Background()
	ev := dispatch.Event{Command: "up"}

	assert.Error(t, h.Handle(ctx, ev))
	assert.ErrorIs(t, h.Handle(ctx, ev), ErrNotConnected)
	assert.Equal(t, 1, s.connects)

	now = now.Add(time.Second)
	assert.Error(t, h.Handle(ctx, ev))
	assert.Equal(t, 2, s.connects)

	// The second failure doubles the wait.
	now = now.Add(time.Second)
	assert.ErrorIs(t, h.Handle(ctx, ev), ErrNotConnected)
	now = now.Add(time.Second)
	s.connectErr = nil
	require.NoError(t, h.Handle(ctx, ev))
	assert.Equal(t, 3, s.connects)
	assert.Equal(t, []string{"UP"}, s.keys)
}

func TestHandlerDropsSessionOnSendFailure(t *testing.T) {
	s := &fakeSession{connected: true, sendErr: errors.New("broken pipe")}
	h := newHandler(s, nil)

	assert.Error(t, h.Handle(context.Background(), dispatch.Event{Command: "back"}))
	assert.Equal(t, 1, s.closes)
	assert.False(t, s.connected)
}

func TestHandlerLogsCloseFailure(t *testing.T) {
	s := &fakeSession{connected: true, sendErr: errors.New("broken pipe"), closeErr: errors.New("close 1006")}
	h := newHandler(s, nil)
	var buf strings.Builder
	logger, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: &buf})
	require.NoError(t, err)
	h.logger = logger

	err = h.Handle(context.Background(), dispatch.Event{Command: "back"})
	assert.EqualError(t, err, "broken pipe")
	assert.Equal(t, 1, s.closes)
	assert.Contains(t, buf.String(), "close after send failure")
	assert.Contains(t, buf.String(), "close 1006")
}
