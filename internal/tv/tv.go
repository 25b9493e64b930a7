// Package tv sends remote-control buttons to an LG webOS television over its
// SSAP websocket API.
package tv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"

	"irbridge/internal/logging"
)

var (
	// ErrNotConnected is returned when no session with the TV is open.
	ErrNotConnected = errors.New("tv: not connected")

	// ErrPairingRejected is returned when the user declines the pairing
	// prompt or the TV rejects the client key.
	ErrPairingRejected = errors.New("tv: pairing rejected")
)

// DefaultPort is the SSAP port for unencrypted connections.
const DefaultPort = 3000

const pointerSocketURI = "ssap://com.webos.service.networkinput/getPointerInputSocket"

// Config configures a Client.
type Config struct {
	// Address is a host name or a full ws:// URL.
	Address string

	// ClientKey is the key issued by the TV at pairing. Empty triggers the
	// on-screen pairing prompt.
	ClientKey string

	// Timeout bounds connecting and each request. Pairing waits up to
	// PairingTimeout for the user to accept.
	Timeout        time.Duration
	PairingTimeout time.Duration

	// OnClientKey is called when the TV issues a new client key.
	OnClientKey func(key string)

	Logger *logging.Logger
}

// Client is a session with one TV.
type Client struct {
	cfg    Config
	url    string
	logger *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pointer *websocket.Conn
	key     string

	pendingMu sync.Mutex
	pending   map[string]chan []byte
	nextID    atomic.Uint64
}

// NewClient creates a client. It does not connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("tv: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	u := cfg.Address
	if !strings.Contains(u, "://") {
		u = "ws://" + u + ":" + strconv.Itoa(DefaultPort)
	}

	return &Client{
		cfg:     cfg,
		url:     u,
		logger:  cfg.Logger.WithComponent("tv"),
		key:     cfg.ClientKey,
		pending: make(map[string]chan []byte),
	}, nil
}

// URL returns the SSAP endpoint.
func (c *Client) URL() string { return c.url }

// ClientKey returns the key in use, which may have been issued by Connect.
func (c *Client) ClientKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.pointer != nil
}

// Connect opens the SSAP session, registers, and opens the pointer input
// socket. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	c.Close()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("tv: dial %s: %w", c.url, err)
	}
	go c.readLoop(conn)

	if err := c.register(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return err
	}

	pointer, err := c.openPointer(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return err
	}

	c.mu.Lock()
	c.conn, c.pointer = conn, pointer
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)
	return nil
}

func (c *Client) register(ctx context.Context, conn *websocket.Conn) error {
	payload := map[string]any{
		"forcePairing": false,
		"pairingType":  "PROMPT",
		"manifest":     manifest,
	}
	if key := c.ClientKey(); key != "" {
		payload["client-key"] = key
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PairingTimeout)
	defer cancel()

	resp, err := c.call(ctx, conn, "register", "", payload, func(msg gjson.Result) bool {
		if msg.Get("payload.pairingType").String() == "PROMPT" {
			c.logger.Info("accept the pairing prompt on the TV")
		}
		return msg.Get("type").String() == "registered"
	})
	if err != nil {
		if errors.Is(err, ErrPairingRejected) {
			return err
		}
		return fmt.Errorf("tv: register: %w", err)
	}

	key := resp.Get("payload.client-key").String()
	if key != "" && key != c.ClientKey() {
		c.mu.Lock()
		c.key = key
		c.mu.Unlock()
		c.logger.Info("paired with TV; a new client key was issued")
		if c.cfg.OnClientKey != nil {
			c.cfg.OnClientKey(key)
		}
	}
	return nil
}

func (c *Client) openPointer(ctx context.Context, conn *websocket.Conn) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.call(ctx, conn, "request", pointerSocketURI, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("tv: pointer socket: %w", err)
	}
	path := resp.Get("payload.socketPath").String()
	if path == "" {
		return nil, errors.New("tv: pointer socket: no socketPath in response")
	}

	pointer, _, err := websocket.Dial(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("tv: dial pointer socket: %w", err)
	}
	// The pointer socket is write-only; CloseRead keeps control frames
	// flowing.
	pointer.CloseRead(context.Background())
	return pointer, nil
}

// call sends one SSAP message and waits for the reply with the same id.
// When done is set, replies are read until done accepts one.
func (c *Client) call(ctx context.Context, conn *websocket.Conn, typ, uri string, payload any, done func(gjson.Result) bool) (gjson.Result, error) {
	id := typ + "_" + strconv.FormatUint(c.nextID.Add(1), 10)
	replies := make(chan []byte, 4)

	c.pendingMu.Lock()
	c.pending[id] = replies
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := map[string]any{"type": typ, "id": id}
	if uri != "" {
		msg["uri"] = uri
	}
	if payload != nil {
		msg["payload"] = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return gjson.Result{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return gjson.Result{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return gjson.Result{}, ctx.Err()
		case raw, ok := <-replies:
			if !ok {
				return gjson.Result{}, ErrNotConnected
			}
			reply := gjson.ParseBytes(raw)
			if reply.Get("type").String() == "error" {
				errText := reply.Get("error").String()
				if typ == "register" {
					return gjson.Result{}, fmt.Errorf("%w: %s", ErrPairingRejected, errText)
				}
				return gjson.Result{}, fmt.Errorf("tv: %s", errText)
			}
			if done == nil || done(reply) {
				return reply, nil
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.disconnected(conn)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		id := gjson.GetBytes(data, "id").String()
		c.pendingMu.Lock()
		replies, ok := c.pending[id]
		c.pendingMu.Unlock()
		if !ok {
			continue
		}
		select {
		case replies <- data:
		default:
			c.logger.Warn("reply dropped", "id", id)
		}
	}
}

// disconnected forgets conn and fails the calls waiting on it.
func (c *Client) disconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.pointer != nil {
			c.pointer.Close(websocket.StatusNormalClosure, "")
			c.pointer = nil
		}
		c.logger.Info("disconnected")
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, replies := range c.pending {
		close(replies)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// SendKey presses a remote button, such as "UP", "ENTER" or "BACK".
func (c *Client) SendKey(ctx context.Context, name string) error {
	c.mu.Lock()
	pointer := c.pointer
	c.mu.Unlock()
	if pointer == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	msg := "type:button\nname:" + name + "\n\n"
	if err := pointer.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("tv: send %s: %w", name, err)
	}
	return nil
}

// Request calls an SSAP URI, such as ssap://audio/volumeUp, and returns the
// response payload.
func (c *Client) Request(ctx context.Context, uri string, payload any) (gjson.Result, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return gjson.Result{}, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.call(ctx, conn, "request", uri, payload, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("tv: %s: %w", uri, err)
	}
	return resp.Get("payload"), nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, pointer := c.conn, c.pointer
	c.conn, c.pointer = nil, nil
	c.mu.Unlock()

	if pointer != nil {
		pointer.Close(websocket.StatusNormalClosure, "")
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

// manifest is the permission set sent at registration.
var manifest = map[string]any{
	"manifestVersion": 1,
	"appVersion":      "1.1",
	"permissions": []string{
		"CONTROL_AUDIO",
		"CONTROL_INPUT_JOYSTICK",
		"CONTROL_MOUSE_AND_KEYBOARD",
		"CONTROL_POWER",
		"READ_INSTALLED_APPS",
		"READ_INPUT_DEVICE_LIST",
		"READ_TV_CURRENT_TIME",
		"LAUNCH",
	},
	"signatures": []map[string]any{
		{"signatureVersion": 1, "signature": "irbridge"},
	},
}
