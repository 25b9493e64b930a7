package tv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"irbridge/internal/dispatch"
	"irbridge/internal/logging"
)

// DefaultKeys maps navigation commands to webOS button names.
func DefaultKeys() map[string]string {
	return map[string]string{
		"up":    "UP",
		"down":  "DOWN",
		"left":  "LEFT",
		"right": "RIGHT",
		"ok":    "ENTER",
		"back":  "BACK",
		"home":  "HOME",
	}
}

// Session is the TV surface the handler needs.
type Session interface {
	Connected() bool
	Connect(ctx context.Context) error
	SendKey(ctx context.Context, name string) error
	Request(ctx context.Context, uri string, payload any) error
	Close() error
}

// clientSession adapts Client to Session.
type clientSession struct{ *Client }

func (s clientSession) Request(ctx context.Context, uri string, payload any) error {
	_, err := s.Client.Request(ctx, uri, payload)
	return err
}

// Handler is a dispatch.Worker that sends commands to the TV. A key mapped
// to an ssap:// URI is sent as a request, anything else as a button name.
// The connection is retried on demand with a backoff.
type Handler struct {
	session Session
	keys    map[string]string
	logger  *logging.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	mu          sync.Mutex
	backoff     time.Duration
	nextAttempt time.Time
}

// NewHandler creates a handler for client.
func NewHandler(client *Client, keys map[string]string) *Handler {
	h := newHandler(clientSession{client}, keys)
	h.logger = client.logger
	return h
}

func newHandler(s Session, keys map[string]string) *Handler {
	if keys == nil {
		keys = DefaultKeys()
	}
	return &Handler{
		session:    s,
		keys:       keys,
		logger:     logging.Discard(),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		now:        time.Now,
	}
}

func (h *Handler) Name() string { return "tv" }

func (h *Handler) Handles(command string) bool {
	_, ok := h.keys[command]
	return ok
}

// Handle sends one command, connecting first if needed.
func (h *Handler) Handle(ctx context.Context, ev dispatch.Event) error {
	key, ok := h.keys[ev.Command]
	if !ok {
		return nil
	}
	if err := h.ensureConnected(ctx); err != nil {
		return err
	}

	var err error
	if strings.HasPrefix(key, "ssap://") {
		err = h.session.Request(ctx, key, nil)
	} else {
		err = h.session.SendKey(ctx, key)
	}
	if err != nil {
		if cerr := h.session.Close(); cerr != nil {
			h.logger.Debug("close after send failure", "command", ev.Command, "error", cerr)
		}
		return err
	}
	return nil
}

func (h *Handler) ensureConnected(ctx context.Context) error {
	if h.session.Connected() {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if now := h.now(); now.Before(h.nextAttempt) {
		return fmt.Errorf("%w: retry in %s", ErrNotConnected, h.nextAttempt.Sub(now).Round(time.Millisecond))
	}

	if err := h.session.Connect(ctx); err != nil {
		if h.backoff == 0 {
			h.backoff = h.minBackoff
		} else {
			h.backoff = min(h.backoff*2, h.maxBackoff)
		}
		h.nextAttempt = h.now().Add(h.backoff)
		return err
	}
	h.backoff = 0
	h.nextAttempt = time.Time{}
	return nil
}
