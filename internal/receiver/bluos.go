// Package receiver controls a BluOS audio receiver over its HTTP API.
package receiver

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the BluOS control port.
const DefaultPort = 11000

// Volume is the response of GET /Volume.
type Volume struct {
	XMLName xml.Name `xml:"volume"`
	Level   int      `xml:",chardata"`
	DB      float64  `xml:"db,attr"`
	Mute    int      `xml:"mute,attr"`
}

// Muted reports whether the receiver is muted.
func (v Volume) Muted() bool { return v.Mute == 1 }

// Client talks to one receiver.
type Client struct {
	base   *url.URL
	client *http.Client
}

// NewClient creates a client for baseURL, such as http://m10.local:11000/.
// A bare host gets the default scheme and port.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("receiver: parse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("receiver: url %q has no host", baseURL)
	}
	if u.Port() == "" {
		u.Host = u.Host + ":" + strconv.Itoa(DefaultPort)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{base: u, client: &http.Client{Timeout: timeout}}, nil
}

// URL returns the receiver base URL.
func (c *Client) URL() string { return c.base.String() }

func (c *Client) get(ctx context.Context, query url.Values) ([]byte, error) {
	u := c.base.JoinPath("Volume")
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("receiver: %s returned %d", u.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("receiver: read response: %w", err)
	}
	return body, nil
}

// Volume returns the current volume state.
func (c *Client) Volume(ctx context.Context) (Volume, error) {
	body, err := c.get(ctx, nil)
	if err != nil {
		return Volume{}, err
	}
	var v Volume
	if err := xml.Unmarshal(body, &v); err != nil {
		return Volume{}, fmt.Errorf("receiver: decode volume: %w", err)
	}
	return v, nil
}

// GetMuteState reports whether the receiver is muted.
func (c *Client) GetMuteState(ctx context.Context) (bool, error) {
	v, err := c.Volume(ctx)
	if err != nil {
		return false, err
	}
	return v.Muted(), nil
}

// AdjustVolume changes the volume by delta dB.
func (c *Client) AdjustVolume(ctx context.Context, delta int) error {
	_, err := c.get(ctx, url.Values{"db": {strconv.Itoa(delta)}})
	return err
}

// SetMute mutes or unmutes.
func (c *Client) SetMute(ctx context.Context, mute bool) error {
	v := "0"
	if mute {
		v = "1"
	}
	_, err := c.get(ctx, url.Values{"mute": {v}})
	return err
}

// Ping checks that the receiver answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Volume(ctx)
	return err
}
