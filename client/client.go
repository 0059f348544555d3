package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pixperk/deisync/types"
	"github.com/pixperk/deisync/wire"
)

var (
	// ErrTransport wraps every failed request to the server.
	ErrTransport = errors.New("transport failure")

	// ErrConflict means the server already holds a ring on that slot.
	ErrConflict = errors.New("slot already taken")
)

const (
	RingsPath  = "/rings"
	ImagesPath = "/images"
	StreamPath = "/ws-rings"
)

// Client talks to the ring server: JSON over HTTP for requests and a
// websocket for the placement broadcast.
type Client struct {
	base       *url.URL
	streamPath string
	http       *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithStreamPath(path string) Option {
	return func(c *Client) { c.streamPath = path }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:       u,
		streamPath: StreamPath,
		http:       &http.Client{Timeout: 10 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchRings returns the server's current cycle.
func (c *Client) FetchRings(ctx context.Context) ([]types.Ring, error) {
	var sn wire.Snapshot
	if err := c.do(ctx, http.MethodGet, RingsPath, nil, &sn); err != nil {
		return nil, err
	}
	if sn.Rings == nil {
		sn.Rings = []types.Ring{}
	}
	return sn.Rings, nil
}

// PostRing commits a placement and returns the ring as the server stored it.
func (c *Client) PostRing(ctx context.Context, req wire.CommitRequest) (types.Ring, error) {
	var stored types.Ring
	if err := c.do(ctx, http.MethodPost, RingsPath, req, &stored); err != nil {
		return types.Ring{}, err
	}
	return stored, nil
}

// PostImage uploads the photo for a confirmed ring.
func (c *Client) PostImage(ctx context.Context, req wire.SideRequest) error {
	return c.do(ctx, http.MethodPost, ImagesPath, req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %w", ErrTransport, ErrConflict)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: http %d: %s", ErrTransport, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrTransport, method, path, err)
	}
	return nil
}

// StreamURL is the websocket address derived from the base url.
func (c *Client) StreamURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.streamPath
	return u.String()
}

// Dial opens the placement broadcast.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	addr := c.StreamURL()
	conn, resp, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: http %d: %v", ErrTransport, addr, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	c.logger.Info("stream connected", zap.String("url", addr))
	return &Stream{conn: conn}, nil
}

// Stream delivers raw server messages one at a time, in arrival order.
type Stream struct {
	conn *websocket.Conn
}

// Read blocks for the next message. io.EOF means the server closed the
// stream normally.
func (s *Stream) Read() ([]byte, error) {
	_, buf, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: read stream: %v", ErrTransport, err)
	}
	return buf, nil
}

// Close sends a close frame and tears down the connection.
func (s *Stream) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}
