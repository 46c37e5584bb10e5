// Package openai implements the s2s.Dialer interface for OpenAI's realtime
// audio endpoint.
//
// Each Dial opens one WebSocket to the endpoint, authenticated with a bearer
// API key, and sends the start message as the first text frame. Upstream audio
// is written as binary PCM16 frames, or as base64 text frames when
// [WithBase64Audio] is set. Downstream binary frames are synthesised audio and
// text frames are JSON control messages.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
)

// Compile-time assertions that Dialer and conn satisfy the s2s interfaces.
var _ s2s.Dialer = (*Dialer)(nil)
var _ s2s.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime/audio"

	// defaultReadLimit bounds a single inbound message. Synthesised audio
	// arrives in chunks well below this.
	defaultReadLimit = 4 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the model query parameter used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithBase64Audio sends upstream audio as base64-encoded text frames instead
// of binary frames.
func WithBase64Audio(enabled bool) Option {
	return func(d *Dialer) { d.base64Audio = enabled }
}

// WithReadLimit sets the maximum size in bytes of one inbound message.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) { d.readLimit = n }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements s2s.Dialer.
type Dialer struct {
	apiKey      string
	model       string
	baseURL     string
	base64Audio bool
	readLimit   int64
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects and sends start. The connection is closed again if the start
// message cannot be written.
func (d *Dialer) Dial(ctx context.Context, start s2s.Start) (s2s.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, url.QueryEscape(d.model))

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(d.readLimit)

	c := &conn{ws: ws, base64Audio: d.base64Audio}
	if err := c.WriteJSON(ctx, start); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("openai: send start: %w", err)
	}
	return c, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

// conn wraps a websocket.Conn. websocket.Conn.Write is safe for concurrent
// use, so audio and tool results may be written from different goroutines.
type conn struct {
	ws          *websocket.Conn
	base64Audio bool
	closeOnce   sync.Once
}

// WriteAudio sends one PCM16 frame.
func (c *conn) WriteAudio(ctx context.Context, pcm []byte) error {
	if c.base64Audio {
		enc := base64.StdEncoding.EncodeToString(pcm)
		return c.write(ctx, websocket.MessageText, []byte(enc))
	}
	return c.write(ctx, websocket.MessageBinary, pcm)
}

// WriteJSON marshals v and writes it as a text WebSocket message.
func (c *conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *conn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if err := c.ws.Write(ctx, typ, data); err != nil {
		if isNormalClose(err) {
			return s2s.ErrStreamClosed
		}
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// Read returns the next inbound message.
func (c *conn) Read(ctx context.Context) (s2s.Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s2s.Message{}, ctx.Err()
		}
		if isNormalClose(err) {
			return s2s.Message{}, s2s.ErrStreamClosed
		}
		return s2s.Message{}, fmt.Errorf("openai: read: %w", err)
	}
	if typ == websocket.MessageBinary {
		return s2s.Message{Kind: s2s.MessageAudio, Audio: data}, nil
	}
	return s2s.Message{Kind: s2s.MessageControl, Control: data}, nil
}

// Close performs the close handshake. Idempotent. A handshake failure is not
// reported: the peer may already have closed the stream.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.Close(websocket.StatusNormalClosure, "turn complete")
	})
	return nil
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
