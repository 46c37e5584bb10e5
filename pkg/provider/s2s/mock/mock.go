// Package mock provides test doubles for the s2s package interfaces.
//
// [Dialer] hands out scripted [Conn] values and records every Dial call. [Conn]
// replays inbound messages pushed by the test through its In channel and
// records everything written upstream. All types are safe for concurrent use.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	go func() {
//	    conn.PushControl(`{"type":"tool_call","id":"c1","arguments":{"service":"light.turn_on"}}`)
//	    conn.End()
//	}()
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Dialer = (*Dialer)(nil)
	_ s2s.Conn   = (*Conn)(nil)
)

// ─── Dialer ──────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [s2s.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. When nil, a fresh NewConn is returned.
	Conn *Conn

	// DialErr is returned by Dial when non-nil.
	DialErr error

	dialCalls int
	starts    []s2s.Start
}

// Dial implements [s2s.Dialer].
func (d *Dialer) Dial(ctx context.Context, start s2s.Start) (s2s.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCalls++
	d.starts = append(d.starts, start)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Conn == nil {
		return NewConn(), nil
	}
	return d.Conn, nil
}

// DialCalls returns the number of Dial calls.
func (d *Dialer) DialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCalls
}

// Starts returns every start message passed to Dial.
func (d *Dialer) Starts() []s2s.Start {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]s2s.Start(nil), d.starts...)
}

// ─── Conn ────────────────────────────────────────────────────────────────────

// Inbound is one scripted result of [Conn.Read].
type Inbound struct {
	Msg s2s.Message
	Err error
}

// Conn is a mock implementation of [s2s.Conn].
type Conn struct {
	// In feeds Read. Closing it ends the stream with [s2s.ErrStreamClosed].
	In chan Inbound

	mu sync.Mutex

	// WriteAudioErr is returned by WriteAudio once AudioFailAfter frames have
	// been accepted.
	WriteAudioErr  error
	AudioFailAfter int

	// WriteJSONErr is returned by WriteJSON when non-nil.
	WriteJSONErr error

	// OnJSON, when set, is called after every accepted WriteJSON with the
	// encoded message.
	OnJSON func(raw []byte)

	audio      [][]byte
	sent       [][]byte
	closeCalls int
	endOnce    sync.Once
}

// NewConn returns a Conn with a buffered In channel.
func NewConn() *Conn {
	return &Conn{In: make(chan Inbound, 64)}
}

// PushAudio queues an inbound audio message.
func (c *Conn) PushAudio(pcm []byte) {
	c.In <- Inbound{Msg: s2s.Message{Kind: s2s.MessageAudio, Audio: pcm}}
}

// PushControl queues an inbound JSON control message.
func (c *Conn) PushControl(raw string) {
	c.In <- Inbound{Msg: s2s.Message{Kind: s2s.MessageControl, Control: []byte(raw)}}
}

// PushErr queues a transport error.
func (c *Conn) PushErr(err error) {
	c.In <- Inbound{Err: err}
}

// End closes In so the next Read after the queued messages reports a normal
// end of stream. Safe to call more than once.
func (c *Conn) End() {
	c.endOnce.Do(func() { close(c.In) })
}

// WriteAudio implements [s2s.Conn].
func (c *Conn) WriteAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteAudioErr != nil && len(c.audio) >= c.AudioFailAfter {
		return c.WriteAudioErr
	}
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return nil
}

// WriteJSON implements [s2s.Conn].
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.WriteJSONErr != nil {
		err := c.WriteJSONErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, raw)
	hook := c.OnJSON
	c.mu.Unlock()

	if hook != nil {
		hook(raw)
	}
	return nil
}

// Read implements [s2s.Conn].
func (c *Conn) Read(ctx context.Context) (s2s.Message, error) {
	select {
	case <-ctx.Done():
		return s2s.Message{}, ctx.Err()
	case in, ok := <-c.In:
		if !ok {
			return s2s.Message{}, s2s.ErrStreamClosed
		}
		return in.Msg, in.Err
	}
}

// Close implements [s2s.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

// Audio returns every upstream audio frame, in order.
func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

// JSON returns every upstream control message as decoded maps, in order.
func (c *Conn) JSON() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

// OfType returns the upstream control messages whose "type" equals typ.
func (c *Conn) OfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.JSON() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// CloseCalls returns the number of Close calls.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
