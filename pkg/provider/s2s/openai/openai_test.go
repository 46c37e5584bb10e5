package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readFrame reads one WebSocket frame with a timeout.
func readFrame(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readFrame: %v", err)
	}
	return typ, data
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsStartFirst(t *testing.T) {
	t.Parallel()

	type seen struct {
		auth  string
		model string
		start map[string]any
	}
	got := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, data := readFrame(t, conn)
		var start map[string]any
		_ = json.Unmarshal(data, &start)
		got <- seen{
			auth:  r.Header.Get("Authorization"),
			model: r.URL.Query().Get("model"),
			start: start,
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("sk-test", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	c, err := d.Dial(testCtx(t), s2s.NewStart(24000, "alloy", "en", "areas: {}"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case s := <-got:
		if s.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", s.auth)
		}
		if s.model != "gpt-4o-mini-realtime" {
			t.Errorf("model = %q", s.model)
		}
		if s.start["type"] != "start" {
			t.Errorf("first message type = %v, want start", s.start["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive start")
	}
}

func TestDial_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	d := openai.New("nope", openai.WithBaseURL(wsURL(srv)))
	if _, err := d.Dial(testCtx(t), s2s.NewStart(24000, "alloy", "", "")); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Audio framing ─────────────────────────────────────────────────────────────

func TestWriteAudio_Binary(t *testing.T) {
	t.Parallel()

	frames := make(chan websocket.MessageType, 1)
	payload := make(chan []byte, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // start
		typ, data := readFrame(t, conn)
		frames <- typ
		payload <- data
	})

	c, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Dial(testCtx(t), s2s.NewStart(24000, "alloy", "", ""))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteAudio(testCtx(t), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if typ := <-frames; typ != websocket.MessageBinary {
		t.Errorf("frame type = %v, want binary", typ)
	}
	if data := <-payload; string(data) != "\x01\x02\x03\x04" {
		t.Errorf("payload = %v", data)
	}
}

func TestWriteAudio_Base64(t *testing.T) {
	t.Parallel()

	payload := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // start
		typ, data := readFrame(t, conn)
		if typ != websocket.MessageText {
			t.Errorf("frame type = %v, want text", typ)
		}
		payload <- string(data)
	})

	d := openai.New("k", openai.WithBaseURL(wsURL(srv)), openai.WithBase64Audio(true))
	c, err := d.Dial(testCtx(t), s2s.NewStart(24000, "alloy", "", ""))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteAudio(testCtx(t), []byte{0xff, 0x00}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if got, want := <-payload, base64.StdEncoding.EncodeToString([]byte{0xff, 0x00}); got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}
}

// ── Read ──────────────────────────────────────────────────────────────────────

func TestRead_AudioControlAndClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // start
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{9, 9})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"tool_call","id":"c1","arguments":{"service":"light.turn_on"}}`))
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Dial(testCtx(t), s2s.NewStart(24000, "alloy", "", ""))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx := testCtx(t)
	msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read audio: %v", err)
	}
	if msg.Kind != s2s.MessageAudio || len(msg.Audio) != 2 {
		t.Errorf("first message = %+v, want 2 bytes audio", msg)
	}

	msg, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("Read control: %v", err)
	}
	if msg.Kind != s2s.MessageControl {
		t.Fatalf("second message kind = %v, want control", msg.Kind)
	}
	ctl, err := s2s.DecodeControl(msg.Control)
	if err != nil || ctl.ToolCall == nil || ctl.ToolCall.ID != "c1" {
		t.Errorf("control = %+v, err = %v", ctl, err)
	}

	if _, err := c.Read(ctx); !errors.Is(err, s2s.ErrStreamClosed) {
		t.Errorf("Read after close: err = %v, want ErrStreamClosed", err)
	}
}

func TestRead_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Dial(testCtx(t), s2s.NewStart(24000, "alloy", "", ""))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read: err = %v, want deadline exceeded", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	c, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Dial(testCtx(t), s2s.NewStart(24000, "alloy", "", ""))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
