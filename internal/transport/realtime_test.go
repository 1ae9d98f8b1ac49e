package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/callwarden/callwarden/internal/relay"
	"github.com/callwarden/callwarden/internal/transport"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn; the server closes when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// readJSON reads one text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func TestNewRealtime_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := transport.NewRealtime(transport.RealtimeConfig{}); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestRealtime_DialSendsHandshake(t *testing.T) {
	t.Parallel()

	type handshake struct {
		Type    string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Instructions      string   `json:"instructions"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
			TurnDetection     struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	type marker struct {
		Type string `json:"type"`
		Item struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	gotUpdate := make(chan handshake, 1)
	gotMarker := make(chan marker, 1)
	gotModel := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotModel <- r.URL.Query().Get("model")
		var hs handshake
		readJSON(t, conn, &hs)
		gotUpdate <- hs
		var m marker
		readJSON(t, conn, &m)
		gotMarker <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	rt, err := transport.NewRealtime(transport.RealtimeConfig{
		URL:          wsURL(srv),
		Model:        "gpt-realtime",
		APIKey:       "key",
		Instructions: "assess the call",
	})
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}

	conn, err := rt.Dial(context.Background(), "call-42")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case m := <-gotModel:
		if m != "gpt-realtime" {
			t.Errorf("model = %q, want gpt-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dial")
	}

	hs := <-gotUpdate
	if hs.Type != "session.update" {
		t.Errorf("handshake type = %q, want session.update", hs.Type)
	}
	if hs.Session.Instructions != "assess the call" {
		t.Errorf("instructions = %q", hs.Session.Instructions)
	}
	if hs.Session.InputAudioFormat != "pcm16" || hs.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q, want pcm16/pcm16",
			hs.Session.InputAudioFormat, hs.Session.OutputAudioFormat)
	}
	if hs.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("turn detection = %q, want server_vad", hs.Session.TurnDetection.Type)
	}

	m := <-gotMarker
	if m.Type != "conversation.item.create" {
		t.Errorf("marker type = %q, want conversation.item.create", m.Type)
	}
	if m.Item.Role != "system" {
		t.Errorf("marker role = %q, want system", m.Item.Role)
	}
	if len(m.Item.Content) == 0 || !strings.Contains(m.Item.Content[0].Text, "call-42") {
		t.Errorf("marker should carry the session id, got %+v", m.Item.Content)
	}
}

func TestRealtime_SendFrameEncodesBase64(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		readJSON(t, conn, &raw) // continuity marker
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	rt, err := transport.NewRealtime(transport.RealtimeConfig{URL: wsURL(srv), APIKey: "key"})
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}
	conn, err := rt.Dial(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.SendFrame(context.Background(), relay.Frame{Data: payload, Seq: 1}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q, want input_audio_buffer.append", msg.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("audio is not valid base64: %v", err)
		}
		if string(decoded) != string(payload) {
			t.Errorf("decoded audio = %v, want %v", decoded, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio frame")
	}
}

func TestRealtime_InboundEventsHandedOff(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":       "response.audio_transcript.done",
			"transcript": `{"response":"Possible Scam","score":5}`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	events := make(chan transport.ServerEvent, 4)
	rt, err := transport.NewRealtime(transport.RealtimeConfig{
		URL:    wsURL(srv),
		APIKey: "key",
		OnEvent: func(ev transport.ServerEvent) {
			events <- ev
		},
	})
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}
	conn, err := rt.Dial(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case ev := <-events:
		if ev.Type != "response.audio_transcript.done" {
			t.Errorf("event type = %q", ev.Type)
		}
		var body struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(ev.Raw, &body); err != nil {
			t.Fatalf("raw payload: %v", err)
		}
		if !strings.Contains(body.Transcript, "Possible Scam") {
			t.Errorf("transcript = %q", body.Transcript)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for server event")
	}
}

func TestRealtime_SendAfterServerCloseFailsFast(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw)
		// Handler returns, closing the websocket.
	})

	rt, err := transport.NewRealtime(transport.RealtimeConfig{URL: wsURL(srv), APIKey: "key"})
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}
	conn, err := rt.Dial(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Wait for the read loop to observe the close.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := conn.SendFrame(context.Background(), relay.Frame{Data: []byte{1}, Seq: 1}); err != nil {
			return // dead connection surfaced as an error
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("SendFrame kept succeeding after the server closed the connection")
}

func TestRealtime_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	rt, err := transport.NewRealtime(transport.RealtimeConfig{URL: wsURL(srv), APIKey: "key"})
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}
	conn, err := rt.Dial(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	conn.Close()
	conn.Close() // must not panic
}
