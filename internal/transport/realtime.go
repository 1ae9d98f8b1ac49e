package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/callwarden/callwarden/internal/relay"
)

const (
	defaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel = "gpt-realtime"
)

// ServerEvent is one inbound message from the analysis endpoint. The relay
// core does not interpret it; it is handed off opaquely to the configured
// handler (verdict parsing and notification happen outside the transport).
type ServerEvent struct {
	// Type is the protocol event type (e.g. "response.audio_transcript.done").
	Type string

	// Raw is the full JSON payload of the event.
	Raw json.RawMessage
}

// RealtimeConfig configures a [Realtime] dialer.
type RealtimeConfig struct {
	// URL is the websocket endpoint. Defaults to the OpenAI Realtime API.
	URL string

	// Model selects the realtime model. Defaults to "gpt-realtime".
	Model string

	// APIKey authenticates the connection. Required.
	APIKey string

	// Instructions is the system prompt configured per session — the
	// analysis brief the remote model applies to the call audio.
	Instructions string

	// OnEvent, when non-nil, receives every inbound server event. The
	// handler is invoked on the connection's read goroutine and must not
	// block.
	OnEvent func(ServerEvent)
}

// Realtime dials the OpenAI Realtime API. It implements [Dialer]: each Dial
// opens a fresh websocket, performs the session.update handshake, and — on a
// redial — announces the stable session identifier so the remote side can
// correlate the continued conversation.
type Realtime struct {
	cfg RealtimeConfig
}

// NewRealtime creates a Realtime dialer. cfg.APIKey must be non-empty.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("transport: realtime API key must not be empty")
	}
	if cfg.URL == "" {
		cfg.URL = defaultRealtimeURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultRealtimeModel
	}
	return &Realtime{cfg: cfg}, nil
}

// ── Protocol messages ─────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Dial ──────────────────────────────────────────────────────────────────────

// Dial implements [Dialer].
func (r *Realtime) Dial(ctx context.Context, sessionID string) (Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", r.cfg.URL, r.cfg.Model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial realtime: %w", err)
	}

	c := &realtimeConn{
		ws:      ws,
		onEvent: r.cfg.OnEvent,
		dead:    make(chan struct{}),
	}

	if err := c.handshake(ctx, r.cfg.Instructions, sessionID); err != nil {
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("transport: realtime handshake: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// ── realtimeConn ──────────────────────────────────────────────────────────────

// realtimeConn is one live websocket to the realtime endpoint. The read loop
// owns inbound traffic; when it exits, the dead channel is closed and every
// subsequent SendFrame or Ping fails fast so the session reconnects.
type realtimeConn struct {
	ws      *websocket.Conn
	onEvent func(ServerEvent)

	dead    chan struct{}
	deadErr error
	once    sync.Once
}

// handshake sends session.update and the continuity marker. The session
// identifier is stable across redials; announcing it lets the remote side
// treat the new websocket as a continuation of the same call.
func (c *realtimeConn) handshake(ctx context.Context, instructions, sessionID string) error {
	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"audio", "text"},
			Instructions:            instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcription{Model: "whisper-1"},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
		},
	}
	if err := c.writeJSON(ctx, update); err != nil {
		return err
	}

	marker := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{{
				Type: "input_text",
				Text: "Audio relay session " + sessionID + " (re)established; treat subsequent audio as a continuation of the same call.",
			}},
		},
	}
	return c.writeJSON(ctx, marker)
}

func (c *realtimeConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// readLoop receives server events and hands them off until the connection
// dies. Malformed payloads are skipped.
func (c *realtimeConn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.markDead(err)
			return
		}

		if c.onEvent == nil {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
			continue
		}
		c.onEvent(ServerEvent{Type: head.Type, Raw: json.RawMessage(data)})
	}
}

func (c *realtimeConn) markDead(err error) {
	c.once.Do(func() {
		c.deadErr = err
		close(c.dead)
	})
}

// SendFrame implements [Conn]: one input_audio_buffer.append event carrying
// the frame payload as base64 PCM16.
func (c *realtimeConn) SendFrame(ctx context.Context, f relay.Frame) error {
	select {
	case <-c.dead:
		return fmt.Errorf("transport: connection lost: %w", c.deadErr)
	default:
	}

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(f.Data),
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("transport: append audio: %w", err)
	}
	return nil
}

// Ping implements [Conn].
func (c *realtimeConn) Ping(ctx context.Context) error {
	select {
	case <-c.dead:
		return fmt.Errorf("transport: connection lost: %w", c.deadErr)
	default:
	}
	return c.ws.Ping(ctx)
}

// Close implements [Conn]. Safe to call more than once; the read loop exits
// as a consequence of the close.
func (c *realtimeConn) Close() error {
	c.markDead(errors.New("connection closed"))
	return c.ws.Close(websocket.StatusNormalClosure, "session closed")
}
