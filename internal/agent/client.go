package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client dials the realtime voice agent. One websocket per call; audio and
// control share the connection as JSON frames.

type Config struct {
	URL    string
	APIKey string

	// ConnectTimeout bounds the dial plus the session handshake.
	ConnectTimeout time.Duration
}

// ToolSchema is one callable tool advertised to the agent.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SessionConfig is sent once after connect. Audio is carrier-format mu-law
// both directions so the bridge never transcodes.
type SessionConfig struct {
	Instructions string       `json:"instructions"`
	Voice        string       `json:"voice"`
	Tools        []ToolSchema `json:"tools,omitempty"`

	// SilenceDurationMs tunes server-side turn detection. Elderly callers
	// pause longer mid-sentence than the default assumes.
	SilenceDurationMs int `json:"silence_duration_ms,omitempty"`
}

type EventType string

const (
	EventAudio         EventType = "audio"
	EventSpeechStarted EventType = "speech_started"
	EventToolCall      EventType = "tool_call"
	EventTranscript    EventType = "transcript"
	EventError         EventType = "error"
	EventClosed        EventType = "closed"
)

// Event is one agent-to-bridge message, already decoded.
type Event struct {
	Type EventType

	// Audio is a base64 mu-law payload for EventAudio.
	Audio string

	// Tool-call fields for EventToolCall.
	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage

	// Message carries transcript text for EventTranscript and error text
	// for EventError and EventClosed.
	Message string
}

type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	log     *slog.Logger
}

var ErrAgentUnavailable = errors.New("agent: connect failed")

// Dial opens the agent websocket and sends the session configuration. The
// call fails as a whole if either step misses the connect timeout.
func Dial(ctx context.Context, cfg Config, sc SessionConfig, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("%w: status %d: %v", ErrAgentUnavailable, status, err)
	}

	c := &Conn{ws: ws, log: log}
	if err := c.configureSession(sc); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: session config: %v", ErrAgentUnavailable, err)
	}
	return c, nil
}

func (c *Conn) configureSession(sc SessionConfig) error {
	session := map[string]any{
		"instructions":        sc.Instructions,
		"voice":               sc.Voice,
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"silence_duration_ms": silenceOrDefault(sc.SilenceDurationMs),
		},
	}
	if len(sc.Tools) > 0 {
		tools := make([]map[string]any, 0, len(sc.Tools))
		for _, t := range sc.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		session["tools"] = tools
	}
	return c.send(map[string]any{"type": "session.update", "session": session})
}

func silenceOrDefault(ms int) int {
	if ms <= 0 {
		return 800
	}
	return ms
}

// SendAudio forwards one base64 mu-law chunk from the caller.
func (c *Conn) SendAudio(payload string) error {
	return c.send(map[string]any{"type": "input_audio_buffer.append", "audio": payload})
}

// InjectSystemMessage adds an out-of-band instruction mid-call and asks the
// agent to act on it. Used for low-minutes warnings and reminder context.
func (c *Conn) InjectSystemMessage(text string) error {
	if err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return c.send(map[string]any{"type": "response.create"})
}

// SendToolResult returns a tool outcome to the agent and resumes the turn.
func (c *Conn) SendToolResult(callID string, output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(encoded),
		},
	}); err != nil {
		return err
	}
	return c.send(map[string]any{"type": "response.create"})
}

func (c *Conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

// wireEvent is the subset of agent frame fields this service reads.
type wireEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Transcript string `json:"transcript"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Events starts the read loop. The channel closes when the socket does;
// the final element is EventClosed (or EventError for abnormal closure).
func (c *Conn) Events() <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				typ := EventClosed
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					typ = EventError
				}
				out <- Event{Type: typ, Message: err.Error()}
				return
			}
			var w wireEvent
			if err := json.Unmarshal(data, &w); err != nil {
				c.log.Warn("agent frame decode failed", "err", err)
				continue
			}
			switch w.Type {
			case "response.audio.delta":
				out <- Event{Type: EventAudio, Audio: w.Delta}
			case "input_audio_buffer.speech_started":
				out <- Event{Type: EventSpeechStarted}
			case "response.function_call_arguments.done":
				out <- Event{
					Type:       EventToolCall,
					ToolCallID: w.CallID,
					ToolName:   w.Name,
					ToolArgs:   json.RawMessage(w.Arguments),
				}
			case "response.audio_transcript.done":
				out <- Event{Type: EventTranscript, Message: w.Transcript}
			case "error":
				out <- Event{Type: EventError, Message: w.Error.Message}
			}
		}
	}()
	return out
}
