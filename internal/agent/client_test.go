package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeAgent upgrades the test request and records inbound frames.
type fakeAgent struct {
	upgrader websocket.Upgrader
	frames   chan map[string]any
	conn     *websocket.Conn
	ready    chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		frames: make(chan map[string]any, 16),
		ready:  make(chan struct{}),
	}
}

func (f *fakeAgent) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer agent-key" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.conn = conn
		close(f.ready)
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.frames <- frame
		}
	}
}

func (f *fakeAgent) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func dialFake(t *testing.T, fa *fakeAgent, sc SessionConfig) *Conn {
	t.Helper()
	srv := httptest.NewServer(fa.handler(t))
	t.Cleanup(srv.Close)

	cfg := Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:         "agent-key",
		ConnectTimeout: 2 * time.Second,
	}
	conn, err := Dial(context.Background(), cfg, sc, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialSendsSessionConfig(t *testing.T) {
	fa := newFakeAgent()
	conn := dialFake(t, fa, SessionConfig{
		Instructions: "You are a warm companion.",
		Voice:        "alloy",
		Tools: []ToolSchema{{
			Name:        "set_reminder",
			Description: "Set a reminder",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	_ = conn

	frame := fa.next(t)
	if frame["type"] != "session.update" {
		t.Fatalf("first frame type = %v", frame["type"])
	}
	session := frame["session"].(map[string]any)
	if session["input_audio_format"] != "g711_ulaw" || session["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("audio formats = %v / %v", session["input_audio_format"], session["output_audio_format"])
	}
	tools := session["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "set_reminder" {
		t.Fatalf("tools = %v", tools)
	}
}

func TestSendAudioAndToolResult(t *testing.T) {
	fa := newFakeAgent()
	conn := dialFake(t, fa, SessionConfig{})
	fa.next(t) // session.update

	if err := conn.SendAudio("UklGRg=="); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	frame := fa.next(t)
	if frame["type"] != "input_audio_buffer.append" || frame["audio"] != "UklGRg==" {
		t.Fatalf("audio frame = %v", frame)
	}

	if err := conn.SendToolResult("call-1", map[string]any{"success": true}); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	frame = fa.next(t)
	if frame["type"] != "conversation.item.create" {
		t.Fatalf("tool result frame = %v", frame)
	}
	item := frame["item"].(map[string]any)
	if item["call_id"] != "call-1" || !strings.Contains(item["output"].(string), "true") {
		t.Fatalf("tool result item = %v", item)
	}
	if frame = fa.next(t); frame["type"] != "response.create" {
		t.Fatalf("expected response.create, got %v", frame["type"])
	}
}

func TestEventsDecodesAgentFrames(t *testing.T) {
	fa := newFakeAgent()
	conn := dialFake(t, fa, SessionConfig{})
	fa.next(t)
	<-fa.ready

	events := conn.Events()
	send := func(v any) {
		if err := fa.conn.WriteJSON(v); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	send(map[string]any{"type": "response.audio.delta", "delta": "AAAA"})
	send(map[string]any{"type": "input_audio_buffer.speech_started"})
	send(map[string]any{
		"type": "response.function_call_arguments.done",
		"call_id": "call-9", "name": "snooze_reminder", "arguments": `{"minutes":30}`,
	})
	send(map[string]any{"type": "response.audio_transcript.done", "transcript": "We talked about the weather."})

	for _, want := range []Event{
		{Type: EventAudio, Audio: "AAAA"},
		{Type: EventSpeechStarted},
		{Type: EventToolCall, ToolCallID: "call-9", ToolName: "snooze_reminder"},
		{Type: EventTranscript, Message: "We talked about the weather."},
	} {
		select {
		case got := <-events:
			if got.Type != want.Type || got.Audio != want.Audio ||
				got.ToolCallID != want.ToolCallID || got.ToolName != want.ToolName ||
				got.Message != want.Message {
				t.Fatalf("event = %+v, want %+v", got, want)
			}
			if want.Type == EventToolCall {
				var args struct {
					Minutes int `json:"minutes"`
				}
				if err := json.Unmarshal(got.ToolArgs, &args); err != nil || args.Minutes != 30 {
					t.Fatalf("tool args = %s (%v)", got.ToolArgs, err)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want.Type)
		}
	}

	fa.conn.Close()
	if _, ok := <-events; ok {
		// A close or error event may arrive first; the channel must close
		// shortly after either way.
		if _, stillOpen := <-events; stillOpen {
			t.Fatal("events channel did not close after disconnect")
		}
	}
}
