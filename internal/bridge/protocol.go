package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errMissingStart     = errors.New("bridge: start frame missing body")
	errFrameBeforeStart = errors.New("bridge: media before start frame")
)

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

// Carrier media-stream protocol. Every frame is a JSON object whose "event"
// field selects the shape; audio payloads are base64 mu-law.

type FrameEvent string

const (
	FrameConnected FrameEvent = "connected"
	FrameStart     FrameEvent = "start"
	FrameMedia     FrameEvent = "media"
	FrameDTMF      FrameEvent = "dtmf"
	FrameStop      FrameEvent = "stop"
	FrameMark      FrameEvent = "mark"
)

// Frame is one decoded carrier-to-service message.
type Frame struct {
	Event FrameEvent `json:"event"`

	StreamSid string `json:"streamSid,omitempty"`

	Start *StartFrame `json:"start,omitempty"`
	Media *MediaFrame `json:"media,omitempty"`
	DTMF  *DTMFFrame  `json:"dtmf,omitempty"`
}

type StartFrame struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaFrame struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
}

type DTMFFrame struct {
	Digit string `json:"digit"`
}

// ParseFrame decodes a raw carrier message.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("bridge: bad carrier frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("bridge: carrier frame missing event")
	}
	return f, nil
}

// CarrierWriter is the service-to-carrier half of the stream.
type CarrierWriter interface {
	// WriteMedia sends one base64 mu-law chunk to the caller.
	WriteMedia(streamSid, payload string) error

	// WriteClear drops any audio the carrier has buffered but not yet
	// played. Sent on barge-in.
	WriteClear(streamSid string) error

	Close() error
}

// wsCarrierWriter adapts a gorilla websocket connection. Writes are
// serialized; gorilla connections permit one concurrent writer.
type wsCarrierWriter struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func NewCarrierWriter(ws *websocket.Conn) CarrierWriter {
	return &wsCarrierWriter{ws: ws}
}

func (w *wsCarrierWriter) WriteMedia(streamSid, payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(map[string]any{
		"event":     "media",
		"streamSid": streamSid,
		"media":     map[string]string{"payload": payload},
	})
}

func (w *wsCarrierWriter) WriteClear(streamSid string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(map[string]any{"event": "clear", "streamSid": streamSid})
}

func (w *wsCarrierWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return w.ws.Close()
}
