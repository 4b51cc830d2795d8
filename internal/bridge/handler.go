package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"companion-voice/internal/agent"
	"companion-voice/internal/audit"
	"companion-voice/internal/auth"
	"companion-voice/internal/calls"
	"companion-voice/internal/lines"
	"companion-voice/internal/memories"
	"companion-voice/internal/reminders"
	"companion-voice/internal/safety"
	"companion-voice/internal/tools"
	"companion-voice/pkg/logger"
)

// startWait bounds how long a new stream may sit without sending its start
// frame before the socket is dropped.
const startWait = 10 * time.Second

const defaultVoice = "alloy"

// Handler terminates carrier media-stream websockets and hands each
// authenticated stream to a Bridge.
type Handler struct {
	calls     *calls.Manager
	lines     lines.Repository
	memories  *memories.Service
	reminders reminders.Repository
	tools     ToolDispatcher
	safety    *safety.Registry
	guard     calls.LineGuard
	audit     *audit.Service
	tokens    *auth.StreamTokens
	dial      AgentDialer
	extract   InsightExtractor

	voice       string
	silenceMs   int
	graceWindow time.Duration

	upgrader websocket.Upgrader
}

type HandlerParams struct {
	Calls     *calls.Manager
	Lines     lines.Repository
	Memories  *memories.Service
	Reminders reminders.Repository
	Tools     ToolDispatcher
	Safety    *safety.Registry
	Guard     calls.LineGuard
	Audit     *audit.Service
	Tokens    *auth.StreamTokens
	Dialer    AgentDialer
	Extract   InsightExtractor

	Voice       string
	SilenceMs   int
	GraceWindow time.Duration
}

func NewHandler(p HandlerParams) *Handler {
	voice := p.Voice
	if voice == "" {
		voice = defaultVoice
	}
	return &Handler{
		calls:       p.Calls,
		lines:       p.Lines,
		memories:    p.Memories,
		reminders:   p.Reminders,
		tools:       p.Tools,
		safety:      p.Safety,
		guard:       p.Guard,
		audit:       p.Audit,
		tokens:      p.Tokens,
		dial:        p.Dialer,
		extract:     p.Extract,
		voice:       voice,
		silenceMs:   p.SilenceMs,
		graceWindow: p.GraceWindow,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier connects server-to-server with no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// DialAgent adapts agent.Dial to the bridge's dialer type.
func DialAgent(cfg agent.Config, log *slog.Logger) AgentDialer {
	return func(ctx context.Context, sc agent.SessionConfig) (AgentConn, error) {
		return agent.Dial(ctx, cfg, sc, log)
	}
}

// HandleMediaStream upgrades the connection, authenticates the start frame's
// stream token, and runs the bridge until the call ends.
func (h *Handler) HandleMediaStream(c *gin.Context) {
	log := logger.FromGin(c)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}

	start, err := h.awaitStart(ws)
	if err != nil {
		log.Warn("media stream rejected before start", "err", err)
		closeSocket(ws, websocket.ClosePolicyViolation)
		return
	}

	claims, err := h.tokens.Verify(start.CustomParameters["token"], time.Now())
	if err != nil {
		log.Warn("media stream token rejected", "err", err)
		closeSocket(ws, websocket.ClosePolicyViolation)
		return
	}

	ctx := c.Request.Context()
	session, err := h.calls.GetByID(ctx, claims.SessionID)
	if err != nil || session.LineID != claims.LineID || session.Status != calls.StatusInitiated {
		log.Warn("media stream session rejected", "session_id", claims.SessionID, "err", err)
		closeSocket(ws, websocket.ClosePolicyViolation)
		return
	}

	log = log.With("session_id", session.ID, "line_id", session.LineID)

	line, err := h.lines.GetLine(ctx, session.LineID)
	if err != nil {
		h.abortCall(ctx, ws, session, "line_load_failed", log)
		return
	}
	account, err := h.lines.GetAccount(ctx, session.AccountID)
	if err != nil {
		h.abortCall(ctx, ws, session, "account_load_failed", log)
		return
	}

	cc := AssembleContext(ctx, h.memories, h.reminders, line, account, session.ReminderID)

	agentConn, err := h.dial(ctx, agent.SessionConfig{
		Instructions:      cc.Instructions(),
		Voice:             h.voice,
		Tools:             tools.Schemas(),
		SilenceDurationMs: h.silenceMs,
	})
	if err != nil {
		h.abortCall(ctx, ws, session, "agent_connect_failed", log)
		return
	}

	session, err = h.calls.UpdateStatus(ctx, session.ID, calls.StatusInProgress, "stream_connected")
	if err != nil {
		agentConn.Close()
		h.abortCall(ctx, ws, session, "transition_failed", log)
		return
	}

	b := NewBridge(BridgeParams{
		Session:     session,
		Context:     cc,
		Carrier:     NewCarrierWriter(ws),
		Agent:       agentConn,
		Calls:       h.calls,
		Lines:       h.lines,
		Tools:       h.tools,
		Safety:      h.safety,
		Guard:       h.guard,
		Audit:       h.audit,
		Extract:     h.extract,
		Log:         log,
		StreamSid:   start.StreamSid,
		GraceWindow: h.graceWindow,
	})

	go readFrames(ws, b.Frames(), log)

	// Detach from the request context: the carrier socket, not the HTTP
	// request lifecycle, decides when this call ends.
	b.Run(context.WithoutCancel(ctx))
}

// awaitStart reads frames until the start frame arrives. The carrier sends
// a connected frame first; anything else before start is a protocol error.
func (h *Handler) awaitStart(ws *websocket.Conn) (*StartFrame, error) {
	deadline := time.Now().Add(startWait)
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		f, err := ParseFrame(data)
		if err != nil {
			return nil, err
		}
		switch f.Event {
		case FrameConnected:
			continue
		case FrameStart:
			if f.Start == nil {
				return nil, errMissingStart
			}
			ws.SetReadDeadline(time.Time{})
			return f.Start, nil
		default:
			return nil, errFrameBeforeStart
		}
	}
}

// readFrames pumps carrier frames into the bridge. Closing the channel is
// the hangup signal.
func readFrames(ws *websocket.Conn, out chan<- Frame, log *slog.Logger) {
	defer close(out)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("carrier read ended", "err", err)
			}
			return
		}
		f, err := ParseFrame(data)
		if err != nil {
			log.Debug("unreadable carrier frame dropped", "err", err)
			continue
		}
		out <- f
		if f.Event == FrameStop {
			return
		}
	}
}

// abortCall fails a session that never reached the talking state and frees
// its line guard.
func (h *Handler) abortCall(ctx context.Context, ws *websocket.Conn, session calls.Session, code string, log *slog.Logger) {
	closeSocket(ws, websocket.CloseInternalServerErr)
	ctx = context.WithoutCancel(ctx)
	if h.guard != nil {
		h.guard.Release(ctx, session.LineID)
	}
	if _, err := h.calls.Fail(ctx, session.ID, code); err != nil {
		log.Error("session fail after abort", "code", code, "err", err)
	}
	log.Warn("call aborted before bridge start", "code", code)
}

func closeSocket(ws *websocket.Conn, code int) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), closeDeadline())
	ws.Close()
}
