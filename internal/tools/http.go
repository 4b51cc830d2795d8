package tools

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"companion-voice/pkg/logger"
)

// HTTPHandler exposes each tool as an internal route so trusted backend
// jobs can drive the same actions the in-call agent does. The body carries
// callSessionId, lineId and the tool's own fields; everything past the JSON
// shape is the dispatcher's call, so handler outcomes come back as the usual
// soft {success, code, message} results, never as HTTP errors.
type HTTPHandler struct {
	d *Dispatcher
}

func NewHTTPHandler(d *Dispatcher) *HTTPHandler {
	return &HTTPHandler{d: d}
}

// Register mounts one POST route per tool behind the given auth middleware.
func (h *HTTPHandler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	grp := r.Group("/internal/tools", auth)
	for _, s := range Schemas() {
		grp.POST("/"+s.Name, h.handle(s.Name))
	}
}

func (h *HTTPHandler) handle(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromGin(c)
		ctx := c.Request.Context()

		var body map[string]json.RawMessage
		if err := c.ShouldBindJSON(&body); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
		sessionID := stringBodyField(body, "callSessionId")
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callSessionId is required"})
			return
		}
		lineID := stringBodyField(body, "lineId")
		if lineID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "lineId is required"})
			return
		}

		session, err := h.d.calls.GetByID(ctx, sessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call session"})
			return
		}
		if session.LineID != lineID {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "lineId does not match the call session"})
			return
		}

		delete(body, "callSessionId")
		delete(body, "lineId")
		args, err := json.Marshal(body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}

		res := h.d.Dispatch(ctx, sessionID, Call{
			ID:   uuid.NewString(),
			Name: name,
			Args: args,
		})
		if res["success"] != true {
			log.Info("internal tool soft failure", "tool", name, "code", res["code"])
		}
		c.JSON(http.StatusOK, res)
	}
}

func stringBodyField(body map[string]json.RawMessage, key string) string {
	raw, ok := body[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
