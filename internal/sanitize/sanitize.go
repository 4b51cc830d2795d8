package sanitize

// Package sanitize strips call-event payloads down to an allowlist before
// anything is persisted for debugging or observability.
//
// The function is pure and total: every input key ends up in exactly one of
// the kept or stripped sets. The stripped set is returned for internal
// redaction metrics and must never be persisted.

// EventType enumerates the event categories that may be recorded on a call.
type EventType string

const (
	EventDTMF        EventType = "dtmf"
	EventToolCall    EventType = "tool_call"
	EventStateChange EventType = "state_change"
	EventError       EventType = "error"
	EventSafetyTier  EventType = "safety_tier"
)

// base fields considered safe for any event type.
var baseAllow = map[EventType][]string{
	EventDTMF:        {"digit", "action"},
	EventStateChange: {"from", "to", "reason"},
	EventError:       {"code", "source", "fallback_message"},
	EventSafetyTier:  {"tier", "source", "action_taken"},
	EventToolCall:    {"tool", "success", "errorCode"},
}

// toolAllow lists, per canonical tool name, the fields safe to persist in
// addition to the tool_call base fields. Free-text fields (reminder message,
// memory values, safety signals) are deliberately absent.
var toolAllow = map[string][]string{
	"set_reminder":          {"reminderId", "dueAt", "recurring", "frequency"},
	"snooze_reminder":       {"reminderId", "minutes", "snoozeCount"},
	"edit_reminder":         {"reminderId", "field"},
	"pause_reminder":        {"reminderId"},
	"resume_reminder":       {"reminderId"},
	"cancel_reminder":       {"reminderId"},
	"store_memory":          {"memoryId", "kind"},
	"update_memory":         {"memoryId", "kind", "version"},
	"forget_memory":         {"memoryId", "matched"},
	"mark_private":          {"memoryId", "matched"},
	"log_safety_concern":    {"tier", "source", "notified"},
	"choose_overage_action": {"action"},
	"request_upgrade":       {"planId", "delivery"},
	"log_call_insights":     {"insightsId", "followUp"},
}

// toolAliases maps historical or alternate tool names to canonical names so
// older payloads still sanitize under the right allowlist.
var toolAliases = map[string]string{
	"create_reminder": "set_reminder",
	"delete_reminder": "cancel_reminder",
	"remember":        "store_memory",
	"forget":          "forget_memory",
	"make_private":    "mark_private",
	"safety_concern":  "log_safety_concern",
	"upgrade_plan":    "request_upgrade",
	"call_insights":   "log_call_insights",
	"log_insights":    "log_call_insights",
}

// CanonicalTool normalizes a tool name, returning the input unchanged when no
// alias is registered.
func CanonicalTool(name string) string {
	if canon, ok := toolAliases[name]; ok {
		return canon
	}
	return name
}

// Event redacts payload for the given event type. For tool_call events the
// payload's "tool" value selects the per-tool allowlist; unknown tools keep
// only the tool_call base fields.
func Event(eventType EventType, payload map[string]any) (kept, stripped map[string]any) {
	kept = make(map[string]any, len(payload))
	stripped = make(map[string]any)

	allow := make(map[string]bool)
	for _, k := range baseAllow[eventType] {
		allow[k] = true
	}
	if eventType == EventToolCall {
		if name, ok := payload["tool"].(string); ok {
			for _, k := range toolAllow[CanonicalTool(name)] {
				allow[k] = true
			}
		}
	}

	for k, v := range payload {
		if allow[k] {
			kept[k] = v
		} else {
			stripped[k] = v
		}
	}
	return kept, stripped
}
