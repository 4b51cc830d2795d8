package sanitize

import (
	"reflect"
	"testing"
)

func TestEvent_PartitionsEveryKey(t *testing.T) {
	payload := map[string]any{
		"tool":       "set_reminder",
		"success":    true,
		"reminderId": "r1",
		"message":    "take your pills", // free text must never survive
		"dueAt":      "2026-09-01T13:00:00Z",
	}
	kept, stripped := Event(EventToolCall, payload)

	if len(kept)+len(stripped) != len(payload) {
		t.Fatalf("partition lost keys: kept=%d stripped=%d in=%d", len(kept), len(stripped), len(payload))
	}
	for k := range payload {
		_, inKept := kept[k]
		_, inStripped := stripped[k]
		if inKept == inStripped {
			t.Fatalf("key %q must be in exactly one set", k)
		}
	}
	if _, ok := kept["message"]; ok {
		t.Fatalf("reminder message text must be stripped")
	}
	if _, ok := kept["reminderId"]; !ok {
		t.Fatalf("reminder id is allowlisted for set_reminder")
	}
}

func TestEvent_Idempotent(t *testing.T) {
	payload := map[string]any{
		"tool":    "snooze_reminder",
		"success": true,
		"minutes": 30,
		"note":    "secret",
	}
	once, _ := Event(EventToolCall, payload)
	twice, stripped := Event(EventToolCall, once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("re-sanitizing changed the payload: %v vs %v", once, twice)
	}
	if len(stripped) != 0 {
		t.Fatalf("sanitized payload should have nothing left to strip, got %v", stripped)
	}
}

func TestEvent_UnknownToolKeepsOnlyBaseFields(t *testing.T) {
	payload := map[string]any{
		"tool":      "mystery_tool",
		"success":   false,
		"errorCode": "boom",
		"payload":   "sensitive",
	}
	kept, stripped := Event(EventToolCall, payload)
	if _, ok := kept["payload"]; ok {
		t.Fatalf("unknown tool fields must be stripped")
	}
	for _, k := range []string{"tool", "success", "errorCode"} {
		if _, ok := kept[k]; !ok {
			t.Fatalf("base field %q should survive", k)
		}
	}
	if _, ok := stripped["payload"]; !ok {
		t.Fatalf("stripped set should report the redacted key")
	}
}

func TestEvent_AliasNormalization(t *testing.T) {
	if CanonicalTool("create_reminder") != "set_reminder" {
		t.Fatalf("alias not normalized")
	}
	payload := map[string]any{"tool": "create_reminder", "reminderId": "r9", "message": "x"}
	kept, _ := Event(EventToolCall, payload)
	if _, ok := kept["reminderId"]; !ok {
		t.Fatalf("aliased tool should use canonical allowlist")
	}
	if _, ok := kept["message"]; ok {
		t.Fatalf("message still stripped under alias")
	}
}

func TestEvent_DTMFAndError(t *testing.T) {
	kept, _ := Event(EventDTMF, map[string]any{"digit": "9", "raw_frame": "..."})
	if _, ok := kept["digit"]; !ok {
		t.Fatalf("digit allowlisted")
	}
	if _, ok := kept["raw_frame"]; ok {
		t.Fatalf("raw frame stripped")
	}

	kept, _ = Event(EventError, map[string]any{"code": "agent_connect_failed", "stack": "..."})
	if _, ok := kept["stack"]; ok {
		t.Fatalf("stack stripped from error events")
	}
}
