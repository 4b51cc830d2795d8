package telephony

import (
	"strings"
	"testing"
)

func TestRenderRejectSpeaksBeforeHangup(t *testing.T) {
	out, err := RenderReject(ReasonDoNotCall, "")
	if err != nil {
		t.Fatalf("RenderReject: %v", err)
	}
	if !strings.Contains(out, "<Say") || !strings.Contains(out, "<Hangup") {
		t.Fatalf("missing verbs:\n%s", out)
	}
	if !strings.Contains(out, SpokenRejection(ReasonDoNotCall)) {
		t.Fatalf("missing spoken message:\n%s", out)
	}
	if strings.Index(out, "<Say") > strings.Index(out, "<Hangup") {
		t.Fatal("hangup precedes the goodbye")
	}
}

func TestRenderRejectUnknownReasonFallsBack(t *testing.T) {
	out, err := RenderReject(RejectReason("no_such_reason"), "en-GB")
	if err != nil {
		t.Fatalf("RenderReject: %v", err)
	}
	if !strings.Contains(out, SpokenRejection(ReasonInternalError)) {
		t.Fatalf("unknown reason did not fall back:\n%s", out)
	}
	if !strings.Contains(out, `language="en-GB"`) {
		t.Fatalf("language not applied:\n%s", out)
	}
}

func TestRenderConnectEmbedsStreamToken(t *testing.T) {
	out, err := RenderConnect(ConnectParams{
		StreamURL:   "wss://media.example.com/v1/media",
		StreamToken: "tok-123",
		Disclosure:  "This call is with an automated companion.",
	})
	if err != nil {
		t.Fatalf("RenderConnect: %v", err)
	}
	for _, want := range []string{
		`url="wss://media.example.com/v1/media"`,
		`name="token"`,
		`value="tok-123"`,
		"automated companion",
		"<Connect>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
	// Disclosure is spoken before the bridge opens.
	if strings.Index(out, "<Say") > strings.Index(out, "<Connect") {
		t.Fatal("stream opens before the disclosure")
	}
}

func TestRenderConnectRequiresURLAndToken(t *testing.T) {
	if _, err := RenderConnect(ConnectParams{StreamToken: "tok"}); err == nil {
		t.Fatal("accepted empty stream url")
	}
	if _, err := RenderConnect(ConnectParams{StreamURL: "wss://x"}); err == nil {
		t.Fatal("accepted empty stream token")
	}
}
