package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"companion-voice/internal/audit"
	"companion-voice/internal/config"
	"companion-voice/internal/lines"
)

type fakeSMS struct {
	sent []string
	err  error
}

func (f *fakeSMS) SendSMS(_ context.Context, to, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeEmail struct {
	sent []string
	err  error
}

func (f *fakeEmail) SendEmail(_ context.Context, to, _, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type notifyFixture struct {
	notifier *Notifier
	lines    *lines.MemoryRepo
	sms      *fakeSMS
	email    *fakeEmail
	auditLog *audit.MemoryRepo
}

func newNotifyFixture(consent bool) *notifyFixture {
	f := &notifyFixture{
		lines:    lines.NewMemoryRepo(),
		sms:      &fakeSMS{},
		email:    &fakeEmail{},
		auditLog: audit.NewMemoryRepo(),
	}
	f.lines.PutAccount(lines.Account{
		ID: "acct-1", Status: lines.AccountStatusActive,
		TrustedContactConsent: consent,
	})
	f.notifier = NewNotifier(NotifierParams{
		Lines: f.lines,
		SMS:   f.sms,
		Email: f.email,
		Audit: audit.NewService(f.auditLog),
	})
	return f
}

func (f *notifyFixture) notify() {
	f.notifier.NotifyHighTier(context.Background(), "acct-1", "line-1", "sess-1")
}

func TestNotifyPrefersContactChannel(t *testing.T) {
	f := newNotifyFixture(true)
	f.lines.PutTrustedContact(lines.TrustedContact{
		ID: "tc-sms", AccountID: "acct-1", Phone: "+15550199", Email: "a@example.com",
		Enabled: true, NotifyHighTier: true, PreferSMS: true,
	})
	f.lines.PutTrustedContact(lines.TrustedContact{
		ID: "tc-email", AccountID: "acct-1", Email: "b@example.com",
		Enabled: true, NotifyHighTier: true,
	})

	f.notify()

	if len(f.sms.sent) != 1 || f.sms.sent[0] != "+15550199" {
		t.Fatalf("sms deliveries = %v", f.sms.sent)
	}
	if len(f.email.sent) != 1 || f.email.sent[0] != "b@example.com" {
		t.Fatalf("email deliveries = %v", f.email.sent)
	}

	events := f.auditLog.All()
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	for _, e := range events {
		if e.Type != audit.EventTypeSafetyNotify || e.SessionID != "sess-1" {
			t.Fatalf("unexpected audit event %+v", e)
		}
	}
}

func TestNotifyFallsBackToEmailWhenSMSFails(t *testing.T) {
	f := newNotifyFixture(true)
	f.sms.err = errors.New("gateway down")
	f.lines.PutTrustedContact(lines.TrustedContact{
		ID: "tc-1", AccountID: "acct-1", Phone: "+15550199", Email: "a@example.com",
		Enabled: true, NotifyHighTier: true, PreferSMS: true,
	})

	f.notify()

	if len(f.email.sent) != 1 {
		t.Fatalf("email deliveries = %v, want fallback delivery", f.email.sent)
	}
	events := f.auditLog.All()
	if len(events) != 1 || events[0].Message != "email" {
		t.Fatalf("audit events = %+v", events)
	}
}

func TestNotifySuppressedWithoutConsent(t *testing.T) {
	f := newNotifyFixture(false)
	f.lines.PutTrustedContact(lines.TrustedContact{
		ID: "tc-1", AccountID: "acct-1", Email: "a@example.com",
		Enabled: true, NotifyHighTier: true,
	})

	f.notify()

	if len(f.sms.sent)+len(f.email.sent) != 0 {
		t.Fatal("alert sent despite withdrawn consent")
	}
	if len(f.auditLog.All()) != 0 {
		t.Fatal("suppressed alert still audited")
	}
}

func TestNotifySkipsDisabledAndLowTierContacts(t *testing.T) {
	f := newNotifyFixture(true)
	f.lines.PutTrustedContact(lines.TrustedContact{
		ID: "tc-disabled", AccountID: "acct-1", Email: "a@example.com",
		Enabled: false, NotifyHighTier: true,
	})
	f.lines.PutTrustedContact(lines.TrustedContact{
		ID: "tc-quiet", AccountID: "acct-1", Email: "b@example.com",
		Enabled: true, NotifyHighTier: false,
	})

	f.notify()

	if len(f.sms.sent)+len(f.email.sent) != 0 {
		t.Fatal("filtered contacts still received alerts")
	}
}

func TestSMSClientPostsCollaboratorRequest(t *testing.T) {
	var got struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewSMSClient(config.SMSConfig{Endpoint: srv.URL, APIKey: "sms-key", Timeout: time.Second})
	if err := client.SendSMS(context.Background(), "+15550142", "hello"); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if auth != "Bearer sms-key" {
		t.Fatalf("auth header = %q", auth)
	}
	if got.To != "+15550142" || got.Body != "hello" {
		t.Fatalf("collaborator saw %+v", got)
	}
}

func TestEmailClientSurfacesCollaboratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewEmailClient(config.EmailConfig{Endpoint: srv.URL, Timeout: time.Second})
	if err := client.SendEmail(context.Background(), "a@example.com", "s", "b"); err == nil {
		t.Fatal("expected error from failing collaborator")
	}
}

func TestClientsDisabledWithoutEndpoint(t *testing.T) {
	if NewSMSClient(config.SMSConfig{}) != nil {
		t.Fatal("sms client created without endpoint")
	}
	if NewEmailClient(config.EmailConfig{}) != nil {
		t.Fatal("email client created without endpoint")
	}
}
