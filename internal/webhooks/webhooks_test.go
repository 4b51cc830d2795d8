package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/lines"
	"companion-voice/internal/schedule"
)

const testSecret = "internal-test-secret"

type stubUpgrades struct {
	accountID string
	delivery  string
	err       error
}

func (s *stubUpgrades) SendUpgradeLink(_ context.Context, account lines.Account) (string, error) {
	s.accountID = account.ID
	return s.delivery, s.err
}

type stubEmail struct {
	to      []string
	subject []string
}

func (s *stubEmail) SendEmail(_ context.Context, to, subject, _ string) error {
	s.to = append(s.to, to)
	s.subject = append(s.subject, subject)
	return nil
}

type webhookFixture struct {
	router    *gin.Engine
	lines     *lines.MemoryRepo
	sessions  *calls.MemoryRepo
	schedules *schedule.MemoryRepo
	upgrades  *stubUpgrades
	email     *stubEmail
	auditLog  *audit.MemoryRepo
	now       time.Time
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &webhookFixture{
		lines:     lines.NewMemoryRepo(),
		sessions:  calls.NewMemoryRepo(),
		schedules: schedule.NewMemoryRepo(),
		upgrades:  &stubUpgrades{delivery: "email"},
		email:     &stubEmail{},
		auditLog:  audit.NewMemoryRepo(),
		now:       time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC),
	}

	f.lines.PutLine(lines.Line{ID: "line-1", AccountID: "acct-1", Timezone: "UTC", Enabled: true, Verified: true})
	f.lines.PutAccount(lines.Account{
		ID: "acct-1", Status: lines.AccountStatusActive,
		BillingEmail: "family@example.com",
	})

	h := NewHandler(HandlerParams{
		Lines:              f.lines,
		Sessions:           f.sessions,
		Schedules:          f.schedules,
		Upgrades:           f.upgrades,
		Email:              f.email,
		Audit:              audit.NewService(f.auditLog),
		AnomalyCallsPerDay: 2,
	}).WithClock(func() time.Time { return f.now })

	f.router = gin.New()
	h.Register(f.router, testSecret)
	return f
}

func (f *webhookFixture) post(t *testing.T, path, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Internal-Secret", secret)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *webhookFixture) addCompletedCall(t *testing.T, id string, seconds int, at time.Time) {
	t.Helper()
	err := f.sessions.Insert(context.Background(), calls.Session{
		ID: id, AccountID: "acct-1", LineID: "line-1",
		Direction: calls.DirectionOutbound, Status: calls.StatusCompleted,
		SecondsConnected: seconds, CreatedAt: at, UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("Insert session: %v", err)
	}
}

func TestInternalSecretGuard(t *testing.T) {
	f := newWebhookFixture(t)

	cases := []struct {
		name   string
		secret string
		want   int
	}{
		{name: "valid secret passes", secret: testSecret, want: http.StatusOK},
		{name: "wrong secret rejected", secret: "nope", want: http.StatusForbidden},
		{name: "missing secret rejected", secret: "", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.post(t, "/internal/anomaly-check", tc.secret, gin.H{"line_id": "line-1"})
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestEmptyConfiguredSecretClosesEndpoints(t *testing.T) {
	f := newWebhookFixture(t)
	r := gin.New()
	r.POST("/guarded", RequireInternalSecret(""), func(c *gin.Context) { c.Status(http.StatusOK) })
	f.router = r

	if w := f.post(t, "/guarded", "", gin.H{}); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestTriggerUpgrade(t *testing.T) {
	f := newWebhookFixture(t)

	w := f.post(t, "/internal/upgrade", testSecret, gin.H{"account_id": "acct-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if f.upgrades.accountID != "acct-1" {
		t.Fatalf("upgrade sent for account %q", f.upgrades.accountID)
	}

	var resp struct {
		Delivery string `json:"delivery"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Delivery != "email" {
		t.Fatalf("body = %s", w.Body.String())
	}

	if w := f.post(t, "/internal/upgrade", testSecret, gin.H{"account_id": "ghost"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown account status = %d", w.Code)
	}
}

func TestTriggerWeeklySummary(t *testing.T) {
	f := newWebhookFixture(t)
	f.addCompletedCall(t, "s1", 600, f.now.Add(-24*time.Hour))
	f.addCompletedCall(t, "s2", 300, f.now.Add(-48*time.Hour))
	f.addCompletedCall(t, "old", 900, f.now.AddDate(0, 0, -10))

	w := f.post(t, "/internal/weekly-summary", testSecret, gin.H{"line_id": "line-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Calls   int `json:"calls"`
		Minutes int `json:"minutes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Calls != 2 || resp.Minutes != 15 {
		t.Fatalf("summary = %+v, want 2 calls / 15 minutes", resp)
	}
	if len(f.email.to) != 1 || f.email.to[0] != "family@example.com" {
		t.Fatalf("summary mail recipients = %v", f.email.to)
	}
}

func TestTriggerAnomalyCheck(t *testing.T) {
	f := newWebhookFixture(t)
	for i, id := range []string{"a1", "a2", "a3"} {
		f.addCompletedCall(t, id, 60, f.now.Add(-time.Duration(i+1)*time.Hour))
	}

	w := f.post(t, "/internal/anomaly-check", testSecret, gin.H{"line_id": "line-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Anomalous bool `json:"anomalous"`
		Calls     int  `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Anomalous || resp.Calls != 3 {
		t.Fatalf("anomaly response = %+v", resp)
	}

	var audited bool
	for _, e := range f.auditLog.All() {
		if e.Scope == "anomaly" && e.LineID == "line-1" {
			audited = true
		}
	}
	if !audited {
		t.Fatal("anomaly missing from audit log")
	}
	if len(f.email.to) != 1 {
		t.Fatalf("anomaly mail recipients = %v", f.email.to)
	}
}

func TestTriggerAnomalyCheckQuietLine(t *testing.T) {
	f := newWebhookFixture(t)
	f.addCompletedCall(t, "a1", 60, f.now.Add(-time.Hour))

	w := f.post(t, "/internal/anomaly-check", testSecret, gin.H{"line_id": "line-1"})
	var resp struct {
		Anomalous bool `json:"anomalous"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Anomalous {
		t.Fatal("normal volume flagged as anomalous")
	}
	if len(f.email.to) != 0 {
		t.Fatal("quiet line still generated an alert")
	}
}

func TestTriggerMissedCalls(t *testing.T) {
	f := newWebhookFixture(t)
	recent := f.now.Add(-2 * 24 * time.Hour)
	stale := f.now.AddDate(0, 0, -9)

	put := func(id, result string, ranAt time.Time) {
		s := schedule.Schedule{
			ID: id, AccountID: "acct-1", LineID: "line-1",
			Days: []time.Weekday{time.Monday}, Hour: 10, Enabled: true,
			NextRunAt: f.now.Add(time.Hour), LastRunAt: &ranAt, LastResult: result,
		}
		if err := f.schedules.Insert(context.Background(), s); err != nil {
			t.Fatalf("Insert schedule: %v", err)
		}
	}
	put("sched-ok", schedule.ResultPlaced, recent)
	put("sched-failed", schedule.ResultFailed, recent)
	put("sched-old-failure", schedule.ResultFailed, stale)

	w := f.post(t, "/internal/missed-calls", testSecret, gin.H{"line_id": "line-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Missed int `json:"missed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Missed != 1 {
		t.Fatalf("missed = %d, want 1", resp.Missed)
	}
	if len(f.email.to) != 1 {
		t.Fatalf("missed-calls mail recipients = %v", f.email.to)
	}
}
