package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"companion-voice/internal/agent"
	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/insights"
	"companion-voice/internal/lines"
	"companion-voice/internal/safety"
	"companion-voice/internal/tools"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAgentConn struct {
	mu       sync.Mutex
	audio    []string
	injected []string
	results  map[string]any
	closed   bool
	events   chan agent.Event
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{results: make(map[string]any), events: make(chan agent.Event, 16)}
}

func (f *fakeAgentConn) SendAudio(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, p)
	return nil
}

func (f *fakeAgentConn) InjectSystemMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, text)
	return nil
}

func (f *fakeAgentConn) SendToolResult(callID string, output any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[callID] = output
	return nil
}

func (f *fakeAgentConn) Events() <-chan agent.Event { return f.events }

func (f *fakeAgentConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeAgentConn) injectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injected)
}

func (f *fakeAgentConn) lastInjected() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.injected) == 0 {
		return ""
	}
	return f.injected[len(f.injected)-1]
}

type fakeCarrier struct {
	mu     sync.Mutex
	media  []string
	clears int
	closed bool
}

func (f *fakeCarrier) WriteMedia(_, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payload)
	return nil
}

func (f *fakeCarrier) WriteClear(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeCarrier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []tools.Call
	out   tools.Result
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ string, call tools.Call) tools.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.out != nil {
		return s.out
	}
	return tools.Result{"success": true}
}

type bridgeFixture struct {
	bridge   *Bridge
	agent    *fakeAgentConn
	carrier  *fakeCarrier
	dispatch *stubDispatcher
	sessions *calls.MemoryRepo
	lineRepo *lines.MemoryRepo
	guard    *calls.MemoryLineGuard
	auditLog *audit.MemoryRepo
	registry *safety.Registry
	session  calls.Session
	clock    *testClock

	done chan struct{}
}

func newBridgeFixture(t *testing.T, account lines.Account) *bridgeFixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, time.June, 15, 15, 0, 0, 0, time.UTC)}

	f := &bridgeFixture{
		agent:    newFakeAgentConn(),
		carrier:  &fakeCarrier{},
		dispatch: &stubDispatcher{},
		sessions: calls.NewMemoryRepo(),
		lineRepo: lines.NewMemoryRepo(),
		guard:    calls.NewMemoryLineGuard(),
		auditLog: audit.NewMemoryRepo(),
		registry: safety.NewRegistry(),
		clock:    clock,
		done:     make(chan struct{}),
	}

	line := lines.Line{
		ID: "line-1", AccountID: account.ID, PhoneNumber: "+15550100",
		Timezone: "UTC", Enabled: true, Verified: true,
	}
	f.lineRepo.PutLine(line)
	f.lineRepo.PutAccount(account)

	mgr := calls.NewManager(f.sessions, nil).WithClock(clock.Now)
	session, err := mgr.Create(context.Background(), calls.CreateParams{
		AccountID: account.ID, LineID: line.ID, Direction: calls.DirectionInbound,
		CarrierCallID: "CA-bridge",
	})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	session, err = mgr.UpdateStatus(context.Background(), session.ID, calls.StatusInProgress, "stream_connected")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	f.session = session

	if ok, _ := f.guard.Acquire(context.Background(), line.ID); !ok {
		t.Fatal("guard acquire failed")
	}

	f.bridge = NewBridge(BridgeParams{
		Session:     session,
		Context:     CallContext{Line: line, Account: account},
		Carrier:     f.carrier,
		Agent:       f.agent,
		Calls:       mgr,
		Lines:       f.lineRepo,
		Tools:       f.dispatch,
		Safety:      f.registry,
		Guard:       f.guard,
		Audit:       audit.NewService(f.auditLog),
		StreamSid:   "MZ-test",
		GraceWindow: 5 * time.Second,
	}).WithClock(clock.Now)
	return f
}

func activeAccount() lines.Account {
	return lines.Account{ID: "acct-1", Status: lines.AccountStatusActive, IncludedMinutes: 100}
}

func (f *bridgeFixture) run() {
	go func() {
		f.bridge.Run(context.Background())
		close(f.done)
	}()
}

func (f *bridgeFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
	}
}

func (f *bridgeFixture) finalSession(t *testing.T) calls.Session {
	t.Helper()
	s, err := f.sessions.Get(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBridgeRelaysAudioBothWays(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.run()

	f.bridge.Frames() <- Frame{Event: FrameMedia, Media: &MediaFrame{Payload: "caller-chunk"}}
	waitFor(t, "caller audio forwarded", func() bool {
		f.agent.mu.Lock()
		defer f.agent.mu.Unlock()
		return len(f.agent.audio) == 1 && f.agent.audio[0] == "caller-chunk"
	})

	f.agent.events <- agent.Event{Type: agent.EventAudio, Audio: "agent-chunk"}
	waitFor(t, "agent audio relayed", func() bool {
		f.carrier.mu.Lock()
		defer f.carrier.mu.Unlock()
		return len(f.carrier.media) == 1 && f.carrier.media[0] == "agent-chunk"
	})

	f.agent.events <- agent.Event{Type: agent.EventSpeechStarted}
	waitFor(t, "barge-in clear", func() bool {
		f.carrier.mu.Lock()
		defer f.carrier.mu.Unlock()
		return f.carrier.clears == 1
	})

	close(f.bridge.Frames())
	f.waitDone(t)

	s := f.finalSession(t)
	if s.Status != calls.StatusCompleted || s.EndReason != "caller_hangup" {
		t.Fatalf("unexpected final session: status=%s reason=%s", s.Status, s.EndReason)
	}
	if ok, _ := f.guard.Acquire(context.Background(), "line-1"); !ok {
		t.Fatal("line guard not released at teardown")
	}
	if !f.carrier.closed {
		t.Fatal("carrier socket left open")
	}
	if !f.agent.closed {
		t.Fatal("agent connection left open")
	}
}

func TestBridgeToolCallRoundTrip(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.dispatch.out = tools.Result{"success": true, "spoken": "Done."}
	f.run()

	f.agent.events <- agent.Event{
		Type: agent.EventToolCall, ToolCallID: "call_1",
		ToolName: "set_reminder", ToolArgs: json.RawMessage(`{"message":"pills"}`),
	}
	waitFor(t, "tool result returned", func() bool {
		f.agent.mu.Lock()
		defer f.agent.mu.Unlock()
		_, ok := f.agent.results["call_1"]
		return ok
	})

	f.dispatch.mu.Lock()
	got := f.dispatch.calls[0]
	f.dispatch.mu.Unlock()
	if got.Name != "set_reminder" || got.ID != "call_1" {
		t.Fatalf("dispatcher saw %+v", got)
	}

	close(f.bridge.Frames())
	f.waitDone(t)
}

func TestBridgeEndsCallWhenToolRequestsIt(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.dispatch.out = tools.Result{"success": true, "end_call": true}
	f.run()

	f.agent.events <- agent.Event{
		Type: agent.EventToolCall, ToolCallID: "call_1",
		ToolName: "choose_overage_action", ToolArgs: json.RawMessage(`{"action":"end"}`),
	}
	waitFor(t, "tool result returned", func() bool {
		f.agent.mu.Lock()
		defer f.agent.mu.Unlock()
		_, ok := f.agent.results["call_1"]
		return ok
	})

	// Past the goodbye window the bridge hangs up on its own.
	f.clock.Advance(time.Minute)
	f.waitDone(t)

	s := f.finalSession(t)
	if s.Status != calls.StatusCompleted || s.EndReason != "caller_requested_end" {
		t.Fatalf("unexpected final session: status=%s reason=%s", s.Status, s.EndReason)
	}
}

func TestBridgeKeypadOptOut(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.run()

	f.bridge.Frames() <- Frame{Event: FrameDTMF, DTMF: &DTMFFrame{Digit: "9"}}
	waitFor(t, "opt-out warning injected", func() bool { return f.agent.injectedCount() == 1 })

	f.bridge.Frames() <- Frame{Event: FrameDTMF, DTMF: &DTMFFrame{Digit: "9"}}
	waitFor(t, "goodbye injected", func() bool { return f.agent.injectedCount() == 2 })

	line, err := f.lineRepo.GetLine(context.Background(), "line-1")
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if !line.DoNotCall {
		t.Fatal("confirmed opt-out did not set do-not-call")
	}

	var optOutAudited bool
	for _, e := range f.auditLog.All() {
		if e.Type == audit.EventTypeOptOut && e.LineID == "line-1" {
			optOutAudited = true
		}
	}
	if !optOutAudited {
		t.Fatal("opt-out missing from audit log")
	}

	f.clock.Advance(time.Minute)
	f.waitDone(t)

	if s := f.finalSession(t); s.EndReason != "caller_opt_out" {
		t.Fatalf("end reason = %s, want caller_opt_out", s.EndReason)
	}
}

func TestBridgeSecondNineOutsideWindowRestartsOptOut(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.run()

	f.bridge.Frames() <- Frame{Event: FrameDTMF, DTMF: &DTMFFrame{Digit: "9"}}
	waitFor(t, "opt-out warning injected", func() bool { return f.agent.injectedCount() == 1 })

	f.clock.Advance(optOutWindow + time.Second)
	f.bridge.Frames() <- Frame{Event: FrameDTMF, DTMF: &DTMFFrame{Digit: "9"}}
	waitFor(t, "second warning injected", func() bool { return f.agent.injectedCount() == 2 })

	line, _ := f.lineRepo.GetLine(context.Background(), "line-1")
	if line.DoNotCall {
		t.Fatal("expired window still confirmed opt-out")
	}

	close(f.bridge.Frames())
	f.waitDone(t)
}

func TestBridgeTrialMinutesWatchdog(t *testing.T) {
	trial := lines.Account{
		ID: "acct-1", Status: lines.AccountStatusTrial,
		IncludedMinutes: 30, MinutesUsed: 26,
	}
	f := newBridgeFixture(t, trial)
	f.run()

	// Four included minutes left; two minutes in, the critical warning
	// fires without ending the call.
	f.clock.Advance(2*time.Minute + 30*time.Second)
	waitFor(t, "critical warning injected", func() bool { return f.agent.injectedCount() == 1 })
	if got := f.agent.lastInjected(); !strings.Contains(got, "Mention") {
		t.Fatalf("unexpected critical message: %q", got)
	}

	// The call keeps flowing after the critical warning.
	f.agent.events <- agent.Event{Type: agent.EventAudio, Audio: "still-talking"}
	waitFor(t, "audio relayed after warning", func() bool {
		f.carrier.mu.Lock()
		defer f.carrier.mu.Unlock()
		return len(f.carrier.media) == 1
	})

	// At zero remaining the wrap-up instruction lands once, then the
	// grace window expires.
	f.clock.Advance(2 * time.Minute)
	waitFor(t, "wrap-up warning injected", func() bool { return f.agent.injectedCount() == 2 })
	if got := f.agent.lastInjected(); !strings.Contains(got, "run out") {
		t.Fatalf("unexpected wrap-up message: %q", got)
	}

	f.clock.Advance(time.Minute)
	f.waitDone(t)

	s := f.finalSession(t)
	if s.Status != calls.StatusCompleted || s.EndReason != "trial_minutes_exhausted" {
		t.Fatalf("unexpected final session: status=%s reason=%s", s.Status, s.EndReason)
	}
}

func TestBridgeRecordsSafetySummaryOnTeardown(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.registry.Get(f.session.ID).Record(safety.SourceModel, safety.TierMedium)
	f.run()

	close(f.bridge.Frames())
	f.waitDone(t)

	var found bool
	for _, e := range f.sessions.Events(f.session.ID) {
		if e.Type == "safety_tier" && e.Payload["tier"] == "medium" {
			found = true
		}
	}
	if !found {
		t.Fatal("teardown did not record safety summary event")
	}
}

func TestBridgeBackstopFlagsTranscriptKeywords(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.run()

	f.agent.events <- agent.Event{Type: agent.EventTranscript, Message: "You said you had chest pain this morning, is it better now?"}

	// A trailing audio event proves the transcript ahead of it was handled.
	f.agent.events <- agent.Event{Type: agent.EventAudio, Audio: "sentinel"}
	waitFor(t, "transcript processed", func() bool {
		f.carrier.mu.Lock()
		defer f.carrier.mu.Unlock()
		return len(f.carrier.media) == 1
	})

	sum := f.registry.Get(f.session.ID).Summarize()
	if sum.BackstopHighest != safety.TierMedium {
		t.Fatalf("backstop highest = %q, want medium", sum.BackstopHighest)
	}
	if sum.ModelHighest != safety.TierNone {
		t.Fatalf("model highest = %q, want none", sum.ModelHighest)
	}
	if len(sum.UnconfirmedTiers) != 1 || sum.UnconfirmedTiers[0] != safety.TierMedium {
		t.Fatalf("unconfirmed tiers = %v, want [medium]", sum.UnconfirmedTiers)
	}

	close(f.bridge.Frames())
	f.waitDone(t)

	var found bool
	for _, e := range f.sessions.Events(f.session.ID) {
		if e.Type == "safety_tier" && e.Payload["tier"] == "medium" {
			found = true
		}
	}
	if !found {
		t.Fatal("teardown did not record the backstop tier")
	}
}

func TestBridgeAgentDisconnectCompletesSession(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.run()

	f.agent.events <- agent.Event{Type: agent.EventClosed, Message: "unexpected EOF"}
	f.waitDone(t)

	s := f.finalSession(t)
	if !s.Status.Terminal() || s.EndReason != "agent_disconnected" {
		t.Fatalf("unexpected final session: status=%s reason=%s", s.Status, s.EndReason)
	}
}

type stubExtractor struct {
	mu  sync.Mutex
	got []insights.ExtractParams
}

func (s *stubExtractor) Extract(_ context.Context, p insights.ExtractParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, p)
}

func (s *stubExtractor) calls() []insights.ExtractParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]insights.ExtractParams(nil), s.got...)
}

func TestBridgeHandsTranscriptToExtractorOnCompletion(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	ext := &stubExtractor{}
	f.bridge.extract = ext
	f.run()

	f.agent.events <- agent.Event{Type: agent.EventTranscript, Message: "We talked about her garden."}
	f.agent.events <- agent.Event{Type: agent.EventTranscript, Message: "She is looking forward to Sunday lunch."}

	// A trailing audio event proves the transcripts ahead of it were handled.
	f.agent.events <- agent.Event{Type: agent.EventAudio, Audio: "sentinel"}
	waitFor(t, "transcripts processed", func() bool {
		f.carrier.mu.Lock()
		defer f.carrier.mu.Unlock()
		return len(f.carrier.media) == 1
	})

	close(f.bridge.Frames())
	f.waitDone(t)

	waitFor(t, "extractor invoked", func() bool { return len(ext.calls()) == 1 })
	p := ext.calls()[0]
	if p.SessionID != f.session.ID || p.LineID != "line-1" {
		t.Fatalf("unexpected extract params: %+v", p)
	}
	if !strings.Contains(p.Summary, "garden") || !strings.Contains(p.Summary, "Sunday lunch") {
		t.Fatalf("summary missing transcript lines: %q", p.Summary)
	}
}

func TestBridgeSkipsExtractorOnFailedSession(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	ext := &stubExtractor{}
	f.bridge.extract = ext

	// Rewind to a never-connected session so the agent drop counts as failure.
	f.bridge.session.ConnectedAt = nil
	f.run()

	f.agent.events <- agent.Event{Type: agent.EventClosed, Message: "dial tone lost"}
	f.waitDone(t)

	time.Sleep(50 * time.Millisecond)
	if n := len(ext.calls()); n != 0 {
		t.Fatalf("extractor ran %d times for a failed call", n)
	}
}

func TestBridgeSkipsExtractorOnTestCall(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	ext := &stubExtractor{}
	f.bridge.extract = ext
	f.run()

	s, err := f.sessions.Get(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s.TestCall = true
	if err := f.sessions.Update(context.Background(), s); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.agent.events <- agent.Event{Type: agent.EventTranscript, Message: "Just checking the line works."}
	close(f.bridge.Frames())
	f.waitDone(t)

	if got := f.finalSession(t); got.Status != calls.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(ext.calls()); n != 0 {
		t.Fatalf("extractor ran %d times for a test call", n)
	}
}

func TestBridgeStampsLineOnConnectedCompletion(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.run()

	close(f.bridge.Frames())
	f.waitDone(t)

	line, err := f.lineRepo.GetLine(context.Background(), "line-1")
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if line.LastCallAt == nil || !line.LastCallAt.Equal(f.clock.Now()) {
		t.Fatalf("last_call_at = %v, want %v", line.LastCallAt, f.clock.Now())
	}
}

func TestBridgeSkipsLineStampOnFailedCall(t *testing.T) {
	f := newBridgeFixture(t, activeAccount())
	f.bridge.session.ConnectedAt = nil
	f.run()

	f.agent.events <- agent.Event{Type: agent.EventClosed, Message: "dial tone lost"}
	f.waitDone(t)

	line, err := f.lineRepo.GetLine(context.Background(), "line-1")
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if line.LastCallAt != nil {
		t.Fatalf("failed call stamped last_call_at = %v, want nil", line.LastCallAt)
	}
}
