package ua

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/go-uacore/pkg/busproto"
	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/logging"
)

// testPortBase hands out disjoint 100-port ranges to successive test
// agents, so sockets two tests each allocate (neither closes its agent) can
// never collide on the same UDP port within one test run.
var testPortBase int32 = 34000

// newTestAgent builds an Agent against a private Prometheus registry, since
// session.New registers per-session counters under a "session_id" const
// label and every test here starts its own session numbering at 1 — sharing
// prometheus.DefaultRegisterer across test cases would panic on the second
// MustRegister of the same (name, session_id) pair.
func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	base := atomic.AddInt32(&testPortBase, 100)
	profile := config.Default()
	profile.ICEEnabled = false
	profile.BindIP = "203.0.113.5"
	profile.RTPPortStart = uint16(base)
	profile.RTPPortEnd = uint16(base + 100)
	a, err := New(profile, logging.Default().WithComponent("ua-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.reg = prometheus.NewRegistry()
	return a
}

func mustParseCommand(t *testing.T, raw string) *busproto.Command {
	t.Helper()
	cmd, err := busproto.ParseCommand([]byte(raw))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	return cmd
}

func TestDispatch_UnrecognizedCommand(t *testing.T) {
	a := newTestAgent(t)
	ans := a.Dispatch(mustParseCommand(t, `{"command":"not_a_real_command"}`))
	if ans.Code != busproto.CodeUnsupported {
		t.Fatalf("expected CodeUnsupported, got %d (%s)", ans.Code, ans.Message)
	}
}

func TestDispatch_Config_MergesIntoProfile(t *testing.T) {
	a := newTestAgent(t)
	ans := a.Dispatch(mustParseCommand(t, `{"command":"config","UserAgent":"go-uacore-test/1.0","RTPPortStart":33000,"RTPPortEnd":33100}`))
	if ans.Code != busproto.CodeOK {
		t.Fatalf("expected CodeOK, got %d (%s)", ans.Code, ans.Message)
	}

	a.mu.RLock()
	got := a.profile
	a.mu.RUnlock()
	if got.UserAgent != "go-uacore-test/1.0" {
		t.Fatalf("expected UserAgent merged, got %q", got.UserAgent)
	}
	if got.RTPPortStart != 33000 || got.RTPPortEnd != 33100 {
		t.Fatalf("expected RTP port range merged, got [%d,%d]", got.RTPPortStart, got.RTPPortEnd)
	}
}

func TestDispatch_AccountLifecycle(t *testing.T) {
	a := newTestAgent(t)

	created := a.Dispatch(mustParseCommand(t, `{"command":"create_account"}`))
	if created.Code != busproto.CodeOK || created.AccountID == 0 {
		t.Fatalf("create_account failed: code=%d id=%d", created.Code, created.AccountID)
	}

	setInfo := a.Dispatch(mustParseCommand(t, `{"command":"set_user_info","account_id":1,"username":"alice","password":"s3cret","domain":"example.com","proxy":"sip:proxy.example.com"}`))
	if setInfo.Code != busproto.CodeOK {
		t.Fatalf("set_user_info failed: code=%d (%s)", setInfo.Code, setInfo.Message)
	}

	start := a.Dispatch(mustParseCommand(t, `{"command":"start_account","account_id":1}`))
	if start.Code != busproto.CodeOK {
		t.Fatalf("start_account failed: code=%d (%s)", start.Code, start.Message)
	}

	missing := a.Dispatch(mustParseCommand(t, `{"command":"start_account","account_id":999}`))
	if missing.Code != busproto.CodeNotFound {
		t.Fatalf("expected CodeNotFound for unknown account, got %d", missing.Code)
	}
}

func TestDispatch_LogMessage_PushesEvent(t *testing.T) {
	a := newTestAgent(t)
	ans := a.Dispatch(mustParseCommand(t, `{"command":"log_message","message":"hello from test"}`))
	if ans.Code != busproto.CodeOK {
		t.Fatalf("log_message failed: code=%d (%s)", ans.Code, ans.Message)
	}

	waitAns := a.Dispatch(mustParseCommand(t, `{"command":"wait_for_event","timeout_ms":1000}`))
	if waitAns.Code != busproto.CodeOK || waitAns.Event == nil {
		t.Fatalf("expected queued log event, got code=%d event=%v", waitAns.Code, waitAns.Event)
	}
	if waitAns.Event.Event != busproto.EventLog {
		t.Fatalf("expected log event, got %q", waitAns.Event.Event)
	}
}

func TestDispatch_WaitForEvent_TimesOutWithNotFound(t *testing.T) {
	a := newTestAgent(t)
	ans := a.Dispatch(mustParseCommand(t, `{"command":"wait_for_event","timeout_ms":20}`))
	if ans.Code != busproto.CodeNotFound {
		t.Fatalf("expected CodeNotFound on empty-queue timeout, got %d", ans.Code)
	}
}

func TestDispatch_CreateSession_ThenDestroy(t *testing.T) {
	a := newTestAgent(t)
	created := a.Dispatch(mustParseCommand(t, `{"command":"create_session","peer":"sip:bob@example.com"}`))
	if created.Code != busproto.CodeOK {
		t.Fatalf("create_session failed: code=%d (%s)", created.Code, created.Message)
	}
	if created.SessionID == 0 {
		t.Fatalf("expected a non-zero session id")
	}

	if _, ok := a.lookupSession(int64(created.SessionID)); !ok {
		t.Fatalf("session %d not registered after create_session", created.SessionID)
	}

	destroyed := a.Dispatch(mustParseCommand(t, `{"command":"destroy_session","session_id":1}`))
	if destroyed.Code != busproto.CodeOK {
		t.Fatalf("destroy_session failed: code=%d (%s)", destroyed.Code, destroyed.Message)
	}
	if _, ok := a.lookupSession(int64(created.SessionID)); ok {
		t.Fatalf("session %d still registered after destroy_session", created.SessionID)
	}
}

func TestDispatch_UseStreamForSession_RejectsUnknownMode(t *testing.T) {
	a := newTestAgent(t)
	created := a.Dispatch(mustParseCommand(t, `{"command":"create_session","peer":"sip:bob@example.com"}`))
	if created.Code != busproto.CodeOK {
		t.Fatalf("create_session failed: %d", created.Code)
	}

	ans := a.Dispatch(mustParseCommand(t, `{"command":"use_stream_for_session","session_id":1,"mode":"bogus"}`))
	if ans.Code != busproto.CodeUnsupported {
		t.Fatalf("expected CodeUnsupported for mode=bogus, got %d", ans.Code)
	}

	ok := a.Dispatch(mustParseCommand(t, `{"command":"use_stream_for_session","session_id":1,"mode":"mirror"}`))
	if ok.Code != busproto.CodeOK {
		t.Fatalf("expected mirror mode accepted, got %d (%s)", ok.Code, ok.Message)
	}
}

func TestDispatch_UseStreamForSession_WavModeRequiresPath(t *testing.T) {
	a := newTestAgent(t)
	created := a.Dispatch(mustParseCommand(t, `{"command":"create_session","peer":"sip:bob@example.com"}`))
	if created.Code != busproto.CodeOK {
		t.Fatalf("create_session failed: %d", created.Code)
	}

	ans := a.Dispatch(mustParseCommand(t, `{"command":"use_stream_for_session","session_id":1,"mode":"wav"}`))
	if ans.Code != busproto.CodeBadState {
		t.Fatalf("expected CodeBadState for mode=wav with no path, got %d", ans.Code)
	}
}

func TestDispatch_UseStreamForSession_MixerModeJoinsConference(t *testing.T) {
	a := newTestAgent(t)
	created := a.Dispatch(mustParseCommand(t, `{"command":"create_session","peer":"sip:bob@example.com"}`))
	if created.Code != busproto.CodeOK {
		t.Fatalf("create_session failed: %d", created.Code)
	}
	s, ok := a.lookupSession(int64(created.SessionID))
	if !ok {
		t.Fatalf("session %d not registered", created.SessionID)
	}
	if err := a.attachAudioProvider(s.core); err != nil {
		t.Fatalf("attachAudioProvider: %v", err)
	}

	ans := a.Dispatch(mustParseCommand(t, `{"command":"use_stream_for_session","session_id":1,"mode":"mixer"}`))
	if ans.Code != busproto.CodeOK {
		t.Fatalf("expected CodeOK joining mixer, got %d (%s)", ans.Code, ans.Message)
	}

	st, err := s.core.EnsureStream()
	if err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	if _, ok := st.Provider.(*audioProvider); !ok {
		t.Fatalf("expected *audioProvider, got %T", st.Provider)
	}
	if a.mixer.ActiveChannels() != 0 {
		t.Fatalf("expected no active mixer channels before any PCM arrives, got %d", a.mixer.ActiveChannels())
	}
}

func TestDispatch_UseStreamForSession_WavModeAttachesSink(t *testing.T) {
	a := newTestAgent(t)
	created := a.Dispatch(mustParseCommand(t, `{"command":"create_session","peer":"sip:bob@example.com"}`))
	if created.Code != busproto.CodeOK {
		t.Fatalf("create_session failed: %d", created.Code)
	}
	s, ok := a.lookupSession(int64(created.SessionID))
	if !ok {
		t.Fatalf("session %d not registered", created.SessionID)
	}
	if err := a.attachAudioProvider(s.core); err != nil {
		t.Fatalf("attachAudioProvider: %v", err)
	}

	path := filepath.Join(t.TempDir(), "call.wav")
	ans := a.Dispatch(mustParseCommand(t, fmt.Sprintf(`{"command":"use_stream_for_session","session_id":1,"mode":"wav","path":%q}`, path)))
	if ans.Code != busproto.CodeOK {
		t.Fatalf("expected CodeOK attaching wav sink, got %d (%s)", ans.Code, ans.Message)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected wav file to be created: %v", err)
	}
}
