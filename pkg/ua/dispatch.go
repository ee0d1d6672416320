package ua

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/arzzra/go-uacore/pkg/busproto"
	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/media"
	"github.com/arzzra/go-uacore/pkg/session"
	"github.com/arzzra/go-uacore/pkg/wavfile"
)

// Dispatch decodes and executes one bus command (§4.7's command table),
// returning the synchronous Answer. Long-running effects (SIP stack
// shutdown, ICE gathering) are started here and reported later as events,
// never by blocking the command thread (§5 "Command thread").
func (a *Agent) Dispatch(cmd *busproto.Command) *busproto.Answer {
	ans := &busproto.Answer{Command: cmd.Command, Fingerprint: cmd.Fingerprint}

	switch cmd.Command {
	case busproto.CmdConfig:
		a.dispatchConfig(cmd, ans)
	case busproto.CmdStart:
		if err := a.Start(context.Background()); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	case busproto.CmdStop:
		if err := a.Stop(context.Background()); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	case busproto.CmdCreateAccount:
		a.dispatchCreateAccount(ans)
	case busproto.CmdStartAccount:
		a.dispatchStartAccount(cmd, ans)
	case busproto.CmdSetUserInfo:
		a.dispatchSetUserInfo(cmd, ans)
	case busproto.CmdCreateSession:
		a.dispatchCreateSession(cmd, ans)
	case busproto.CmdStartSession:
		a.dispatchStartSession(cmd, ans)
	case busproto.CmdAcceptSession:
		a.dispatchAcceptSession(cmd, ans)
	case busproto.CmdStopSession:
		a.dispatchStopSession(cmd, ans)
	case busproto.CmdDestroySession:
		a.dispatchDestroySession(cmd, ans)
	case busproto.CmdUseStreamForSession:
		a.dispatchUseStreamForSession(cmd, ans)
	case busproto.CmdNetworkChanged:
		a.dispatchNetworkChanged(ans)
	case busproto.CmdAddRootCert:
		a.dispatchAddRootCert(cmd, ans)
	case busproto.CmdLogMessage:
		a.dispatchLogMessage(cmd, ans)
	case busproto.CmdWaitForEvent:
		a.dispatchWaitForEvent(cmd, ans)
	case busproto.CmdGetMediaStats:
		a.dispatchGetMediaStats(cmd, ans)
	case busproto.CmdSendDTMF:
		a.dispatchSendDTMF(cmd, ans)
	default:
		ans.Code = busproto.CodeUnsupported
		ans.Message = fmt.Sprintf("ua: unrecognized command %q", cmd.Command)
	}
	return ans
}

func failAnswer(ans *busproto.Answer, code int, err error) {
	ans.Code = code
	ans.Message = err.Error()
}

// dispatchConfig merges the command's JSON payload into the master profile
// (§4.7 `config`). Payload keys match config.Profile's Go field names,
// case-insensitively (no json tags on Profile — there is nothing else for
// mapstructure to key off, the same fallback the grounding example relies
// on when a field carries no tag); a StringToTimeDurationHookFunc lets
// duration fields arrive as "30s"-style strings.
func (a *Agent) dispatchConfig(cmd *busproto.Command, ans *busproto.Answer) {
	var raw map[string]interface{}
	if err := json.Unmarshal(cmd.Raw, &raw); err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
		return
	}
	delete(raw, "command")
	delete(raw, "fingerprint")

	var patch config.Profile
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &patch,
	})
	if err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
		return
	}
	if err := decoder.Decode(raw); err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
		return
	}

	a.mu.Lock()
	a.profile = a.profile.Merge(&patch)
	a.mu.Unlock()
}

func (a *Agent) dispatchCreateAccount(ans *busproto.Answer) {
	a.mu.Lock()
	a.nextAccountID++
	id := a.nextAccountID
	a.accounts[id] = newAccount(id)
	a.mu.Unlock()
	ans.AccountID = id
}

func (a *Agent) dispatchStartAccount(cmd *busproto.Command, ans *busproto.Answer) {
	a.mu.RLock()
	acc, ok := a.accounts[cmd.AccountID]
	a.mu.RUnlock()
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	if !acc.startRegistration() {
		ans.Code = busproto.CodeResourceExhausted
		ans.Message = "ua: REGISTER rate-limited"
		return
	}
	ans.AccountID = acc.id
	a.pushEvent(&busproto.Event{Event: busproto.EventAccountStart, AccountID: acc.id})
}

func (a *Agent) dispatchSetUserInfo(cmd *busproto.Command, ans *busproto.Answer) {
	a.mu.RLock()
	acc, ok := a.accounts[cmd.AccountID]
	a.mu.RUnlock()
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	username, _ := stringField(cmd, "username")
	password, _ := stringField(cmd, "password")
	domain, _ := stringField(cmd, "domain")
	proxy, _ := stringField(cmd, "proxy")
	acc.setUserInfo(username, password, domain, proxy)
	ans.AccountID = acc.id
}

// dispatchCreateSession builds a new outbound session (§4.1 `start(peer)`
// is deferred to start_session; create_session only allocates the
// session.Session, its dialog adapter, and one bound audio stream).
func (a *Agent) dispatchCreateSession(cmd *busproto.Command, ans *busproto.Answer) {
	if cmd.AccountID != 0 {
		a.mu.RLock()
		_, ok := a.accounts[cmd.AccountID]
		a.mu.RUnlock()
		if !ok {
			ans.Code = busproto.CodeNotFound
			return
		}
	}
	peer, _ := stringField(cmd, "peer")
	target, err := parseTarget(peer)
	if err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
		return
	}
	adapter := newOutboundDialogAdapter(a.stack, target, a.log)
	ua := a.newSession(cmd.AccountID, adapter)
	if err := a.attachAudioProvider(ua.core); err != nil {
		failAnswer(ans, busproto.CodeResourceExhausted, err)
		return
	}
	ans.SessionID = int(ua.id)
}

func (a *Agent) dispatchStartSession(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	peer, _ := stringField(cmd, "peer")
	if err := s.core.Start(peer, s.dialogAdapter); err != nil {
		failAnswer(ans, busproto.CodeBadState, err)
	}
}

func (a *Agent) dispatchAcceptSession(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	if err := a.attachAudioProvider(s.core); err != nil {
		failAnswer(ans, busproto.CodeResourceExhausted, err)
		return
	}
	if err := s.core.Accept(); err != nil {
		failAnswer(ans, busproto.CodeBadState, err)
	}
}

func (a *Agent) dispatchStopSession(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	if err := s.core.Stop(); err != nil {
		failAnswer(ans, busproto.CodeBadState, err)
	}
}

// dispatchDestroySession discards a session that never progressed past
// Created (§4.1) without sending a BYE, closing its loop goroutine directly.
func (a *Agent) dispatchDestroySession(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	s.core.Close()
	a.removeSession(s.id)
}

// dispatchUseStreamForSession attaches a mirror/loopback, wav, or mixer sink
// to the session's audio provider (§3 "Audio stream ... optional mirror
// buffer ... optional wav read/write sinks"; §4.3's conference mixer).
func (a *Agent) dispatchUseStreamForSession(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	mode, _ := stringField(cmd, "mode")
	switch mode {
	case "":
	case "mirror":
		if err := a.setMirror(s.core, true); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	case "mirror-off":
		if err := a.setMirror(s.core, false); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	case "wav":
		path, _ := stringField(cmd, "path")
		if path == "" {
			ans.Code = busproto.CodeBadState
			ans.Message = "ua: use_stream_for_session mode=wav requires a path"
			return
		}
		if err := a.attachWavSink(s.core, path); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	case "wav-read":
		path, _ := stringField(cmd, "path")
		if path == "" {
			ans.Code = busproto.CodeBadState
			ans.Message = "ua: use_stream_for_session mode=wav-read requires a path"
			return
		}
		if err := a.attachWavReadSource(s.core, path); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	case "mixer":
		if err := a.attachMixer(s.core, s.id); err != nil {
			failAnswer(ans, busproto.CodeInternalError, err)
		}
	default:
		ans.Code = busproto.CodeUnsupported
		ans.Message = fmt.Sprintf("ua: unsupported stream mode %q", mode)
	}
}

// setMirror toggles the session's audio provider loopback self-test (§4.2
// send-path step 2).
func (a *Agent) setMirror(core *session.Session, enabled bool) error {
	st, err := core.EnsureStream()
	if err != nil {
		return err
	}
	provider, ok := st.Provider.(*audioProvider)
	if !ok {
		return fmt.Errorf("ua: session has no audio provider to mirror")
	}
	provider.SetMirror(enabled)
	return nil
}

// attachWavReadSource opens path for reading and attaches it as the
// session's audio provider's send-path source, overwriting live microphone
// capture (§4.2 send-path step 1, "wav-read-outgoing").
func (a *Agent) attachWavReadSource(core *session.Session, path string) error {
	st, err := core.EnsureStream()
	if err != nil {
		return err
	}
	provider, ok := st.Provider.(*audioProvider)
	if !ok {
		return fmt.Errorf("ua: session has no audio provider to attach a wav-read source to")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ua: opening wav-read source %q: %w", path, err)
	}
	reader, err := wavfile.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("ua: parsing wav-read source %q: %w", path, err)
	}
	provider.SetWavReadSink(reader)
	return nil
}

// attachWavSink opens path for writing and attaches it as the session's
// audio provider's receive-path recording sink (§4 data model's "Audio
// stream ... optional wav read/write sinks"). The session must already have
// an audioProvider bound (create_session/accept_session's attachAudioProvider).
func (a *Agent) attachWavSink(core *session.Session, path string) error {
	st, err := core.EnsureStream()
	if err != nil {
		return err
	}
	provider, ok := st.Provider.(*audioProvider)
	if !ok {
		return fmt.Errorf("ua: session has no audio provider to attach a wav sink to")
	}
	codec := provider.ChosenCodec()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ua: creating wav file %q: %w", path, err)
	}
	writer, err := wavfile.NewWriter(f, int(codec.SampleRate()), int(codec.Channels()))
	if err != nil {
		f.Close()
		return fmt.Errorf("ua: building wav writer for %q: %w", path, err)
	}
	provider.SetRecordSink(writer)
	return nil
}

// attachMixer joins the session's audio provider to this agent's shared
// conference mixer under sessionID (§4.3): DecodeNext then returns the mix
// of every active channel in the mixer, this session's own audio included,
// instead of this session's audio alone.
func (a *Agent) attachMixer(core *session.Session, sessionID int64) error {
	st, err := core.EnsureStream()
	if err != nil {
		return err
	}
	provider, ok := st.Provider.(*audioProvider)
	if !ok {
		return fmt.Errorf("ua: session has no audio provider to join to the mixer")
	}
	provider.SetMixer(a.mixer, sessionID)
	return nil
}

func (a *Agent) dispatchNetworkChanged(ans *busproto.Answer) {
	a.mu.RLock()
	sessions := make([]*uaSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.RUnlock()
	for _, s := range sessions {
		if err := s.core.RefreshMediaPath(); err != nil {
			a.log.LogError(context.Background(), err, "refreshing media path after network change")
		}
	}
	a.pushEvent(&busproto.Event{Event: busproto.EventNetworkChange})
}

func (a *Agent) dispatchAddRootCert(cmd *busproto.Command, ans *busproto.Answer) {
	pemStr, _ := stringField(cmd, "pem")
	a.mu.RLock()
	store := a.profile.TrustStore
	a.mu.RUnlock()
	if store == nil {
		ans.Code = busproto.CodeInternalError
		ans.Message = "ua: no trust store configured"
		return
	}
	if err := store.AddRootCert([]byte(pemStr)); err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
	}
}

func (a *Agent) dispatchLogMessage(cmd *busproto.Command, ans *busproto.Answer) {
	msg, _ := stringField(cmd, "message")
	a.log.Info(context.Background(), msg)
	a.pushEvent(&busproto.Event{Event: busproto.EventLog, Fields: map[string]interface{}{"message": msg}})
}

func (a *Agent) dispatchWaitForEvent(cmd *busproto.Command, ans *busproto.Answer) {
	ev := a.waitForEvent(cmd.TimeoutMs)
	if ev == nil {
		ans.Code = busproto.CodeNotFound
		ans.Message = "ua: wait_for_event timed out"
		return
	}
	ans.Event = ev
}

func (a *Agent) dispatchGetMediaStats(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	stats := s.core.Statistics()
	ans.Fields = map[string]interface{}{
		"received_bytes": stats.Received(),
		"packet_loss":    stats.PacketLoss(),
		"jitter_ms":      stats.JitterMs,
		"rtt_ms":         stats.RTTMs,
		"codec_name":     stats.CodecName,
		"chosen_ssrc":    stats.ChosenSSRC,
		"remote_peer":    stats.RemotePeer,
	}
}

func stringField(cmd *busproto.Command, name string) (string, bool) {
	v, ok := cmd.Field(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// numberField reads a numeric field out of the command payload; JSON
// numbers decode through encoding/json as float64, per ParseCommand.
func numberField(cmd *busproto.Command, name string) (float64, bool) {
	v, ok := cmd.Field(name)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// dispatchSendDTMF drives one RFC 4733 DTMF event on the session's audio
// provider (§4.2, §8 Scenario 5).
func (a *Agent) dispatchSendDTMF(cmd *busproto.Command, ans *busproto.Answer) {
	s, ok := a.lookupSession(int64(cmd.SessionID))
	if !ok {
		ans.Code = busproto.CodeNotFound
		return
	}
	digitStr, _ := stringField(cmd, "digit")
	digits, err := media.ParseDTMFString(digitStr)
	if err != nil || len(digits) == 0 {
		ans.Code = busproto.CodeBadState
		ans.Message = fmt.Sprintf("ua: send_dtmf requires a single valid DTMF digit, got %q", digitStr)
		return
	}
	durationMs, _ := numberField(cmd, "duration_ms")
	if durationMs <= 0 {
		durationMs = 160
	}

	st, err := s.core.EnsureStream()
	if err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
		return
	}
	provider, ok := st.Provider.(*audioProvider)
	if !ok {
		ans.Code = busproto.CodeBadState
		ans.Message = "ua: session has no audio provider to send DTMF on"
		return
	}
	if err := provider.SendDTMF(digits[0], time.Duration(durationMs)*time.Millisecond); err != nil {
		failAnswer(ans, busproto.CodeInternalError, err)
	}
}
