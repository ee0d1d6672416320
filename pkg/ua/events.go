package ua

import (
	"time"

	"github.com/arzzra/go-uacore/pkg/busproto"
	"github.com/arzzra/go-uacore/pkg/session"
)

// agentEventSink implements session.EventSink by translating session-level
// lifecycle calls into busproto.Event values on the agent's event queue
// (§4.7's session_*/connectivity_failed/candidate_gathered events). Defined
// as a distinct named type over Agent's fields (rather than a separate
// struct holding a pointer) so Dispatch can hand *Agent straight to
// session.New via a type conversion.
type agentEventSink Agent

func (a *agentEventSink) agent() *Agent { return (*Agent)(a) }

func (a *agentEventSink) OnProvisional(sess *session.Session) {
	a.agent().pushEvent(&busproto.Event{
		Event:     busproto.EventSessionProvisional,
		SessionID: int(sess.ID),
	})
}

func (a *agentEventSink) OnEstablished(sess *session.Session, kind session.EstablishedKind) {
	a.agent().pushEvent(&busproto.Event{
		Event:     busproto.EventSessionEstablished,
		SessionID: int(sess.ID),
		Kind:      string(establishedKindToBus(kind)),
	})
}

func (a *agentEventSink) OnTerminated(sess *session.Session, reason session.TerminatedReason) {
	ag := a.agent()
	ag.removeSession(sess.ID)
	ag.pushEvent(&busproto.Event{
		Event:     busproto.EventSessionTerminated,
		SessionID: int(sess.ID),
		Reason:    string(terminatedReasonToBus(reason)),
	})
}

func (a *agentEventSink) OnConnectivityFailed(sess *session.Session) {
	a.agent().pushEvent(&busproto.Event{
		Event:     busproto.EventConnectivityFailed,
		SessionID: int(sess.ID),
	})
}

func (a *agentEventSink) OnCandidateGathered(sess *session.Session, streamIndex int) {
	a.agent().pushEvent(&busproto.Event{
		Event:     busproto.EventCandidateGathered,
		SessionID: int(sess.ID),
		Fields:    map[string]interface{}{"stream_index": streamIndex},
	})
}

func establishedKindToBus(k session.EstablishedKind) busproto.EstablishedKind {
	if k == session.EstablishedICE {
		return busproto.EstablishedICE
	}
	return busproto.EstablishedSIP
}

func terminatedReasonToBus(r session.TerminatedReason) busproto.TerminatedReason {
	switch r {
	case session.ReasonRemoteBye:
		return busproto.ReasonRemoteBye
	case session.ReasonRejected:
		return busproto.ReasonRejected
	case session.ReasonFatal:
		return busproto.ReasonFatal
	default:
		return busproto.ReasonLocalBye
	}
}

// pushEvent appends ev to the event queue, dropping the oldest entry if the
// queue is already at capacity (§3 "Command/event queue" — a bounded FIFO;
// spec leaves overflow behavior implementation-defined, so this module
// favors fresh events over old ones), and wakes any wait_for_event waiter.
func (a *Agent) pushEvent(ev *busproto.Event) {
	a.eventsMu.Lock()
	if len(a.events) >= eventQueueCapacity {
		a.events = a.events[1:]
	}
	a.events = append(a.events, ev)
	a.eventsMu.Unlock()
	a.eventsCV.Broadcast()
}

// waitForEvent implements `wait_for_event(timeout_ms)` (§4.7): blocks on the
// event queue's condition variable until an event is available or timeoutMs
// elapses, whichever comes first. timeoutMs <= 0 means "return immediately
// if nothing is queued."
func (a *Agent) waitForEvent(timeoutMs int) *busproto.Event {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()

	for len(a.events) == 0 {
		if timeoutMs <= 0 {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.AfterFunc(remaining, a.eventsCV.Broadcast)
		a.eventsCV.Wait()
		timer.Stop()
		if time.Now().After(deadline) && len(a.events) == 0 {
			return nil
		}
	}

	ev := a.events[0]
	a.events = a.events[1:]
	return ev
}
