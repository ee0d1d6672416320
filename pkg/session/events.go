package session

// EventSink receives the lifecycle events a session emits toward the user
// agent's event bus (§4.7's `session_*`/`connectivity_failed`/
// `candidate_gathered` events). Implemented by pkg/ua, injected at
// construction so this package never depends on the bus wire format.
type EventSink interface {
	OnProvisional(sess *Session)
	OnEstablished(sess *Session, kind EstablishedKind)
	OnTerminated(sess *Session, reason TerminatedReason)
	OnConnectivityFailed(sess *Session)
	OnCandidateGathered(sess *Session, streamIndex int)
}

// NoopEventSink discards every event; useful in tests.
type NoopEventSink struct{}

func (NoopEventSink) OnProvisional(*Session)                     {}
func (NoopEventSink) OnEstablished(*Session, EstablishedKind)     {}
func (NoopEventSink) OnTerminated(*Session, TerminatedReason)     {}
func (NoopEventSink) OnConnectivityFailed(*Session)               {}
func (NoopEventSink) OnCandidateGathered(*Session, int)           {}
