package session

// Role distinguishes which side of the offer/answer exchange this session
// plays (§3 "Session").
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// State names the session's FSM state. Initiator sessions walk
// Created→Offering→Early→Connected→Terminated; Acceptor sessions walk
// Created→Offered→Accepting→Connected→Terminated (§4.1).
type State string

const (
	StateCreated    State = "created"
	StateOffering   State = "offering"
	StateOffered    State = "offered"
	StateEarly      State = "early"
	StateAccepting  State = "accepting"
	StateConnected  State = "connected"
	StateTerminated State = "terminated"
)

// ICEPhase tags whether a session's ICE streams are gathering, checking,
// or settled — an intermediate substate layered over State per §4.1.
type ICEPhase string

const (
	ICEPhaseDisabled  ICEPhase = "disabled"
	ICEPhaseGathering ICEPhase = "gathering"
	ICEPhaseChecking  ICEPhase = "checking"
	ICEPhaseComplete  ICEPhase = "complete"
	ICEPhaseFailed    ICEPhase = "failed"
)

// EstablishedKind distinguishes the event that first proved the media path
// is live: the SIP 200 OK for ICE-less calls, or ICE connectivity-check
// success otherwise.
type EstablishedKind string

const (
	EstablishedSIP EstablishedKind = "sip"
	EstablishedICE EstablishedKind = "ice"
)

// TerminatedReason records why a session ended.
type TerminatedReason string

const (
	ReasonLocalBye  TerminatedReason = "local_bye"
	ReasonRemoteBye TerminatedReason = "remote_bye"
	ReasonRejected  TerminatedReason = "rejected"
	ReasonFatal     TerminatedReason = "fatal"
)

// Direction mirrors pkg/sdpcodec.Direction without importing it, so this
// package's public surface stays free of the SDP codec's types; pkg/ua
// translates between the two at the boundary.
type Direction string

const (
	DirSendRecv Direction = "sendrecv"
	DirSendOnly Direction = "sendonly"
	DirRecvOnly Direction = "recvonly"
	DirInactive Direction = "inactive"
)
