// Package busproto defines the JSON command/event wire format of the
// process front door (spec §4.7, §6): a line-delimited or in-process
// string API carrying JSON command objects in and JSON event objects out.
package busproto

import "encoding/json"

// Status codes returned in every Answer. Zero is success; the rest cover
// the error taxonomy of spec §7.
const (
	CodeOK                 = 0
	CodeUnsupported        = 1
	CodeBadState           = 2
	CodeResourceExhausted  = 3
	CodeNegotiationFailed  = 4
	CodeInternalError      = 5
	CodeNotFound           = 6
)

// Command names recognised by the dispatcher (spec §4.7 table).
const (
	CmdConfig            = "config"
	CmdStart             = "start"
	CmdStop              = "stop"
	CmdCreateAccount     = "create_account"
	CmdStartAccount      = "start_account"
	CmdSetUserInfo       = "set_user_info"
	CmdCreateSession     = "create_session"
	CmdStartSession      = "start_session"
	CmdAcceptSession     = "accept_session"
	CmdStopSession       = "stop_session"
	CmdDestroySession    = "destroy_session"
	CmdUseStreamForSession = "use_stream_for_session"
	CmdNetworkChanged    = "network_changed"
	CmdAddRootCert       = "add_root_cert"
	CmdLogMessage        = "log_message"
	CmdWaitForEvent      = "wait_for_event"
	CmdGetMediaStats     = "get_media_stats"
	CmdSendDTMF          = "send_dtmf"
)

// Event names emitted onto the event queue (spec §4.7).
const (
	EventUAStart             = "ua_start"
	EventUAStop              = "ua_stop"
	EventAccountStart        = "account_start"
	EventAccountStop         = "account_stop"
	EventSessionNew          = "session_new"
	EventSessionProvisional  = "session_provisional"
	EventSessionEstablished  = "session_established"
	EventSessionTerminated   = "session_terminated"
	EventConnectivityFailed  = "connectivity_failed"
	EventNetworkChange       = "network_change"
	EventCandidateGathered   = "candidate_gathered"
	EventLog                 = "log"
	EventSIPConnectionFailed = "sip_connection_failed"
)

// EstablishedKind distinguishes why a session reached Connected (§4.1).
type EstablishedKind string

const (
	EstablishedSIP EstablishedKind = "SIP"
	EstablishedICE EstablishedKind = "ICE"
)

// TerminatedReason labels why a session ended.
type TerminatedReason string

const (
	ReasonLocalBye    TerminatedReason = "LocalBye"
	ReasonRemoteBye   TerminatedReason = "RemoteBye"
	ReasonRejected    TerminatedReason = "Rejected"
	ReasonFatal       TerminatedReason = "Fatal"
)

// Command is a parsed inbound command. Fingerprint is the opaque
// application id propagated into the matching Answer/Event for
// correlation (GLOSSARY: "Fingerprint / tag").
type Command struct {
	Command     string          `json:"command"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	AccountID   int             `json:"account_id,omitempty"`
	SessionID   int             `json:"session_id,omitempty"`
	TimeoutMs   int             `json:"timeout_ms,omitempty"`
	Raw         json.RawMessage `json:"-"`
	fields      map[string]interface{}
}

// Field reads an arbitrary top-level field out of the command payload.
func (c *Command) Field(name string) (interface{}, bool) {
	if c.fields == nil {
		return nil, false
	}
	v, ok := c.fields[name]
	return v, ok
}

// ParseCommand decodes one JSON command object, keeping both the typed
// envelope fields and the raw field map for command-specific payloads
// (e.g. `config`'s nested configuration object).
func ParseCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	c.fields = fields
	c.Raw = data
	return &c, nil
}

// Answer is the dispatcher's synchronous reply to a Command; every answer
// echoes `command` and carries integer `code` (0 = success) per spec §6.
type Answer struct {
	Command     string                 `json:"command"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Code        int                    `json:"code"`
	Message     string                 `json:"message,omitempty"`
	AccountID   int                    `json:"account_id,omitempty"`
	SessionID   int                    `json:"session_id,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	Event       *Event                 `json:"event,omitempty"`
}

// Event is one record placed on the event queue.
type Event struct {
	Event       string                 `json:"event"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	AccountID   int                    `json:"account_id,omitempty"`
	SessionID   int                    `json:"session_id,omitempty"`
	Code        int                    `json:"code"`
	Reason      string                 `json:"reason,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// Marshal renders the event as the JSON object placed on the wire.
func (e *Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Marshal renders the answer as the JSON object placed on the wire.
func (a *Answer) Marshal() ([]byte, error) { return json.Marshal(a) }
