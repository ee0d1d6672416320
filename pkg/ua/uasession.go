package ua

import (
	"github.com/arzzra/go-uacore/pkg/session"
)

// uaSession bundles one call's session.Session core with the dialog adapter
// driving its SIP signaling (§3 "Session" — the session proper lives in
// pkg/session; this wrapper is pkg/ua's bookkeeping around it: which
// account owns it, and the adapter needed to answer/reject/bye it).
type uaSession struct {
	id            int64
	accountID     int
	core          *session.Session
	dialogAdapter *dialogAdapter
}
