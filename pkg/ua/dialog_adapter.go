package ua

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/go-uacore/pkg/dialog"
	"github.com/arzzra/go-uacore/pkg/logging"
	"github.com/arzzra/go-uacore/pkg/sdpcodec"
	"github.com/arzzra/go-uacore/pkg/session"
)

// dialogAdapter implements session.Dialog over the teacher's pkg/dialog
// signaling layer. For an outbound session the underlying dialog.IDialog
// does not exist yet when the adapter is built — it is created lazily on
// the first SendOffer via Stack.NewInvite; for an inbound session it is
// already known (the dialog arrived via Stack.OnIncomingDialog) and is set
// at construction. Both cases converge once dlg is non-nil: the adapter
// wires dlg.OnStateChange/OnBody into the owning session's
// HandleProvisional/HandleRemoteOffer/HandleRemoteAnswer/HandleRemoteBye.
type dialogAdapter struct {
	mu sync.Mutex

	stack  *dialog.Stack
	target sip.Uri

	dlg dialog.IDialog
	// awaitingAnswer is true between a successful SendOffer and the next
	// body callback, which disambiguates an inbound body as the answer to
	// our own offer rather than a fresh offer from the peer.
	awaitingAnswer bool

	sess *session.Session
	log  logging.Logger
}

// newOutboundDialogAdapter builds an adapter for a session this process is
// initiating; the SIP dialog is created on the first SendOffer.
func newOutboundDialogAdapter(stack *dialog.Stack, target sip.Uri, log logging.Logger) *dialogAdapter {
	return &dialogAdapter{stack: stack, target: target, log: log}
}

// newInboundDialogAdapter wraps a dialog.IDialog that arrived through
// Stack.OnIncomingDialog; the session it's bound to has not yet attached
// its callbacks, so those are wired in bindSession.
func newInboundDialogAdapter(dlg dialog.IDialog, log logging.Logger) *dialogAdapter {
	return &dialogAdapter{dlg: dlg, log: log}
}

// bindSession attaches the owning session and, if the underlying
// dialog.IDialog already exists (inbound case), wires its callbacks.
// Outbound adapters wire their callbacks lazily once SendOffer creates the
// dialog.
func (a *dialogAdapter) bindSession(sess *session.Session) {
	a.mu.Lock()
	a.sess = sess
	dlg := a.dlg
	a.mu.Unlock()
	if dlg != nil {
		a.wireCallbacks(dlg)
	}
}

func (a *dialogAdapter) wireCallbacks(dlg dialog.IDialog) {
	dlg.OnStateChange(func(state dialog.DialogState) {
		a.mu.Lock()
		sess := a.sess
		a.mu.Unlock()
		if sess == nil {
			return
		}
		switch state {
		case dialog.DialogStateRinging:
			if err := sess.HandleProvisional(); err != nil {
				a.log.LogError(context.Background(), err, "handling provisional response")
			}
		case dialog.DialogStateTerminated:
			if err := sess.HandleRemoteBye(); err != nil {
				a.log.LogError(context.Background(), err, "handling remote bye")
			}
		}
	})
	dlg.OnBody(func(body dialog.Body) {
		a.mu.Lock()
		sess := a.sess
		awaiting := a.awaitingAnswer
		a.awaitingAnswer = false
		a.mu.Unlock()
		if sess == nil || body == nil || body.ContentType() != "application/sdp" {
			return
		}
		desc := &sdp.SessionDescription{}
		if err := desc.Unmarshal(body.Data()); err != nil {
			a.log.LogError(context.Background(), err, "parsing SDP body")
			return
		}
		parsed, err := sdpcodec.Parse(desc)
		if err != nil {
			a.log.LogError(context.Background(), err, "parsing media line")
			return
		}
		if awaiting {
			if err := sess.HandleRemoteAnswer(parsed); err != nil {
				a.log.LogError(context.Background(), err, "handling remote answer")
			}
			return
		}
		if err := sess.HandleRemoteOffer(desc.Origin.SessionVersion, parsed); err != nil {
			a.log.LogError(context.Background(), err, "handling remote offer")
		}
	})
}

// SendOffer implements session.Dialog: on the very first call for an
// outbound session it creates the SIP dialog via Stack.NewInvite; every
// later call (re-INVITE) goes through the existing dialog's ReInvite.
func (a *dialogAdapter) SendOffer(sdpStr string) error {
	a.mu.Lock()
	dlg := a.dlg
	a.awaitingAnswer = true
	a.mu.Unlock()

	body := dialog.NewBody("application/sdp", []byte(sdpStr))

	if dlg == nil {
		if a.stack == nil {
			return fmt.Errorf("ua: outbound dialog adapter has no stack")
		}
		newDlg, err := a.stack.NewInvite(context.Background(), a.target, dialog.InviteOpts{Body: body})
		if err != nil {
			a.mu.Lock()
			a.awaitingAnswer = false
			a.mu.Unlock()
			return fmt.Errorf("ua: sending INVITE: %w", err)
		}
		a.mu.Lock()
		a.dlg = newDlg
		a.mu.Unlock()
		a.wireCallbacks(newDlg)
		return nil
	}

	concrete, ok := dlg.(interface {
		ReInvite(ctx context.Context, opts dialog.InviteOpts) error
	})
	if !ok {
		return fmt.Errorf("ua: dialog does not support re-INVITE")
	}
	if err := concrete.ReInvite(context.Background(), dialog.InviteOpts{Body: body}); err != nil {
		a.mu.Lock()
		a.awaitingAnswer = false
		a.mu.Unlock()
		return fmt.Errorf("ua: sending re-INVITE: %w", err)
	}
	return nil
}

// SendAnswer implements session.Dialog by accepting the pending INVITE (or
// re-INVITE) with sdpStr as the 200 OK body.
func (a *dialogAdapter) SendAnswer(sdpStr string) error {
	a.mu.Lock()
	dlg := a.dlg
	a.mu.Unlock()
	if dlg == nil {
		return fmt.Errorf("ua: no pending dialog to answer")
	}
	body := dialog.NewBody("application/sdp", []byte(sdpStr))
	return dlg.Accept(context.Background(),
		dialog.ResponseWithBody(body.Data()),
		dialog.ResponseWithContentType(body.ContentType()))
}

// Reject implements session.Dialog.
func (a *dialogAdapter) Reject(code int) error {
	a.mu.Lock()
	dlg := a.dlg
	a.mu.Unlock()
	if dlg == nil {
		return fmt.Errorf("ua: no pending dialog to reject")
	}
	return dlg.Reject(context.Background(), code, reasonPhrase(code))
}

// reasonPhrase maps a final-response status code to its standard RFC 3261
// reason phrase, the way callers of sip.NewResponseFromRequest spell it out
// explicitly elsewhere in this module.
func reasonPhrase(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 600:
		return "Busy Everywhere"
	case 603:
		return "Decline"
	default:
		return "Rejected"
	}
}

// Bye implements session.Dialog.
func (a *dialogAdapter) Bye() error {
	a.mu.Lock()
	dlg := a.dlg
	a.mu.Unlock()
	if dlg == nil {
		return nil
	}
	return dlg.Bye(context.Background(), "")
}

// RemoteURI implements session.Dialog. Before the dialog exists (outbound,
// pre-SendOffer) it's simply the configured target; once dlg is set, the
// dialog's own Remote-Target (not RemoteTag, which is the To/From tag, not a
// URI) is authoritative.
func (a *dialogAdapter) RemoteURI() string {
	a.mu.Lock()
	dlg := a.dlg
	target := a.target
	a.mu.Unlock()
	if dlg == nil {
		return target.String()
	}
	if rt, ok := dlg.(interface{ RemoteTarget() sip.Uri }); ok {
		return rt.RemoteTarget().String()
	}
	return target.String()
}
