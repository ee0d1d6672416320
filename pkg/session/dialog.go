package session

// Dialog is the slice of the SIP signaling layer a session needs: sending
// the offer/answer body and final responses, and tearing the dialog down.
// pkg/session depends on this interface rather than pkg/dialog directly so
// the state machine can be tested with a fake; pkg/ua supplies the real
// adapter over the teacher's dialog layer.
type Dialog interface {
	// SendOffer transmits sdp as a new offer (INVITE or re-INVITE body).
	SendOffer(sdp string) error
	// SendAnswer transmits sdp as the 200 OK body for a pending offer.
	SendAnswer(sdp string) error
	// Reject sends a final non-2xx response with the given SIP status code.
	Reject(code int) error
	// Bye sends a BYE (or CANCEL, if no final response was sent yet) and
	// tears down the dialog.
	Bye() error
	// RemoteURI returns the peer's address-of-record.
	RemoteURI() string
}
