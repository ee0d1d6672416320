package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxURILength bounds the length of a Refer-To/Replaces URI accepted from
// the network (RFC 3261 places no hard limit; this guards against abuse).
const MaxURILength = 2048

// generateSecureTag returns a cryptographically random dialog tag, used for
// REFER subscription ids where predictability would let a third party guess
// and hijack a transfer's NOTIFY stream.
func generateSecureTag() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tag-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// validateCallID rejects a Call-ID carrying control characters or an
// unreasonable length before it is used to key a dialog lookup.
func validateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("Call-ID не может быть пустым")
	}
	for _, r := range callID {
		if r < 32 || r == 127 || r == ' ' {
			return fmt.Errorf("Call-ID содержит недопустимые символы")
		}
	}
	if len(callID) > 256 {
		return fmt.Errorf("Call-ID слишком длинный")
	}
	return nil
}
