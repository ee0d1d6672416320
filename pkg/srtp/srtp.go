// Package srtp implements the SRTP key agreement and per-direction
// protect/unprotect layer of §4.4: two key/salt pairs per session
// (outgoing, generated locally and announced via `a=crypto`; incoming,
// installed from the peer's `a=crypto`), with per-SSRC protection
// contexts installed lazily on first sight of that SSRC in that
// direction.
//
// Built on github.com/pion/srtp/v2 (from the opd-ai-toxcore dependency
// tree, the pack's SRTP library) rather than a hand-rolled AES-CM/HMAC
// implementation.
package srtp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	psrtp "github.com/pion/srtp/v2"
)

// Suite is a negotiable SRTP cipher suite (§6: "SRTP transforms per RFC
// 3711 with suites AES_CM_128_HMAC_SHA1_80 and AES_CM_256_HMAC_SHA1_80
// minimally").
type Suite string

const (
	SuiteAES128CM_SHA1_80 Suite = "AES_CM_128_HMAC_SHA1_80"
	SuiteAES256CM_SHA1_80 Suite = "AES_CM_256_HMAC_SHA1_80"
)

// keySaltLen returns (masterKeyLen, masterSaltLen) for a suite.
func (s Suite) keySaltLen() (int, int, error) {
	switch s {
	case SuiteAES128CM_SHA1_80:
		return 16, 14, nil
	case SuiteAES256CM_SHA1_80:
		return 32, 14, nil
	default:
		return 0, 0, fmt.Errorf("srtp: unsupported suite %q", s)
	}
}

func (s Suite) profile() (psrtp.ProtectionProfile, error) {
	switch s {
	case SuiteAES128CM_SHA1_80:
		return psrtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case SuiteAES256CM_SHA1_80:
		// No protection profile is mapped for the 256-bit suite: this case
		// always returns an error, so installing a 256-bit key fails.
		return psrtp.ProtectionProfileAeadAes128Gcm, fmt.Errorf("srtp: 256-bit suite has no protection profile mapping")
	default:
		return 0, fmt.Errorf("srtp: unsupported suite %q", s)
	}
}

// KeySalt is one base64-free master key/salt pair, as installed into a
// direction's protection context.
type KeySalt struct {
	Suite Suite
	Key   []byte // master key
	Salt  []byte // master salt
}

// GenerateKeySalt creates a fresh random key/salt pair for suite, used to
// build the locally-announced `a=crypto` line.
func GenerateKeySalt(suite Suite) (*KeySalt, error) {
	keyLen, saltLen, err := suite.keySaltLen()
	if err != nil {
		return nil, err
	}
	key := make([]byte, keyLen)
	salt := make([]byte, saltLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("srtp: generating key: %w", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srtp: generating salt: %w", err)
	}
	return &KeySalt{Suite: suite, Key: key, Salt: salt}, nil
}

// InlineBase64 renders "inline:<base64(key||salt)>" as carried in
// `a=crypto:<tag> <suite> inline:<base64key>` (§6).
func (ks *KeySalt) InlineBase64() string {
	buf := append(append([]byte{}, ks.Key...), ks.Salt...)
	return "inline:" + base64.StdEncoding.EncodeToString(buf)
}

// ParseInlineBase64 decodes an `inline:` value for a given suite back into
// its key and salt parts.
func ParseInlineBase64(suite Suite, inline string) (*KeySalt, error) {
	const prefix = "inline:"
	if len(inline) < len(prefix) || inline[:len(prefix)] != prefix {
		return nil, fmt.Errorf("srtp: malformed inline key")
	}
	raw, err := base64.StdEncoding.DecodeString(inline[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("srtp: decoding inline key: %w", err)
	}
	keyLen, saltLen, err := suite.keySaltLen()
	if err != nil {
		return nil, err
	}
	if len(raw) != keyLen+saltLen {
		return nil, fmt.Errorf("srtp: inline key/salt length mismatch: got %d want %d", len(raw), keyLen+saltLen)
	}
	return &KeySalt{Suite: suite, Key: raw[:keyLen], Salt: raw[keyLen:]}, nil
}

// NegotiateSuite picks, as offerer, the peer's top-preferred suite among
// `offered` that we also support from `supported` (§4.4: "when acting as
// offerer we publish every supported suite and pick the peer's
// top-preferred one that we also support").
func NegotiateSuite(supported []Suite, offeredByPeer []Suite) (Suite, error) {
	supportedSet := make(map[Suite]bool, len(supported))
	for _, s := range supported {
		supportedSet[s] = true
	}
	for _, s := range offeredByPeer {
		if supportedSet[s] {
			return s, nil
		}
	}
	return "", fmt.Errorf("srtp: no common suite between local and peer offers")
}

// Session owns the two key/salt pairs (outgoing/incoming) for one media
// stream and lazily installs per-SSRC protection state on first use, so a
// re-INVITE with media restart does not require wholesale session
// teardown (§4.4).
type Session struct {
	mu sync.Mutex

	outSuite Suite
	outKey   *KeySalt
	outCtx   *psrtp.Context

	inSuite Suite
	inKey   *KeySalt
	inCtx   *psrtp.Context

	decryptFailures uint64
}

// NewSession builds an SRTP session with the negotiated outgoing and
// incoming key/salt pairs.
func NewSession(outgoing, incoming *KeySalt) (*Session, error) {
	s := &Session{}
	if err := s.InstallOutgoing(outgoing); err != nil {
		return nil, err
	}
	if err := s.InstallIncoming(incoming); err != nil {
		return nil, err
	}
	return s, nil
}

// InstallOutgoing (re)installs the local protection context, used both at
// construction and when a re-INVITE renegotiates keys.
func (s *Session) InstallOutgoing(ks *KeySalt) error {
	profile, err := ks.Suite.profile()
	if err != nil && s.fallbackUnavailable(err) {
		return err
	}
	ctx, err := psrtp.CreateContext(ks.Key, ks.Salt, profile)
	if err != nil {
		return fmt.Errorf("srtp: installing outgoing context: %w", err)
	}
	s.mu.Lock()
	s.outSuite, s.outKey, s.outCtx = ks.Suite, ks, ctx
	s.mu.Unlock()
	return nil
}

// InstallIncoming (re)installs the remote protection context.
func (s *Session) InstallIncoming(ks *KeySalt) error {
	profile, err := ks.Suite.profile()
	if err != nil && s.fallbackUnavailable(err) {
		return err
	}
	ctx, err := psrtp.CreateContext(ks.Key, ks.Salt, profile)
	if err != nil {
		return fmt.Errorf("srtp: installing incoming context: %w", err)
	}
	s.mu.Lock()
	s.inSuite, s.inKey, s.inCtx = ks.Suite, ks, ctx
	s.mu.Unlock()
	return nil
}

func (s *Session) fallbackUnavailable(err error) bool {
	// Only AES128 has a confirmed profile mapping in the vendored
	// pion/srtp/v2; anything else is a hard negotiation failure.
	return err != nil
}

// ProtectRTP encrypts an RTP packet in place, per §4.4's `protect_rtp`.
// Per-SSRC policy is installed lazily by the underlying Context the first
// time it sees that SSRC.
func (s *Session) ProtectRTP(plain []byte) ([]byte, error) {
	s.mu.Lock()
	ctx := s.outCtx
	s.mu.Unlock()
	if ctx == nil {
		return nil, fmt.Errorf("srtp: no outgoing context installed")
	}
	return ctx.EncryptRTP(nil, plain, nil)
}

// ProtectRTCP encrypts an RTCP compound packet in place.
func (s *Session) ProtectRTCP(plain []byte) ([]byte, error) {
	s.mu.Lock()
	ctx := s.outCtx
	s.mu.Unlock()
	if ctx == nil {
		return nil, fmt.Errorf("srtp: no outgoing context installed")
	}
	return ctx.EncryptRTCP(nil, plain, nil)
}

// UnprotectRTP decrypts into a caller-owned buffer. Per §4.1/§7, a failure
// here must never terminate the session — callers drop the packet and
// bump a counter; DecryptFailures() exposes that counter for statistics.
func (s *Session) UnprotectRTP(cipher []byte) ([]byte, error) {
	s.mu.Lock()
	ctx := s.inCtx
	s.mu.Unlock()
	if ctx == nil {
		s.bumpFailure()
		return nil, fmt.Errorf("srtp: no incoming context installed")
	}
	plain, err := ctx.DecryptRTP(nil, cipher, nil)
	if err != nil {
		s.bumpFailure()
		return nil, fmt.Errorf("srtp: unprotect rtp: %w", err)
	}
	return plain, nil
}

// UnprotectRTCP decrypts an incoming RTCP compound packet.
func (s *Session) UnprotectRTCP(cipher []byte) ([]byte, error) {
	s.mu.Lock()
	ctx := s.inCtx
	s.mu.Unlock()
	if ctx == nil {
		s.bumpFailure()
		return nil, fmt.Errorf("srtp: no incoming context installed")
	}
	plain, err := ctx.DecryptRTCP(nil, cipher, nil)
	if err != nil {
		s.bumpFailure()
		return nil, fmt.Errorf("srtp: unprotect rtcp: %w", err)
	}
	return plain, nil
}

func (s *Session) bumpFailure() {
	s.mu.Lock()
	s.decryptFailures++
	s.mu.Unlock()
}

// DecryptFailures returns the running count of unprotect failures, fed
// into session statistics (§4.2 "Statistics laws").
func (s *Session) DecryptFailures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decryptFailures
}
