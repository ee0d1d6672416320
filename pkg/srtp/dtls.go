package srtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLSKeying derives SRTP key/salt pairs from a DTLS handshake instead of
// SDES inline keys (§4.4 supplemental), reusing the teacher's existing
// pion/dtls/v2 dependency.
// SDES remains the default per spec §6; this is opt-in via
// config.Profile.SRTPUseDTLS.
type DTLSKeying struct {
	Certificates []tls.Certificate
	ServerName   string
	Insecure     bool
}

// Handshake performs a DTLS handshake over conn and exports the SRTP
// master key/salt material via RFC 5764's keying-material export, then
// splits it into the two directional KeySalt pairs for suite.
func (d *DTLSKeying) Handshake(ctx context.Context, conn net.Conn, isClient bool, suite Suite) (local, remote *KeySalt, err error) {
	cfg := &dtls.Config{
		Certificates:         d.Certificates,
		InsecureSkipVerify:   d.Insecure,
		ServerName:           d.ServerName,
		ConnectContextMaker: func() (context.Context, func()) { return context.WithTimeout(ctx, 30*time.Second) },
	}

	var dconn *dtls.Conn
	if isClient {
		dconn, err = dtls.ClientWithContext(ctx, conn, cfg)
	} else {
		dconn, err = dtls.ServerWithContext(ctx, conn, cfg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("srtp: dtls handshake: %w", err)
	}

	keyLen, saltLen, err := suite.keySaltLen()
	if err != nil {
		return nil, nil, err
	}
	// RFC 5764 exports 2*(keyLen+saltLen) bytes of keying material, laid
	// out as: client_write_key, server_write_key, client_write_salt,
	// server_write_salt.
	material, err := dconn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*(keyLen+saltLen))
	if err != nil {
		return nil, nil, fmt.Errorf("srtp: exporting keying material: %w", err)
	}

	clientKey := material[0:keyLen]
	serverKey := material[keyLen : 2*keyLen]
	clientSalt := material[2*keyLen : 2*keyLen+saltLen]
	serverSalt := material[2*keyLen+saltLen : 2*keyLen+2*saltLen]

	clientKS := &KeySalt{Suite: suite, Key: clientKey, Salt: clientSalt}
	serverKS := &KeySalt{Suite: suite, Key: serverKey, Salt: serverSalt}

	if isClient {
		return clientKS, serverKS, nil
	}
	return serverKS, clientKS, nil
}
