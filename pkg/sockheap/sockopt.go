package sockheap

import "net"

// setVoiceSocketOptions sets a 256 KiB receive buffer on conn; no other
// socket option is applied. The heap calls it once per allocated socket
// instead of once per transport.
func setVoiceSocketOptions(conn *net.UDPConn) error {
	return conn.SetReadBuffer(256 * 1024)
}
