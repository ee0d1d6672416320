package iceadapter

import "fmt"

// SDPLine renders one candidate as an `a=candidate:` attribute value (the
// part after "a=candidate:"), per §6.
func (c Candidate) SDPLine() string {
	typ := c.Typ
	line := fmt.Sprintf("%s %d udp %d %s %d typ %s", c.Foundation, c.Component, c.Priority, c.Address, c.Port, typ)
	if c.RelAddr != "" {
		line += fmt.Sprintf(" raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	return line
}
