package models

import "net/netip"

// Envelope is an inbound message tagged with the sender it came from.
type Envelope struct {
	Source  netip.AddrPort
	Class   Class
	Address string
	Args    []any
}
