// Package protocol defines the packet format and types for the tunnel.
package protocol

import "github.com/1ureka/seqtunnel/internal/payload"

// Packet type constants.
const (
	TypeConnect uint8 = 0x01 // New TCP connection request
	TypeData    uint8 = 0x02 // TCP data payload
	TypeClose   uint8 = 0x03 // Connection close notification
)

// HeaderSize is the fixed header size: Type(1) + SocketID(4) + Sequence(8).
const HeaderSize = 13

// Packet is one tunnel message. Every packet of a socket, control or data,
// carries the next sequence number of that socket; CONNECT and CLOSE carry
// empty content.
type Packet struct {
	Type     uint8  // TypeConnect, TypeData, or TypeClose
	SocketID uint32 // Hashed identifier from 4-tuple
	Payload  payload.Payload
}

// Seq returns the packet's sequence number.
func (p *Packet) Seq() uint64 { return p.Payload.Sequence() }

// TypeName returns a readable name for logging.
func (p *Packet) TypeName() string {
	switch p.Type {
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	}
	return "UNKNOWN"
}
