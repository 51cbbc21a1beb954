package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/seqtunnel/internal/payload"
)

// Encode serializes a Packet into a byte slice for DataChannel transmission.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+pkt.Payload.Len())
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.SocketID)
	binary.BigEndian.PutUint64(buf[5:13], pkt.Payload.Sequence())
	return pkt.Payload.AppendTo(buf)
}

// Decode deserializes a byte slice into a Packet. The content is copied, so
// data may be reused by the caller.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}

	typ := data[0]
	if typ < TypeConnect || typ > TypeClose {
		return nil, fmt.Errorf("unknown packet type 0x%02x", typ)
	}

	content := make([]byte, len(data)-HeaderSize)
	copy(content, data[HeaderSize:])

	p, err := payload.New(binary.BigEndian.Uint64(data[5:13]), content)
	if err != nil {
		return nil, fmt.Errorf("invalid packet: %w", err)
	}

	return &Packet{
		Type:     typ,
		SocketID: binary.BigEndian.Uint32(data[1:5]),
		Payload:  p,
	}, nil
}

// NewPacket builds a packet, panicking on a zero sequence. Sequence numbers
// come from SeqGen, which never yields zero.
func NewPacket(typ uint8, socketID uint32, seq uint64, content []byte) *Packet {
	if content == nil {
		content = []byte{}
	}
	p, err := payload.New(seq, content)
	if err != nil {
		panic(err)
	}
	return &Packet{Type: typ, SocketID: socketID, Payload: p}
}
