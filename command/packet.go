// Package command defines the packets exchanged between actors, the
// per-actor table mapping opcodes to handlers and the reply taxonomy.
package command

import "fmt"

// Op is a packet opcode. Its meaning, and the layout of the payload, is
// defined by the destination actor's registry.
type Op uint32

type Flags uint32

const (
	// FlagReply marks the single answer to a correlated request.
	FlagReply Flags = 1 << iota
	// FlagCompressed marks a payload packed with rle.CompressRaw.
	FlagCompressed
)

// Packet is one command addressed to an actor.
type Packet struct {
	Op   Op
	Dest uint64
	// Correlation pairs a request with its reply. Zero means no reply is
	// expected.
	Correlation uint64
	// Sender is the actor or node the reply is routed to.
	Sender  uint64
	Flags   Flags
	Payload []byte
}

func (p *Packet) IsReply() bool {
	return p.Flags&FlagReply != 0
}

// Clone deep-copies the packet, payload included. Packets crossing an
// execution context boundary are always cloned.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Payload != nil {
		c.Payload = append(make([]byte, 0, len(p.Payload)), p.Payload...)
	}
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("op %d dest %d corr %d sender %d flags %#x len %d",
		p.Op, p.Dest, p.Correlation, p.Sender, uint32(p.Flags), len(p.Payload))
}
