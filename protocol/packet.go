package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drpcorg/fabric/command"
)

// Packet records. A packet is one 'P' record holding, in this order:
//
//	'O' opcode u32 LE
//	'D' destination u64 LE
//	'C' correlation u64 LE, absent when zero
//	'S' sender u64 LE
//	'F' flags u32 LE, absent when zero
//	'B' payload, its length is the record length
//
// A 'H' record with the node id u64 LE opens every connection.
const (
	LitPacket      = 'P'
	LitOp          = 'O'
	LitDest        = 'D'
	LitCorrelation = 'C'
	LitSender      = 'S'
	LitFlags       = 'F'
	LitBody        = 'B'
	LitHello       = 'H'
)

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func AppendPacket(into []byte, p *command.Packet) []byte {
	bookmark := len(into)
	into = append(into, LitPacket, 0, 0, 0, 0)
	into = Append(into, LitOp, u32(uint32(p.Op)))
	into = Append(into, LitDest, u64(p.Dest))
	if p.Correlation != 0 {
		into = Append(into, LitCorrelation, u64(p.Correlation))
	}
	into = Append(into, LitSender, u64(p.Sender))
	if p.Flags != 0 {
		into = Append(into, LitFlags, u32(uint32(p.Flags)))
	}
	into = Append(into, LitBody, p.Payload)
	binary.LittleEndian.PutUint32(into[bookmark+1:bookmark+5], uint32(len(into)-bookmark-5))
	return into
}

func PacketRecord(p *command.Packet) []byte {
	return AppendPacket(make([]byte, 0, 64+len(p.Payload)), p)
}

func malformed(err error) error {
	return fmt.Errorf("%w: malformed packet: %w", command.ErrProtocol, err)
}

func takeFixed(lit byte, data []byte, size int) ([]byte, []byte, error) {
	body, rest, err := TakeWary(lit, data)
	if err != nil {
		return nil, nil, malformed(fmt.Errorf("record %c: %w", lit, err))
	}
	if len(body) != size {
		return nil, nil, malformed(fmt.Errorf("record %c is %d bytes, want %d", lit, len(body), size))
	}
	return body, rest, nil
}

func peek(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	lit, _, _ := ProbeHeader(data)
	return lit
}

// ParsePacket decodes one 'P' record. The payload is copied.
func ParsePacket(rec []byte) (*command.Packet, error) {
	body, rest, err := TakeWary(LitPacket, rec)
	if err != nil {
		return nil, malformed(err)
	}
	if len(rest) != 0 {
		return nil, malformed(errors.New("trailing bytes"))
	}
	p := &command.Packet{}
	var f []byte
	if f, body, err = takeFixed(LitOp, body, 4); err != nil {
		return nil, err
	}
	p.Op = command.Op(binary.LittleEndian.Uint32(f))
	if f, body, err = takeFixed(LitDest, body, 8); err != nil {
		return nil, err
	}
	p.Dest = binary.LittleEndian.Uint64(f)
	if peek(body) == LitCorrelation {
		if f, body, err = takeFixed(LitCorrelation, body, 8); err != nil {
			return nil, err
		}
		p.Correlation = binary.LittleEndian.Uint64(f)
	}
	if f, body, err = takeFixed(LitSender, body, 8); err != nil {
		return nil, err
	}
	p.Sender = binary.LittleEndian.Uint64(f)
	if peek(body) == LitFlags {
		if f, body, err = takeFixed(LitFlags, body, 4); err != nil {
			return nil, err
		}
		p.Flags = command.Flags(binary.LittleEndian.Uint32(f))
	}
	payload, body, err := TakeWary(LitBody, body)
	if err != nil {
		return nil, malformed(fmt.Errorf("record B: %w", err))
	}
	if len(body) != 0 {
		return nil, malformed(errors.New("trailing fields"))
	}
	if len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	return p, nil
}

func HelloRecord(node uint64) []byte {
	return Record(LitHello, u64(node))
}

func ParseHello(rec []byte) (uint64, error) {
	f, _, err := takeFixed(LitHello, rec, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(f), nil
}
