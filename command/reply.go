package command

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("command: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes an opcode payload.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes an opcode payload; malformed input is a protocol
// error.
func Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return ProtocolErrorf("malformed payload: %v", err)
	}
	return nil
}

// Reply is the payload of a packet flagged FlagReply.
type Reply struct {
	Status Status          `cbor:"1,keyasint"`
	Error  string          `cbor:"2,keyasint,omitempty"`
	Body   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

func (r *Reply) OK() bool {
	return r.Status == StatusOK
}

// Err converts a failed reply back into an error matching the sentinel
// of its status.
func (r *Reply) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusUnknown:
		return &Error{Status: r.Status, Msg: r.Error, Err: ErrUnroutable}
	case StatusProtocolError:
		return &Error{Status: r.Status, Msg: r.Error, Err: ErrProtocol}
	case StatusResourceState:
		return &Error{Status: r.Status, Msg: r.Error, Err: ErrResourceState}
	default:
		return &Error{Status: r.Status, Msg: r.Error, Err: ErrFailed}
	}
}

// Decode unmarshals the reply body into v.
func (r *Reply) Decode(v any) error {
	if len(r.Body) == 0 {
		return ProtocolErrorf("empty reply body")
	}
	return Unmarshal(r.Body, v)
}

// NewReply builds the answer to req from a handler result. body may be
// nil; it is sent along with failures too.
func NewReply(req *Packet, body any, herr error) (*Packet, error) {
	r := Reply{Status: StatusOf(herr), Error: MessageOf(herr)}
	if body != nil {
		raw, err := Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("command: encode reply body: %w", err)
		}
		r.Body = raw
	}
	payload, err := Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("command: encode reply: %w", err)
	}
	return &Packet{
		Op:          req.Op,
		Dest:        req.Sender,
		Correlation: req.Correlation,
		Sender:      req.Dest,
		Flags:       FlagReply,
		Payload:     payload,
	}, nil
}

// ParseReply decodes the payload of a reply packet.
func ParseReply(p *Packet) (*Reply, error) {
	if !p.IsReply() {
		return nil, ProtocolErrorf("packet is not a reply: %s", p)
	}
	var r Reply
	if err := Unmarshal(p.Payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
