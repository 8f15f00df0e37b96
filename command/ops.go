package command

// Opcodes of the resource actors. Pushed opcodes and the tasks they run
// come in pairs.
const (
	OpPipeCreateWindow Op = 0x100 + iota
	OpPipeDestroyWindow
)

const (
	OpWindowInit Op = 0x200 + iota
	OpWindowExit
	OpWindowCreateChannel
	OpWindowDestroyChannel

	ReqWindowInit
	ReqWindowExit
)

const (
	// OpObjectDelta carries an object.Delta to a mirror; it is applied on
	// the mirror's worker.
	OpObjectDelta Op = 0x300 + iota
	ReqObjectDelta
)

// CreateChild is the payload of the child creation opcodes.
type CreateChild struct {
	ID   uint64 `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint,omitempty"`
}

type DestroyChild struct {
	ID uint64 `cbor:"1,keyasint"`
}

type Viewport struct {
	X int32 `cbor:"1,keyasint"`
	Y int32 `cbor:"2,keyasint"`
	W int32 `cbor:"3,keyasint"`
	H int32 `cbor:"4,keyasint"`
}

// InitReply is the body of the reply to OpWindowInit.
type InitReply struct {
	OK       bool     `cbor:"1,keyasint"`
	Error    string   `cbor:"2,keyasint,omitempty"`
	Viewport Viewport `cbor:"3,keyasint"`
}

type ExitReply struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}
